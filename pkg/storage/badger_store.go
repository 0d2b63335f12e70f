package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawlcore/pkg/log"
	"github.com/Sriram-PR/crawlcore/pkg/models"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

const (
	queuedPrefix  = "q:"  // QUEUED references
	activePrefix  = "a:"  // ACTIVE references
	validPrefix   = "pv:" // PROCESSED with a good state
	invalidPrefix = "pi:" // PROCESSED with a bad state
	cachedPrefix  = "c:"  // CACHED from the previous session
)

const maxConflictRetries = 10

// BadgerStore implements Store on an embedded BadgerDB. Each partition is a
// key prefix; values are JSON-encoded CrawlDocInfo records.
type BadgerStore struct {
	db   *badger.DB
	log  *logrus.Entry
	ctx  context.Context // Parent context
	path string

	pollMu sync.Mutex // Serializes PollQueue so concurrent workers never race on the head entry
}

// NewBadgerStore opens (or creates) the database under dbPath. badgerLevel
// filters badger's own log output.
func NewBadgerStore(ctx context.Context, dbPath string, logger *logrus.Entry, badgerLevel logrus.Level) (*BadgerStore, error) {
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create store directory %s: %w", utils.ErrFilesystem, dbPath, err)
	}

	badgerLogger := log.NewBadgerLogger(logger.WithField("component", "badgerdb"), badgerLevel)
	opts := badger.DefaultOptions(dbPath).
		WithLogger(badgerLogger).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrDatabase, dbPath, err)
	}
	logger.Infof("Reference store opened at: %s", dbPath)
	return &BadgerStore{db: db, log: logger, ctx: ctx, path: dbPath}, nil
}

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on overlapping keys can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

func encodeInfo(info *models.CrawlDocInfo) ([]byte, error) {
	b, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding JSON entry for '%s': %w", utils.ErrParsing, info.Reference, err)
	}
	return b, nil
}

func decodeInfo(key, val []byte) (*models.CrawlDocInfo, error) {
	var info models.CrawlDocInfo
	if err := json.Unmarshal(val, &info); err != nil {
		return nil, fmt.Errorf("%w: decoding JSON entry '%s': %w", utils.ErrParsing, string(key), err)
	}
	return &info, nil
}

// Open implements ReferenceStore.
func (s *BadgerStore) Open(resume bool) (bool, error) {
	empty, err := s.IsQueueEmpty()
	if err != nil {
		return false, err
	}
	active, err := s.ActiveCount()
	if err != nil {
		return false, err
	}

	if resume && (!empty || active > 0) {
		moved, err := s.movePrefix(activePrefix, queuedPrefix)
		if err != nil {
			return false, fmt.Errorf("%w: requeueing active references: %w", utils.ErrDatabase, err)
		}
		s.log.Infof("Resuming previous session: %d active reference(s) requeued", moved)
		return true, nil
	}

	if resume {
		s.log.Info("Nothing to resume, starting a fresh session")
	}
	if err := s.db.DropPrefix([]byte(cachedPrefix)); err != nil {
		return false, fmt.Errorf("%w: clearing cached references: %w", utils.ErrDatabase, err)
	}
	cached, err := s.movePrefix(validPrefix, cachedPrefix)
	if err != nil {
		return false, fmt.Errorf("%w: caching processed references: %w", utils.ErrDatabase, err)
	}
	if err := s.db.DropPrefix([]byte(queuedPrefix), []byte(activePrefix), []byte(validPrefix), []byte(invalidPrefix)); err != nil {
		return false, fmt.Errorf("%w: clearing previous session: %w", utils.ErrDatabase, err)
	}
	s.log.Infof("Fresh session: %d reference(s) cached from previous run", cached)
	return false, nil
}

// movePrefix rewrites every key under from to the same reference under to.
func (s *BadgerStore) movePrefix(from, to string) (int, error) {
	type kv struct{ ref, val []byte }
	var entries []kv
	fromBytes := []byte(from)

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(fromBytes); it.ValidForPrefix(fromBytes); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries = append(entries, kv{ref: item.KeyCopy(nil)[len(fromBytes):], val: val})
		}
		return nil
	})
	if err != nil || len(entries) == 0 {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range entries {
		if err := wb.Set(append([]byte(to), e.ref...), e.val); err != nil {
			return 0, err
		}
		if err := wb.Delete(append([]byte(from), e.ref...)); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Queue implements ReferenceStore.
func (s *BadgerStore) Queue(info *models.CrawlDocInfo) error {
	val, err := encodeInfo(info)
	if err != nil {
		return err
	}
	key := []byte(queuedPrefix + info.Reference)
	if err := s.dbUpdate(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	}); err != nil {
		return fmt.Errorf("%w: queueing '%s': %w", utils.ErrDatabase, info.Reference, err)
	}
	return nil
}

// firstWithPrefix returns copies of the first key/value under prefix.
func firstWithPrefix(txn *badger.Txn, prefix []byte) (key, val []byte, err error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	it.Seek(prefix)
	if !it.ValidForPrefix(prefix) {
		return nil, nil, nil
	}
	item := it.Item()
	val, err = item.ValueCopy(nil)
	if err != nil {
		return nil, nil, err
	}
	return item.KeyCopy(nil), val, nil
}

// PollQueue implements ReferenceStore.
func (s *BadgerStore) PollQueue() (*models.CrawlDocInfo, error) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	var polled *models.CrawlDocInfo
	err := s.dbUpdate(func(txn *badger.Txn) error {
		polled = nil
		key, val, err := firstWithPrefix(txn, []byte(queuedPrefix))
		if err != nil || key == nil {
			return err
		}
		info, err := decodeInfo(key, val)
		if err != nil {
			// Drop the unreadable entry rather than polling it forever
			s.log.Warnf("Discarding unreadable queued entry: %v", err)
			return txn.Delete(key)
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		if err := txn.Set([]byte(activePrefix+info.Reference), val); err != nil {
			return err
		}
		polled = info
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: polling queue: %w", utils.ErrDatabase, err)
	}
	return polled, nil
}

// Processed implements ReferenceStore.
func (s *BadgerStore) Processed(info *models.CrawlDocInfo) error {
	val, err := encodeInfo(info)
	if err != nil {
		return err
	}
	ref := info.Reference
	keep, drop := validPrefix, invalidPrefix
	if !info.Retained() {
		keep, drop = invalidPrefix, validPrefix
	}
	err = s.dbUpdate(func(txn *badger.Txn) error {
		for _, prefix := range []string{activePrefix, cachedPrefix, queuedPrefix, drop} {
			if err := txn.Delete([]byte(prefix + ref)); err != nil {
				return err
			}
		}
		return txn.Set([]byte(keep+ref), val)
	})
	if err != nil {
		return fmt.Errorf("%w: marking '%s' processed: %w", utils.ErrDatabase, ref, err)
	}
	return nil
}

func (s *BadgerStore) get(key []byte) (*models.CrawlDocInfo, error) {
	var info *models.CrawlDocInfo
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := decodeInfo(key, val)
			if err != nil {
				return err
			}
			info = decoded
			return nil
		})
	})
	return info, err
}

// GetCached implements ReferenceStore.
func (s *BadgerStore) GetCached(reference string) (*models.CrawlDocInfo, error) {
	info, err := s.get([]byte(cachedPrefix + reference))
	if err != nil {
		return nil, fmt.Errorf("%w: reading cached '%s': %w", utils.ErrDatabase, reference, err)
	}
	return info, nil
}

// Stage implements ReferenceStore.
func (s *BadgerStore) Stage(reference string) (models.Stage, error) {
	checks := []struct {
		prefix string
		stage  models.Stage
	}{
		{queuedPrefix, models.StageQueued},
		{activePrefix, models.StageActive},
		{validPrefix, models.StageProcessed},
		{invalidPrefix, models.StageProcessed},
		{cachedPrefix, models.StageCached},
	}
	stage := models.StageNone
	err := s.db.View(func(txn *badger.Txn) error {
		for _, c := range checks {
			_, err := txn.Get([]byte(c.prefix + reference))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			stage = c.stage
			return nil
		}
		return nil
	})
	if err != nil {
		return models.StageNone, fmt.Errorf("%w: resolving stage of '%s': %w", utils.ErrDatabase, reference, err)
	}
	return stage, nil
}

// iterate visits decoded entries under prefix until fn returns false.
func (s *BadgerStore) iterate(prefix string, fn func(info *models.CrawlDocInfo) bool) (int, error) {
	count := 0
	prefixBytes := []byte(prefix)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			select {
			case <-s.ctx.Done():
				return s.ctx.Err()
			default:
			}
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			info, err := decodeInfo(item.Key(), val)
			if err != nil {
				s.log.Warnf("Skipping unreadable entry: %v", err)
				continue
			}
			count++
			if !fn(info) {
				return nil
			}
		}
		return nil
	})
	return count, err
}

// ForEachCached implements ReferenceStore.
func (s *BadgerStore) ForEachCached(fn func(info *models.CrawlDocInfo) bool) (int, error) {
	count, err := s.iterate(cachedPrefix, fn)
	if err != nil {
		return count, fmt.Errorf("%w: iterating cached references: %w", utils.ErrDatabase, err)
	}
	return count, nil
}

func (s *BadgerStore) countPrefix(prefix string) (int, error) {
	count := 0
	prefixBytes := []byte(prefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefixBytes
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: counting '%s' keys: %w", utils.ErrDatabase, prefix, err)
	}
	return count, nil
}

// ActiveCount implements ReferenceStore.
func (s *BadgerStore) ActiveCount() (int, error) { return s.countPrefix(activePrefix) }

// QueueSize implements ReferenceStore.
func (s *BadgerStore) QueueSize() (int, error) { return s.countPrefix(queuedPrefix) }

// IsQueueEmpty implements ReferenceStore.
func (s *BadgerStore) IsQueueEmpty() (bool, error) {
	empty := true
	err := s.db.View(func(txn *badger.Txn) error {
		key, _, err := firstWithPrefix(txn, []byte(queuedPrefix))
		empty = key == nil
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%w: checking queue: %w", utils.ErrDatabase, err)
	}
	return empty, nil
}

var stagePrefixes = []struct {
	prefix string
	stage  models.Stage
	valid  bool
}{
	{queuedPrefix, models.StageQueued, false},
	{activePrefix, models.StageActive, false},
	{validPrefix, models.StageProcessed, true},
	{invalidPrefix, models.StageProcessed, false},
	{cachedPrefix, models.StageCached, true},
}

// ForEachEntry implements EntryWalker.
func (s *BadgerStore) ForEachEntry(fn func(stage models.Stage, valid bool, info *models.CrawlDocInfo) bool) error {
	for _, sp := range stagePrefixes {
		stopped := false
		_, err := s.iterate(sp.prefix, func(info *models.CrawlDocInfo) bool {
			if !fn(sp.stage, sp.valid, info) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil {
			return fmt.Errorf("%w: iterating '%s' entries: %w", utils.ErrDatabase, sp.stage, err)
		}
		if stopped {
			return nil
		}
	}
	return nil
}

// Restore implements EntryWalker.
func (s *BadgerStore) Restore(stage models.Stage, valid bool, info *models.CrawlDocInfo) error {
	var prefix string
	switch stage {
	case models.StageQueued:
		prefix = queuedPrefix
	case models.StageActive:
		prefix = activePrefix
	case models.StageCached:
		prefix = cachedPrefix
	case models.StageProcessed:
		prefix = invalidPrefix
		if valid {
			prefix = validPrefix
		}
	default:
		return fmt.Errorf("%w: cannot restore '%s' into stage '%s'", utils.ErrDatabase, info.Reference, stage)
	}
	val, err := encodeInfo(info)
	if err != nil {
		return err
	}
	if err := s.dbUpdate(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefix+info.Reference), val)
	}); err != nil {
		return fmt.Errorf("%w: restoring '%s': %w", utils.ErrDatabase, info.Reference, err)
	}
	return nil
}

// RunGC runs BadgerDB's value log garbage collection periodically until ctx is done.
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				return
			}
			var err error
			for {
				// Run GC if log is at least 50% reclaimable space
				if err = s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}
		case <-ctx.Done():
			s.log.Debugf("Stopping BadgerDB garbage collection: %v", ctx.Err())
			return
		}
	}
}

// Clean implements ReferenceStore.
func (s *BadgerStore) Clean() error {
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("%w: dropping all data: %w", utils.ErrDatabase, err)
	}
	s.log.Infof("Reference store cleaned: %s", s.path)
	return nil
}

// Close implements ReferenceStore.
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		s.log.Debug("Closing reference store...")
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing reference store: %v", err)
			return fmt.Errorf("%w: closing: %w", utils.ErrDatabase, err)
		}
	}
	return nil
}
