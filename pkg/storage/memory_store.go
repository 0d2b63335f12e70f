package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawlcore/pkg/models"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

type processedEntry struct {
	info  *models.CrawlDocInfo
	valid bool
}

// MemoryStore is a non-persistent Store. Sessions survive only as long as the
// value itself, which makes it suited to tests and one-shot crawls.
type MemoryStore struct {
	mu        sync.Mutex
	log       *logrus.Entry
	queue     []string // FIFO order of queued references
	queued    map[string]*models.CrawlDocInfo
	active    map[string]*models.CrawlDocInfo
	processed map[string]processedEntry
	cached    map[string]*models.CrawlDocInfo
	closed    bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(logger *logrus.Entry) *MemoryStore {
	s := &MemoryStore{log: logger}
	s.reset()
	return s
}

func (s *MemoryStore) reset() {
	s.queue = nil
	s.queued = make(map[string]*models.CrawlDocInfo)
	s.active = make(map[string]*models.CrawlDocInfo)
	s.processed = make(map[string]processedEntry)
	s.cached = make(map[string]*models.CrawlDocInfo)
}

func (s *MemoryStore) checkOpen() error {
	if s.closed {
		return fmt.Errorf("%w: memory store is closed", utils.ErrDatabase)
	}
	return nil
}

// Open implements ReferenceStore.
func (s *MemoryStore) Open(resume bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	if resume && (len(s.queued) > 0 || len(s.active) > 0) {
		refs := make([]string, 0, len(s.active))
		for ref := range s.active {
			refs = append(refs, ref)
		}
		sort.Strings(refs)
		for _, ref := range refs {
			s.enqueue(s.active[ref])
		}
		s.active = make(map[string]*models.CrawlDocInfo)
		s.log.Infof("Resuming previous session: %d active reference(s) requeued", len(refs))
		return true, nil
	}

	cached := make(map[string]*models.CrawlDocInfo)
	for ref, e := range s.processed {
		if e.valid {
			cached[ref] = e.info
		}
	}
	s.reset()
	s.cached = cached
	s.log.Infof("Fresh session: %d reference(s) cached from previous run", len(cached))
	return false, nil
}

func (s *MemoryStore) enqueue(info *models.CrawlDocInfo) {
	if _, ok := s.queued[info.Reference]; !ok {
		s.queue = append(s.queue, info.Reference)
	}
	s.queued[info.Reference] = info
}

// Queue implements ReferenceStore.
func (s *MemoryStore) Queue(info *models.CrawlDocInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.enqueue(info.Clone())
	return nil
}

// PollQueue implements ReferenceStore.
func (s *MemoryStore) PollQueue() (*models.CrawlDocInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	for len(s.queue) > 0 {
		ref := s.queue[0]
		s.queue = s.queue[1:]
		info, ok := s.queued[ref]
		if !ok {
			continue // removed by Processed while queued
		}
		delete(s.queued, ref)
		s.active[ref] = info
		return info.Clone(), nil
	}
	return nil, nil
}

// Processed implements ReferenceStore.
func (s *MemoryStore) Processed(info *models.CrawlDocInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	ref := info.Reference
	delete(s.active, ref)
	delete(s.cached, ref)
	delete(s.queued, ref)
	s.processed[ref] = processedEntry{info: info.Clone(), valid: info.Retained()}
	return nil
}

// GetCached implements ReferenceStore.
func (s *MemoryStore) GetCached(reference string) (*models.CrawlDocInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.cached[reference].Clone(), nil
}

// ForEachCached implements ReferenceStore. Entries are visited in reference
// order over a snapshot, so fn may call back into the store.
func (s *MemoryStore) ForEachCached(fn func(info *models.CrawlDocInfo) bool) (int, error) {
	s.mu.Lock()
	if err := s.checkOpen(); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	snapshot := sortedInfos(s.cached)
	s.mu.Unlock()

	count := 0
	for _, info := range snapshot {
		count++
		if !fn(info) {
			break
		}
	}
	return count, nil
}

func sortedInfos(m map[string]*models.CrawlDocInfo) []*models.CrawlDocInfo {
	out := make([]*models.CrawlDocInfo, 0, len(m))
	for _, info := range m {
		out = append(out, info.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reference < out[j].Reference })
	return out
}

// Stage implements ReferenceStore.
func (s *MemoryStore) Stage(reference string) (models.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.queued[reference] != nil:
		return models.StageQueued, nil
	case s.active[reference] != nil:
		return models.StageActive, nil
	case s.processed[reference].info != nil:
		return models.StageProcessed, nil
	case s.cached[reference] != nil:
		return models.StageCached, nil
	}
	return models.StageNone, nil
}

// ActiveCount implements ReferenceStore.
func (s *MemoryStore) ActiveCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active), nil
}

// QueueSize implements ReferenceStore.
func (s *MemoryStore) QueueSize() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued), nil
}

// IsQueueEmpty implements ReferenceStore.
func (s *MemoryStore) IsQueueEmpty() (bool, error) {
	n, err := s.QueueSize()
	return n == 0, err
}

// ForEachEntry implements EntryWalker.
func (s *MemoryStore) ForEachEntry(fn func(stage models.Stage, valid bool, info *models.CrawlDocInfo) bool) error {
	type entry struct {
		stage models.Stage
		valid bool
		info  *models.CrawlDocInfo
	}
	s.mu.Lock()
	var entries []entry
	for _, info := range sortedInfos(s.queued) {
		entries = append(entries, entry{models.StageQueued, false, info})
	}
	for _, info := range sortedInfos(s.active) {
		entries = append(entries, entry{models.StageActive, false, info})
	}
	refs := make([]string, 0, len(s.processed))
	for ref := range s.processed {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	for _, ref := range refs {
		e := s.processed[ref]
		entries = append(entries, entry{models.StageProcessed, e.valid, e.info.Clone()})
	}
	for _, info := range sortedInfos(s.cached) {
		entries = append(entries, entry{models.StageCached, true, info})
	}
	s.mu.Unlock()

	for _, e := range entries {
		if !fn(e.stage, e.valid, e.info) {
			return nil
		}
	}
	return nil
}

// Restore implements EntryWalker.
func (s *MemoryStore) Restore(stage models.Stage, valid bool, info *models.CrawlDocInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info = info.Clone()
	switch stage {
	case models.StageQueued:
		s.enqueue(info)
	case models.StageActive:
		s.active[info.Reference] = info
	case models.StageProcessed:
		s.processed[info.Reference] = processedEntry{info: info, valid: valid}
	case models.StageCached:
		s.cached[info.Reference] = info
	default:
		return fmt.Errorf("%w: cannot restore '%s' into stage '%s'", utils.ErrDatabase, info.Reference, stage)
	}
	return nil
}

// Clean implements ReferenceStore.
func (s *MemoryStore) Clean() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

// Close implements ReferenceStore.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
