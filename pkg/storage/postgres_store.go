package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawlcore/pkg/models"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

var (
	validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	tableNameChars = regexp.MustCompile(`[^a-zA-Z0-9_]+`)
)

// pgxPool is the subset of *pgxpool.Pool the store uses.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore implements Store on two tables: <table>_refs holds QUEUED,
// ACTIVE and PROCESSED rows keyed by reference, <table>_cached holds the
// previous session's good records.
type PostgresStore struct {
	pool   pgxPool
	ctx    context.Context
	log    *logrus.Entry
	refs   string
	cached string
}

// PostgresTableName derives a valid table base name from a prefix and a crawler id.
func PostgresTableName(prefix, crawlerID string) string {
	if prefix == "" {
		prefix = "crawlcore"
	}
	id := strings.Trim(tableNameChars.ReplaceAllString(strings.ToLower(crawlerID), "_"), "_")
	if id == "" {
		return prefix
	}
	return prefix + "_" + id
}

// NewPostgresStore connects to dsn and prepares the tables for table.
func NewPostgresStore(ctx context.Context, dsn, table string, maxConns int32, logger *logrus.Entry) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: store dsn is required for the postgres engine", utils.ErrConfigValidation)
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse postgres dsn: %w", utils.ErrConfigValidation, err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect postgres: %w", utils.ErrDatabase, err)
	}
	store, err := NewPostgresStoreWithPool(ctx, pool, table, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPostgresStoreWithPool(ctx context.Context, pool pgxPool, table string, logger *logrus.Entry) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: pool is required", utils.ErrDatabase)
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("%w: invalid table name %q", utils.ErrConfigValidation, table)
	}
	s := &PostgresStore{
		pool:   pool,
		ctx:    ctx,
		log:    logger,
		refs:   table + "_refs",
		cached: table + "_cached",
	}
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			reference TEXT PRIMARY KEY,
			stage TEXT NOT NULL,
			valid BOOLEAN NOT NULL DEFAULT FALSE,
			seq BIGSERIAL,
			data JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[1]s_stage_seq ON %[1]s (stage, seq);
		CREATE TABLE IF NOT EXISTS %[2]s (
			reference TEXT PRIMARY KEY,
			data JSONB NOT NULL
		);`, s.refs, s.cached)
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("%w: creating tables for %s: %w", utils.ErrDatabase, table, err)
	}
	logger.Infof("Reference store using postgres tables %s, %s", s.refs, s.cached)
	return s, nil
}

func (s *PostgresStore) inTx(fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(s.ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(s.ctx); rbErr != nil {
			s.log.Warnf("Rollback failed: %v", rbErr)
		}
		return err
	}
	return tx.Commit(s.ctx)
}

// Open implements ReferenceStore.
func (s *PostgresStore) Open(resume bool) (bool, error) {
	var queued, active int64
	err := s.pool.QueryRow(s.ctx, fmt.Sprintf(
		`SELECT count(*) FILTER (WHERE stage = 'queued'), count(*) FILTER (WHERE stage = 'active') FROM %s`, s.refs),
	).Scan(&queued, &active)
	if err != nil {
		return false, fmt.Errorf("%w: counting unfinished references: %w", utils.ErrDatabase, err)
	}

	if resume && (queued > 0 || active > 0) {
		tag, err := s.pool.Exec(s.ctx, fmt.Sprintf(`UPDATE %s SET stage = 'queued' WHERE stage = 'active'`, s.refs))
		if err != nil {
			return false, fmt.Errorf("%w: requeueing active references: %w", utils.ErrDatabase, err)
		}
		s.log.Infof("Resuming previous session: %d active reference(s) requeued", tag.RowsAffected())
		return true, nil
	}

	var cachedCount int64
	err = s.inTx(func(tx pgx.Tx) error {
		if _, err := tx.Exec(s.ctx, fmt.Sprintf(`DELETE FROM %s`, s.cached)); err != nil {
			return err
		}
		tag, err := tx.Exec(s.ctx, fmt.Sprintf(
			`INSERT INTO %s (reference, data) SELECT reference, data FROM %s WHERE stage = 'processed' AND valid`,
			s.cached, s.refs))
		if err != nil {
			return err
		}
		cachedCount = tag.RowsAffected()
		_, err = tx.Exec(s.ctx, fmt.Sprintf(`DELETE FROM %s`, s.refs))
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%w: starting fresh session: %w", utils.ErrDatabase, err)
	}
	s.log.Infof("Fresh session: %d reference(s) cached from previous run", cachedCount)
	return false, nil
}

func (s *PostgresStore) upsertRef(ctx context.Context, exec func(context.Context, string, ...any) (pgconn.CommandTag, error),
	stage models.Stage, valid bool, info *models.CrawlDocInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("%w: encoding JSON entry for '%s': %w", utils.ErrParsing, info.Reference, err)
	}
	_, err = exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (reference, stage, valid, data) VALUES ($1, $2, $3, $4)
		ON CONFLICT (reference) DO UPDATE SET stage = EXCLUDED.stage, valid = EXCLUDED.valid, data = EXCLUDED.data`, s.refs),
		info.Reference, string(stage), valid, data)
	return err
}

// Queue implements ReferenceStore.
func (s *PostgresStore) Queue(info *models.CrawlDocInfo) error {
	if err := s.upsertRef(s.ctx, s.pool.Exec, models.StageQueued, false, info); err != nil {
		return fmt.Errorf("%w: queueing '%s': %w", utils.ErrDatabase, info.Reference, err)
	}
	return nil
}

// PollQueue implements ReferenceStore. SKIP LOCKED keeps concurrent pollers,
// including ones in other processes, from claiming the same row.
func (s *PostgresStore) PollQueue() (*models.CrawlDocInfo, error) {
	var data []byte
	err := s.pool.QueryRow(s.ctx, fmt.Sprintf(`
		UPDATE %[1]s SET stage = 'active'
		WHERE reference = (
			SELECT reference FROM %[1]s WHERE stage = 'queued'
			ORDER BY seq LIMIT 1 FOR UPDATE SKIP LOCKED
		)
		RETURNING data`, s.refs)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: polling queue: %w", utils.ErrDatabase, err)
	}
	return decodeInfo([]byte("queued"), data)
}

// Processed implements ReferenceStore.
func (s *PostgresStore) Processed(info *models.CrawlDocInfo) error {
	err := s.inTx(func(tx pgx.Tx) error {
		if err := s.upsertRef(s.ctx, tx.Exec, models.StageProcessed, info.Retained(), info); err != nil {
			return err
		}
		_, err := tx.Exec(s.ctx, fmt.Sprintf(`DELETE FROM %s WHERE reference = $1`, s.cached), info.Reference)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: marking '%s' processed: %w", utils.ErrDatabase, info.Reference, err)
	}
	return nil
}

// GetCached implements ReferenceStore.
func (s *PostgresStore) GetCached(reference string) (*models.CrawlDocInfo, error) {
	var data []byte
	err := s.pool.QueryRow(s.ctx, fmt.Sprintf(`SELECT data FROM %s WHERE reference = $1`, s.cached), reference).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading cached '%s': %w", utils.ErrDatabase, reference, err)
	}
	return decodeInfo([]byte(reference), data)
}

// ForEachCached implements ReferenceStore.
func (s *PostgresStore) ForEachCached(fn func(info *models.CrawlDocInfo) bool) (int, error) {
	rows, err := s.pool.Query(s.ctx, fmt.Sprintf(`SELECT data FROM %s ORDER BY reference`, s.cached))
	if err != nil {
		return 0, fmt.Errorf("%w: iterating cached references: %w", utils.ErrDatabase, err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return count, fmt.Errorf("%w: scanning cached row: %w", utils.ErrDatabase, err)
		}
		info, err := decodeInfo([]byte("cached"), data)
		if err != nil {
			s.log.Warnf("Skipping unreadable entry: %v", err)
			continue
		}
		count++
		if !fn(info) {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("%w: iterating cached references: %w", utils.ErrDatabase, err)
	}
	return count, nil
}

// Stage implements ReferenceStore.
func (s *PostgresStore) Stage(reference string) (models.Stage, error) {
	var stage string
	err := s.pool.QueryRow(s.ctx, fmt.Sprintf(`
		SELECT COALESCE(
			(SELECT stage FROM %s WHERE reference = $1),
			(SELECT 'cached' FROM %s WHERE reference = $1),
			'')`, s.refs, s.cached), reference).Scan(&stage)
	if err != nil {
		return models.StageNone, fmt.Errorf("%w: resolving stage of '%s': %w", utils.ErrDatabase, reference, err)
	}
	parsed, _ := models.ParseStage(stage)
	return parsed, nil
}

func (s *PostgresStore) countStage(stage models.Stage) (int, error) {
	var n int64
	err := s.pool.QueryRow(s.ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE stage = $1`, s.refs), string(stage)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: counting %s references: %w", utils.ErrDatabase, stage, err)
	}
	return int(n), nil
}

// ActiveCount implements ReferenceStore.
func (s *PostgresStore) ActiveCount() (int, error) { return s.countStage(models.StageActive) }

// QueueSize implements ReferenceStore.
func (s *PostgresStore) QueueSize() (int, error) { return s.countStage(models.StageQueued) }

// IsQueueEmpty implements ReferenceStore.
func (s *PostgresStore) IsQueueEmpty() (bool, error) {
	var exists bool
	err := s.pool.QueryRow(s.ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE stage = 'queued')`, s.refs)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: checking queue: %w", utils.ErrDatabase, err)
	}
	return !exists, nil
}

// ForEachEntry implements EntryWalker.
func (s *PostgresStore) ForEachEntry(fn func(stage models.Stage, valid bool, info *models.CrawlDocInfo) bool) error {
	rows, err := s.pool.Query(s.ctx, fmt.Sprintf(`SELECT stage, valid, data FROM %s ORDER BY seq`, s.refs))
	if err != nil {
		return fmt.Errorf("%w: iterating references: %w", utils.ErrDatabase, err)
	}
	stopped := false
	for rows.Next() {
		var (
			stage string
			valid bool
			data  []byte
		)
		if err := rows.Scan(&stage, &valid, &data); err != nil {
			rows.Close()
			return fmt.Errorf("%w: scanning reference row: %w", utils.ErrDatabase, err)
		}
		info, err := decodeInfo([]byte(stage), data)
		if err != nil {
			s.log.Warnf("Skipping unreadable entry: %v", err)
			continue
		}
		parsed, _ := models.ParseStage(stage)
		if !fn(parsed, valid, info) {
			stopped = true
			break
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: iterating references: %w", utils.ErrDatabase, err)
	}
	if stopped {
		return nil
	}
	_, err = s.ForEachCached(func(info *models.CrawlDocInfo) bool {
		return fn(models.StageCached, true, info)
	})
	return err
}

// Restore implements EntryWalker.
func (s *PostgresStore) Restore(stage models.Stage, valid bool, info *models.CrawlDocInfo) error {
	var err error
	switch stage {
	case models.StageQueued, models.StageActive, models.StageProcessed:
		err = s.upsertRef(s.ctx, s.pool.Exec, stage, valid, info)
	case models.StageCached:
		var data []byte
		data, err = json.Marshal(info)
		if err == nil {
			_, err = s.pool.Exec(s.ctx, fmt.Sprintf(`
				INSERT INTO %s (reference, data) VALUES ($1, $2)
				ON CONFLICT (reference) DO UPDATE SET data = EXCLUDED.data`, s.cached), info.Reference, data)
		}
	default:
		return fmt.Errorf("%w: cannot restore '%s' into stage '%s'", utils.ErrDatabase, info.Reference, stage)
	}
	if err != nil {
		return fmt.Errorf("%w: restoring '%s': %w", utils.ErrDatabase, info.Reference, err)
	}
	return nil
}

// Clean implements ReferenceStore. Both tables are dropped.
func (s *PostgresStore) Clean() error {
	if _, err := s.pool.Exec(s.ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s, %s`, s.refs, s.cached)); err != nil {
		return fmt.Errorf("%w: dropping tables: %w", utils.ErrDatabase, err)
	}
	s.log.Infof("Reference store cleaned: dropped %s, %s", s.refs, s.cached)
	return nil
}

// Close implements ReferenceStore.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
