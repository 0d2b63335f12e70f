package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/crawlcore/pkg/models"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_docs_refs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	store, err := NewPostgresStoreWithPool(context.Background(), mock, "crawl_docs", testLogger())
	require.NoError(t, err)
	return store, mock
}

func TestPostgresStore_InvalidTable(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewPostgresStoreWithPool(context.Background(), mock, "bad;name", testLogger())
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrConfigValidation))
}

func TestPostgresTableName(t *testing.T) {
	assert.Equal(t, "crawlcore_docs_site", PostgresTableName("", "Docs Site"))
	assert.Equal(t, "refs_a_b", PostgresTableName("refs", "a-b"))
	assert.Equal(t, "refs", PostgresTableName("refs", "///"))
}

func TestPostgresStore_OpenFresh(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectQuery("SELECT count").
		WillReturnRows(pgxmock.NewRows([]string{"queued", "active"}).AddRow(int64(0), int64(0)))
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM crawl_docs_cached").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("INSERT INTO crawl_docs_cached").WillReturnResult(pgxmock.NewResult("INSERT", 3))
	mock.ExpectExec("DELETE FROM crawl_docs_refs").WillReturnResult(pgxmock.NewResult("DELETE", 5))
	mock.ExpectCommit()

	resumed, err := store.Open(true)
	require.NoError(t, err)
	assert.False(t, resumed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_OpenResume(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectQuery("SELECT count").
		WillReturnRows(pgxmock.NewRows([]string{"queued", "active"}).AddRow(int64(2), int64(1)))
	mock.ExpectExec("UPDATE crawl_docs_refs SET stage = 'queued' WHERE stage = 'active'").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	resumed, err := store.Open(true)
	require.NoError(t, err)
	assert.True(t, resumed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_QueueAndPoll(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectExec("INSERT INTO crawl_docs_refs").
		WithArgs("r1", "queued", false, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("UPDATE crawl_docs_refs SET stage = 'active'").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow([]byte(`{"reference":"r1","depth":0}`)))
	mock.ExpectQuery("UPDATE crawl_docs_refs SET stage = 'active'").
		WillReturnError(pgx.ErrNoRows)

	require.NoError(t, store.Queue(models.NewCrawlDocInfo("r1")))

	polled, err := store.PollQueue()
	require.NoError(t, err)
	require.NotNil(t, polled)
	assert.Equal(t, "r1", polled.Reference)

	polled, err = store.PollQueue()
	require.NoError(t, err)
	assert.Nil(t, polled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Processed(t *testing.T) {
	t.Run("commits valid row and drops cached copy", func(t *testing.T) {
		store, mock := newMockPostgresStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO crawl_docs_refs").
			WithArgs("r1", "processed", true, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec("DELETE FROM crawl_docs_cached WHERE reference").
			WithArgs("r1").
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
		mock.ExpectCommit()

		i := models.NewCrawlDocInfo("r1")
		i.State = models.StateUnmodified
		require.NoError(t, store.Processed(i))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on failure", func(t *testing.T) {
		store, mock := newMockPostgresStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO crawl_docs_refs").
			WithArgs("r2", "processed", false, pgxmock.AnyArg()).
			WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		i := models.NewCrawlDocInfo("r2")
		i.State = models.StateError
		err := store.Processed(i)
		require.Error(t, err)
		assert.True(t, errors.Is(err, utils.ErrDatabase))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_GetCachedAndStage(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectQuery("SELECT data FROM crawl_docs_cached").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT data FROM crawl_docs_cached").
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow([]byte(`{"reference":"r1","state":"NEW"}`)))
	mock.ExpectQuery("COALESCE").
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows([]string{"stage"}).AddRow("cached"))

	cached, err := store.GetCached("missing")
	require.NoError(t, err)
	assert.Nil(t, cached)

	cached, err = store.GetCached("r1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, models.StateNew, cached.State)

	stage, err := store.Stage("r1")
	require.NoError(t, err)
	assert.Equal(t, models.StageCached, stage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ForEachCached(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	mock.ExpectQuery("SELECT data FROM crawl_docs_cached ORDER BY reference").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).
			AddRow([]byte(`{"reference":"a"}`)).
			AddRow([]byte(`{"reference":"b"}`)).
			AddRow([]byte(`{"reference":"c"}`)))

	var seen []string
	count, err := store.ForEachCached(func(i *models.CrawlDocInfo) bool {
		seen = append(seen, i.Reference)
		return i.Reference != "b"
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, []string{"a", "b"}, seen)
}
