package collector

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/crawlcore/pkg/committer"
	"github.com/Sriram-PR/crawlcore/pkg/committer/jsonl"
	"github.com/Sriram-PR/crawlcore/pkg/committer/memory"
	"github.com/Sriram-PR/crawlcore/pkg/config"
	"github.com/Sriram-PR/crawlcore/pkg/event"
	"github.com/Sriram-PR/crawlcore/pkg/models"
	"github.com/Sriram-PR/crawlcore/pkg/pipeline"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func okFetcher(pctx *pipeline.Context) (models.CrawlState, error) {
	pctx.Doc.Content = pctx.Host.Streams().NewStreamFromBytes([]byte("body of " + pctx.Doc.Reference()))
	return models.StateNew, nil
}

type eventLog struct {
	mu    sync.Mutex
	names []string
}

func (l *eventLog) Accept(e event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, e.Name)
}

func (l *eventLog) has(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range l.names {
		if n == name {
			return true
		}
	}
	return false
}

type fixture struct {
	cfg    *config.CollectorConfig
	sinks  map[string]*memory.Committer
	events *eventLog
}

func newFixture(t *testing.T, engine string, crawlerIDs ...string) *fixture {
	t.Helper()
	f := &fixture{sinks: map[string]*memory.Committer{}, events: &eventLog{}}
	cfg := &config.CollectorConfig{
		ID:                    "col",
		WorkDir:               t.TempDir(),
		CrawlersStartInterval: 5 * time.Millisecond,
		StopPollInterval:      10 * time.Millisecond,
		CrawlerDefaults: config.CrawlerConfig{
			NumThreads: 1,
			Store:      &config.StoreConfig{Engine: engine},
		},
	}
	for _, id := range crawlerIDs {
		cfg.Crawlers = append(cfg.Crawlers, config.CrawlerConfig{
			ID:              id,
			StartReferences: []string{id + "/a", id + "/b"},
			Committers:      []config.CommitterConfig{{Type: config.CommitterMemory, Name: "sink-" + id}},
		})
	}
	_, err := cfg.Validate()
	require.NoError(t, err)
	f.cfg = cfg
	return f
}

func (f *fixture) collector(t *testing.T, fetch pipeline.FetcherFunc) *Collector {
	t.Helper()
	c, err := New(f.cfg, Options{
		Pipelines: DefaultPipelineFactory(fetch, nil),
		Committers: func(cc config.CommitterConfig) (committer.Committer, error) {
			sink := memory.New(cc.Name)
			f.sinks[cc.Name] = sink
			return sink, nil
		},
		Listeners: []event.Listener{f.events},
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresPipelineFactory(t *testing.T) {
	f := newFixture(t, "memory", "a")
	_, err := New(f.cfg, Options{Logger: testLogger()})
	assert.ErrorIs(t, err, utils.ErrConfigValidation)

	_, err = New(f.cfg, Options{Pipelines: DefaultPipelineFactory(nil, nil), Logger: testLogger()})
	assert.ErrorIs(t, err, utils.ErrConfigValidation)
}

func TestCollector_StartRunsEveryCrawler(t *testing.T) {
	for _, limit := range []int{0, 1} {
		f := newFixture(t, "memory", "alpha", "beta", "gamma")
		f.cfg.MaxConcurrentCrawlers = limit
		c := f.collector(t, okFetcher)

		results, err := c.Start(context.Background(), false)
		require.NoError(t, err)
		require.Len(t, results, 3)
		for _, r := range results {
			assert.True(t, r.Success, r.CrawlerID)
			assert.Equal(t, int64(2), r.Processed)
			require.NotNil(t, r.Summary)
			assert.Equal(t, "col", r.Summary.CollectorID)
		}
		assert.NoError(t, Failed(results))
		assert.Equal(t, []string{"alpha/a", "alpha/b"}, f.sinks["sink-alpha"].UpsertedRefs())
		assert.Len(t, f.sinks["sink-gamma"].Upserts(), 2)

		assert.True(t, f.events.has(event.CollectorRunBegin))
		assert.True(t, f.events.has(event.CollectorRunEnd))
		assert.NotEmpty(t, c.RunID())
		assert.False(t, c.IsRunning())

		_, err = os.Stat(filepath.Join(c.WorkDir(), "tmp"))
		assert.True(t, os.IsNotExist(err), "temp dir is released")
		assert.Len(t, c.Crawlers(), 3)
		assert.NotNil(t, c.Crawler("beta"))
		assert.Nil(t, c.Crawler("delta"))
	}
}

func TestCollector_LockHeld(t *testing.T) {
	f := newFixture(t, "memory", "a")
	c := f.collector(t, okFetcher)

	require.NoError(t, os.MkdirAll(c.WorkDir(), 0755))
	other := flock.New(filepath.Join(c.WorkDir(), lockFileName))
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)

	_, err = c.Start(context.Background(), false)
	assert.ErrorIs(t, err, utils.ErrLockHeld)
	assert.ErrorIs(t, c.Clean(context.Background()), utils.ErrLockHeld)
	assert.False(t, f.events.has(event.CollectorRunBegin))

	require.NoError(t, other.Unlock())
	_, err = c.Start(context.Background(), false)
	assert.NoError(t, err)
}

func TestCollector_StopWhenIdle(t *testing.T) {
	f := newFixture(t, "memory", "a")
	c := f.collector(t, okFetcher)
	c.Stop()
	assert.False(t, f.events.has(event.CollectorStopBegin))
}

// blockingFetcher holds the first fetch until release is closed.
type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingFetcher() *blockingFetcher {
	return &blockingFetcher{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingFetcher) fetch(pctx *pipeline.Context) (models.CrawlState, error) {
	b.once.Do(func() {
		close(b.started)
		<-b.release
	})
	return okFetcher(pctx)
}

func TestCollector_Stop(t *testing.T) {
	f := newFixture(t, "memory", "a")
	b := newBlockingFetcher()
	c := f.collector(t, b.fetch)

	var results []Result
	done := make(chan struct{})
	go func() {
		defer close(done)
		results, _ = c.Start(context.Background(), false)
	}()

	<-b.started
	assert.True(t, c.IsRunning())
	c.Stop()
	close(b.release)
	<-done

	require.Len(t, results, 1)
	assert.True(t, results[0].Summary.Stopped)
	assert.Equal(t, int64(1), results[0].Processed)
	assert.True(t, f.events.has(event.CollectorStopBegin))
	assert.True(t, f.events.has(event.CollectorStopEnd))
	assert.True(t, f.events.has(event.CrawlerStopEnd))
}

func TestRequestStop(t *testing.T) {
	f := newFixture(t, "memory", "a")
	assert.ErrorIs(t, RequestStop(f.cfg), utils.ErrNotRunning)

	b := newBlockingFetcher()
	stopped := make(chan struct{})
	var once sync.Once
	f.cfg.Crawlers[0].StartReferences = []string{"a/1", "a/2", "a/3"}
	c, err := New(f.cfg, Options{
		Pipelines: DefaultPipelineFactory(pipeline.FetcherFunc(b.fetch), nil),
		Listeners: []event.Listener{event.ListenerFunc(func(e event.Event) {
			if e.Name == event.CollectorStopEnd {
				once.Do(func() { close(stopped) })
			}
		})},
		Logger: testLogger(),
	})
	require.NoError(t, err)

	var results []Result
	done := make(chan struct{})
	go func() {
		defer close(done)
		results, _ = c.Start(context.Background(), false)
	}()

	<-b.started
	require.NoError(t, RequestStop(f.cfg))
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("stop request was not picked up")
	}
	close(b.release)
	<-done

	require.Len(t, results, 1)
	assert.True(t, results[0].Summary.Stopped)
	assert.Less(t, results[0].Processed, int64(3))
}

func TestCollector_DeferredShutdown(t *testing.T) {
	f := newFixture(t, "memory", "a")
	f.cfg.DeferredShutdownDuration = 200 * time.Millisecond
	c := f.collector(t, okFetcher)

	start := time.Now()
	results, err := c.Start(context.Background(), false)

	require.NoError(t, err)
	assert.NoError(t, Failed(results))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	_, err = os.Stat(filepath.Join(c.WorkDir(), "tmp"))
	assert.True(t, os.IsNotExist(err), "temp dir is released after the pause")
}

// startPaused runs Start in the background and waits until every crawler
// is done and the collector sits in its shutdown pause.
func startPaused(t *testing.T, f *fixture, ctx context.Context) (*Collector, <-chan []Result) {
	t.Helper()
	f.cfg.DeferredShutdownDuration = time.Minute
	ended := make(chan struct{})
	var once sync.Once
	c, err := New(f.cfg, Options{
		Pipelines: DefaultPipelineFactory(pipeline.FetcherFunc(okFetcher), nil),
		Listeners: []event.Listener{event.ListenerFunc(func(e event.Event) {
			if e.Name == event.CollectorRunEnd {
				once.Do(func() { close(ended) })
			}
		})},
		Logger: testLogger(),
	})
	require.NoError(t, err)

	out := make(chan []Result, 1)
	go func() {
		results, _ := c.Start(ctx, false)
		out <- results
	}()
	select {
	case <-ended:
	case <-time.After(5 * time.Second):
		t.Fatal("collector run did not end")
	}
	return c, out
}

func TestCollector_DeferredShutdownCancelled(t *testing.T) {
	f := newFixture(t, "memory", "a")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, out := startPaused(t, f, ctx)
	assert.True(t, c.IsRunning(), "still running during the pause")

	cancel()
	select {
	case results := <-out:
		assert.NoError(t, Failed(results))
	case <-time.After(5 * time.Second):
		t.Fatal("cancelling the context did not end the shutdown pause")
	}
	assert.False(t, c.IsRunning())
}

func TestCollector_StopAfterCrawlersEnded(t *testing.T) {
	f := newFixture(t, "memory", "a")
	ctx, cancel := context.WithCancel(context.Background())
	c, out := startPaused(t, f, ctx)

	c.Stop()
	cancel()
	results := <-out
	require.Len(t, results, 1)
	assert.False(t, results[0].Summary.Stopped)

	f.cfg.DeferredShutdownDuration = 0
	results, err := c.Start(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Summary.Stopped, "a late stop does not carry into the next run")
	assert.Equal(t, int64(2), results[0].Processed)
}

func TestCollector_CleanExportImport(t *testing.T) {
	f := newFixture(t, "badger", "one", "two")
	c := f.collector(t, okFetcher)
	_, err := c.Start(context.Background(), false)
	require.NoError(t, err)

	exportDir := t.TempDir()
	paths, err := c.ExportDataStore(context.Background(), exportDir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(exportDir, "one-store.jsonl.gz"),
		filepath.Join(exportDir, "two-store.jsonl.gz"),
	}, paths)
	assert.True(t, f.events.has(event.CollectorExportEnd))

	require.NoError(t, c.Clean(context.Background()))
	for _, cr := range c.Crawlers() {
		_, err := os.Stat(cr.WorkDir())
		assert.True(t, os.IsNotExist(err), cr.ID())
	}
	assert.True(t, f.events.has(event.CollectorCleanEnd))

	require.NoError(t, c.ImportDataStore(context.Background(), paths))
	assert.True(t, f.events.has(event.CollectorImportEnd))

	err = c.ImportDataStore(context.Background(), []string{filepath.Join(exportDir, "unknown-store.jsonl.gz")})
	assert.Error(t, err)

	// Imported caches make the second run see unchanged documents.
	results, err := c.Start(context.Background(), false)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, int64(2), r.Summary.StateCounts["UNMODIFIED"], r.CrawlerID)
	}
}

func TestDefaultCommitterFactory(t *testing.T) {
	c, err := DefaultCommitterFactory(config.CommitterConfig{Type: "JSONL", Name: "files"})
	require.NoError(t, err)
	assert.IsType(t, &jsonl.Committer{}, c)
	assert.Equal(t, "files", c.Name())

	c, err = DefaultCommitterFactory(config.CommitterConfig{
		Type:         config.CommitterMemory,
		Name:         "mem",
		Restrictions: []config.RestrictionConfig{{Field: "reference", Pattern: `\.txt$`}},
	})
	require.NoError(t, err)
	assert.True(t, c.Accept(committer.Request{Reference: "a.txt"}))
	assert.False(t, c.Accept(committer.Request{Reference: "a.pdf"}))

	_, err = DefaultCommitterFactory(config.CommitterConfig{Type: "kafka"})
	assert.ErrorIs(t, err, utils.ErrConfigValidation)

	_, err = DefaultCommitterFactory(config.CommitterConfig{Type: "memory", Restrictions: []config.RestrictionConfig{{Field: "x", Pattern: "("}}})
	assert.ErrorIs(t, err, utils.ErrConfigValidation)
}
