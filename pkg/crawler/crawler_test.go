package crawler

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/crawlcore/pkg/checksum"
	"github.com/Sriram-PR/crawlcore/pkg/committer"
	"github.com/Sriram-PR/crawlcore/pkg/committer/memory"
	"github.com/Sriram-PR/crawlcore/pkg/config"
	"github.com/Sriram-PR/crawlcore/pkg/docinfo"
	"github.com/Sriram-PR/crawlcore/pkg/event"
	"github.com/Sriram-PR/crawlcore/pkg/importer"
	"github.com/Sriram-PR/crawlcore/pkg/models"
	"github.com/Sriram-PR/crawlcore/pkg/pipeline"
	"github.com/Sriram-PR/crawlcore/pkg/storage"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// site is a scripted source. References without a state are NOT_FOUND.
type site struct {
	mu     sync.Mutex
	states map[string]models.CrawlState
	bodies map[string]string
	errs   map[string]error
	panics map[string]bool
}

func newSite() *site {
	return &site{
		states: map[string]models.CrawlState{},
		bodies: map[string]string{},
		errs:   map[string]error{},
		panics: map[string]bool{},
	}
}

func (s *site) set(ref string, state models.CrawlState, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[ref] = state
	s.bodies[ref] = body
}

func (s *site) fetch(pctx *pipeline.Context) (models.CrawlState, error) {
	ref := pctx.Doc.Reference()
	s.mu.Lock()
	state, ok := s.states[ref]
	body, err, boom := s.bodies[ref], s.errs[ref], s.panics[ref]
	s.mu.Unlock()

	if boom {
		panic("fetcher exploded on " + ref)
	}
	if err != nil {
		return models.StateUnset, err
	}
	if !ok {
		return models.StateNotFound, nil
	}
	pctx.Doc.Content = pctx.Host.Streams().NewStreamFromBytes([]byte(body))
	pctx.Doc.Metadata.Set("title", ref)
	return state, nil
}

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Accept(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Name)
	}
	return out
}

func (r *recorder) count(name string) int {
	n := 0
	for _, got := range r.names() {
		if got == name {
			n++
		}
	}
	return n
}

type harness struct {
	workDir string
	site    *site
	sink    *memory.Committer
	events  *recorder
	imp     importer.Importer
	hooks   Hooks
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		workDir: t.TempDir(),
		site:    newSite(),
		sink:    memory.New("mem"),
		events:  &recorder{},
	}
}

// crawler builds a fresh crawler over the harness work directory, the way
// each collector run does.
func (h *harness) crawler(t *testing.T, cfg config.CrawlerConfig) *Crawler {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "test"
	}
	if cfg.NumThreads == 0 {
		cfg.NumThreads = 1
	}
	if cfg.Store == nil {
		cfg.Store = &config.StoreConfig{Engine: storage.EngineBadger}
	}
	p := pipeline.NewDefault(pipeline.Options{
		Fetcher:             pipeline.FetcherFunc(h.site.fetch),
		Importer:            h.imp,
		DocumentChecksummer: checksum.MD5DocumentChecksummer{},
	})
	c, err := New(Options{
		CollectorID: "col",
		Config:      cfg,
		WorkDir:     h.workDir,
		Pipeline:    p,
		Committers:  []committer.Committer{h.sink},
		Events:      event.NewManager(testLogger(), h.events),
		Hooks:       h.hooks,
		Logger:      testLogger(),
	})
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Config: config.CrawlerConfig{ID: "x"}})
	assert.ErrorIs(t, err, utils.ErrConfigValidation)

	p := pipeline.NewDefault(pipeline.Options{})
	_, err = New(Options{Config: config.CrawlerConfig{ID: "x", StopOnErrors: []string{"nope"}}, Pipeline: p})
	assert.ErrorIs(t, err, utils.ErrConfigValidation)

	_, err = New(Options{Config: config.CrawlerConfig{ID: "x", Spoil: &config.SpoilConfig{Fallback: "maybe"}}, Pipeline: p})
	assert.Error(t, err)
}

func TestCrawler_FirstRun(t *testing.T) {
	h := newHarness(t)
	h.site.set("r1", models.StateNew, "one")
	h.site.set("r2", models.StateNew, "two")

	c := h.crawler(t, config.CrawlerConfig{
		StartReferences: []string{"r1", "r2", "r3"},
		Store:           &config.StoreConfig{Engine: storage.EngineMemory},
	})
	require.NoError(t, c.Start(context.Background(), false))

	assert.ElementsMatch(t, []string{"r1", "r2"}, h.sink.UpsertedRefs())
	assert.Empty(t, h.sink.DeletedRefs())

	summary := c.Summary()
	require.NotNil(t, summary)
	assert.Equal(t, int64(3), summary.Processed)
	assert.Equal(t, int64(2), summary.StateCounts["NEW"])
	assert.Equal(t, int64(1), summary.StateCounts["NOT_FOUND"])
	assert.False(t, summary.Stopped)
	assert.False(t, summary.Resumed)
	assert.Equal(t, "col", summary.CollectorID)

	names := h.events.names()
	assert.Equal(t, event.CrawlerInitBegin, names[0])
	assert.Contains(t, names, event.CrawlerRunBegin)
	assert.Equal(t, event.CrawlerRunEnd, names[len(names)-1])
	assert.Equal(t, 1, h.events.count(event.RejectedNotFound))
	assert.Equal(t, 2, h.events.count(event.DocumentImported))
	assert.Equal(t, 2, h.events.count(event.DocumentCommittedUpsert))
	assert.Equal(t, 1, h.events.count(event.CrawlerRunThreadBegin))
	assert.Equal(t, 0, h.events.count(event.CrawlerStopEnd))

	data, err := os.ReadFile(filepath.Join(h.workDir, SummaryFile))
	require.NoError(t, err)
	var onDisk models.CrawlSummary
	require.NoError(t, yaml.Unmarshal(data, &onDisk))
	assert.Equal(t, "test", onDisk.CrawlerID)
	assert.Equal(t, int64(3), onDisk.Processed)

	initialized, closed, _ := h.sink.State()
	assert.True(t, initialized)
	assert.True(t, closed)
	assert.False(t, c.IsRunning())

	_, err = os.Stat(c.DownloadDir())
	assert.True(t, os.IsNotExist(err), "empty download dir is removed")
}

func TestCrawler_UnmodifiedAndModified(t *testing.T) {
	h := newHarness(t)
	h.site.set("r1", models.StateNew, "one")
	h.site.set("r2", models.StateNew, "two")
	cfg := config.CrawlerConfig{StartReferences: []string{"r1", "r2"}}

	require.NoError(t, h.crawler(t, cfg).Start(context.Background(), false))
	require.Len(t, h.sink.Upserts(), 2)

	h.site.set("r2", models.StateNew, "two, edited")
	c := h.crawler(t, cfg)
	require.NoError(t, c.Start(context.Background(), false))

	refs := h.sink.UpsertedRefs()
	sort.Strings(refs)
	assert.Equal(t, []string{"r1", "r2", "r2"}, refs)
	counts := c.Summary().StateCounts
	assert.Equal(t, int64(1), counts["UNMODIFIED"])
	assert.Equal(t, int64(1), counts["MODIFIED"])
	assert.Zero(t, c.Summary().OrphansFound)
}

func TestCrawler_GraceOnceAcrossSessions(t *testing.T) {
	h := newHarness(t)
	h.site.set("r1", models.StateNew, "one")
	cfg := config.CrawlerConfig{StartReferences: []string{"r1"}}

	require.NoError(t, h.crawler(t, cfg).Start(context.Background(), false))
	require.Equal(t, []string{"r1"}, h.sink.UpsertedRefs())

	// First bad status is graced.
	h.site.set("r1", models.StateBadStatus, "")
	c := h.crawler(t, cfg)
	require.NoError(t, c.Start(context.Background(), false))
	assert.Empty(t, h.sink.DeletedRefs())
	assert.Equal(t, int64(1), c.Summary().StateCounts["BAD_STATUS"])

	// Second consecutive bad status deletes.
	c = h.crawler(t, cfg)
	require.NoError(t, c.Start(context.Background(), false))
	assert.Equal(t, []string{"r1"}, h.sink.DeletedRefs())
	assert.Equal(t, int64(1), c.Summary().StateCounts["DELETED"])

	// Once deleted, nothing is left to spoil.
	c = h.crawler(t, cfg)
	require.NoError(t, c.Start(context.Background(), false))
	assert.Equal(t, []string{"r1"}, h.sink.DeletedRefs())
}

func TestCrawler_SpoiledStrategies(t *testing.T) {
	tests := []struct {
		name        string
		spoil       *config.SpoilConfig
		wantDeletes int
	}{
		{"not found deletes by default", nil, 1},
		{"ignore mapping keeps it", &config.SpoilConfig{Mappings: map[string]string{"NOT_FOUND": "IGNORE"}}, 0},
		{"grace once spares first miss", &config.SpoilConfig{Mappings: map[string]string{"not-found": "grace_once"}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.site.set("r1", models.StateNew, "one")
			cfg := config.CrawlerConfig{StartReferences: []string{"r1"}, Spoil: tt.spoil}
			require.NoError(t, h.crawler(t, cfg).Start(context.Background(), false))

			h.site = newSite()
			require.NoError(t, h.crawler(t, cfg).Start(context.Background(), false))
			assert.Len(t, h.sink.Deletes(), tt.wantDeletes)
		})
	}
}

func TestCrawler_Orphans(t *testing.T) {
	tests := []struct {
		strategy      config.OrphansStrategy
		wantProcessed int64
		wantOrphans   int
		wantDeleted   []string
	}{
		{config.OrphansProcess, 2, 1, nil},
		{config.OrphansDelete, 2, 1, []string{"r2"}},
		{config.OrphansIgnore, 1, 0, nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			h := newHarness(t)
			h.site.set("r1", models.StateNew, "one")
			h.site.set("r2", models.StateNew, "two")

			first := config.CrawlerConfig{StartReferences: []string{"r1", "r2"}, OrphansStrategy: tt.strategy}
			require.NoError(t, h.crawler(t, first).Start(context.Background(), false))

			second := first
			second.StartReferences = []string{"r1"}
			c := h.crawler(t, second)
			require.NoError(t, c.Start(context.Background(), false))

			summary := c.Summary()
			assert.Equal(t, tt.wantProcessed, summary.Processed)
			assert.Equal(t, tt.wantOrphans, summary.OrphansFound)
			assert.ElementsMatch(t, tt.wantDeleted, h.sink.DeletedRefs())
			assert.Len(t, h.sink.Upserts(), 2, "unchanged orphans are not recommitted")
		})
	}
}

func TestCrawler_StopOnError(t *testing.T) {
	h := newHarness(t)
	h.site.set("r2", models.StateNew, "two")
	h.site.set("r3", models.StateNew, "three")
	h.site.errs["r1"] = errors.New("connection reset")

	c := h.crawler(t, config.CrawlerConfig{
		StartReferences: []string{"r1", "r2", "r3"},
		StopOnErrors:    []string{"fetch"},
		Store:           &config.StoreConfig{Engine: storage.EngineMemory},
	})
	err := c.Start(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrFetch)

	summary := c.Summary()
	assert.True(t, summary.Stopped)
	assert.Equal(t, int64(1), summary.Processed)
	assert.Equal(t, int64(1), summary.StateCounts["ERROR"])
	assert.NotEmpty(t, summary.Error)
	assert.Empty(t, h.sink.Upserts())
	assert.Equal(t, 1, h.events.count(event.RejectedError))
	assert.Equal(t, 1, h.events.count(event.CrawlerStopBegin))
	assert.Equal(t, 1, h.events.count(event.CrawlerStopEnd))
	assert.Equal(t, 0, h.events.count(event.CrawlerRunEnd))
}

func TestCrawler_ErrorsWithoutStopContinue(t *testing.T) {
	h := newHarness(t)
	h.site.set("r2", models.StateNew, "two")
	h.site.errs["r1"] = errors.New("connection reset")
	h.site.panics["r3"] = true

	c := h.crawler(t, config.CrawlerConfig{
		StartReferences: []string{"r1", "r2", "r3"},
		NumThreads:      2,
		Store:           &config.StoreConfig{Engine: storage.EngineMemory},
	})
	require.NoError(t, c.Start(context.Background(), false))

	summary := c.Summary()
	assert.False(t, summary.Stopped)
	assert.Equal(t, int64(3), summary.Processed)
	assert.Equal(t, int64(2), summary.StateCounts["ERROR"])
	assert.Equal(t, []string{"r2"}, h.sink.UpsertedRefs())
}

func TestCrawler_StopOnIOError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantStopped   bool
		wantProcessed int64
		wantUpserts   []string
	}{
		{
			name:          "read failure stops",
			err:           &fs.PathError{Op: "read", Path: "r1", Err: syscall.EIO},
			wantStopped:   true,
			wantProcessed: 1,
		},
		{
			name:          "other failure continues",
			err:           errors.New("connection reset"),
			wantProcessed: 3,
			wantUpserts:   []string{"r2", "r3"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.site.set("r2", models.StateNew, "two")
			h.site.set("r3", models.StateNew, "three")
			h.site.errs["r1"] = tt.err

			c := h.crawler(t, config.CrawlerConfig{
				StartReferences: []string{"r1", "r2", "r3"},
				StopOnErrors:    []string{"io"},
				Store:           &config.StoreConfig{Engine: storage.EngineMemory},
			})
			err := c.Start(context.Background(), false)
			if tt.wantStopped {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			summary := c.Summary()
			assert.Equal(t, tt.wantStopped, summary.Stopped)
			assert.Equal(t, tt.wantProcessed, summary.Processed)
			assert.Equal(t, int64(1), summary.StateCounts["ERROR"])
			assert.ElementsMatch(t, tt.wantUpserts, h.sink.UpsertedRefs())
			if tt.wantStopped {
				assert.Equal(t, 1, h.events.count(event.CrawlerStopEnd))
			} else {
				assert.Equal(t, 1, h.events.count(event.CrawlerRunEnd))
			}
		})
	}
}

func TestCrawler_StopBeforeStart(t *testing.T) {
	h := newHarness(t)
	for _, r := range []string{"r1", "r2", "r3"} {
		h.site.set(r, models.StateNew, r)
	}
	cfg := config.CrawlerConfig{
		StartReferences: []string{"r1", "r2", "r3"},
		Store:           &config.StoreConfig{Engine: storage.EngineMemory},
	}
	c := h.crawler(t, cfg)

	c.Stop()
	c.Stop()
	require.NoError(t, c.Start(context.Background(), false))

	summary := c.Summary()
	assert.True(t, summary.Stopped)
	assert.Equal(t, int64(0), summary.Processed)
	assert.Empty(t, h.sink.Upserts())
	assert.Equal(t, 1, h.events.count(event.CrawlerStopBegin))
	assert.Equal(t, 1, h.events.count(event.CrawlerStopEnd))
	assert.Equal(t, 0, h.events.count(event.CrawlerRunEnd))

	// The pending stop only applies to one run.
	require.NoError(t, c.Start(context.Background(), false))
	assert.False(t, c.Summary().Stopped)
	assert.Equal(t, int64(3), c.Summary().Processed)
}

func TestCrawler_ClearPendingStop(t *testing.T) {
	h := newHarness(t)
	h.site.set("r1", models.StateNew, "one")
	c := h.crawler(t, config.CrawlerConfig{
		StartReferences: []string{"r1"},
		Store:           &config.StoreConfig{Engine: storage.EngineMemory},
	})

	c.Stop()
	c.ClearPendingStop()
	require.NoError(t, c.Start(context.Background(), false))

	assert.False(t, c.Summary().Stopped)
	assert.Equal(t, []string{"r1"}, h.sink.UpsertedRefs())
	assert.Equal(t, 1, h.events.count(event.CrawlerRunEnd))
}

// startWithin fails the test when Start does not return in time.
func startWithin(t *testing.T, c *Crawler, d time.Duration) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background(), false) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(d):
		c.Stop()
		t.Fatalf("crawler did not finish within %v", d)
	}
}

func TestCrawler_HookQueueing(t *testing.T) {
	refs := []string{"r1", "r2", "r3"}
	tests := []struct {
		name string
		hook func(c *Crawler, resumed bool) error
	}{
		{
			name: "synchronous",
			hook: func(c *Crawler, _ bool) error {
				for _, r := range refs {
					if err := c.Queue(r, nil); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			name: "seeded in background",
			hook: func(c *Crawler, _ bool) error {
				c.Seed(func() {
					for _, r := range refs {
						time.Sleep(10 * time.Millisecond)
						_ = c.Queue(r, nil)
					}
				})
				return nil
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			for _, r := range refs {
				h.site.set(r, models.StateNew, r)
			}
			h.hooks = Hooks{BeforeExecution: tt.hook}
			c := h.crawler(t, config.CrawlerConfig{
				NumThreads: 2,
				Store:      &config.StoreConfig{Engine: storage.EngineMemory},
			})

			startWithin(t, c, 10*time.Second)

			assert.Equal(t, int64(3), c.Summary().Processed)
			assert.ElementsMatch(t, refs, h.sink.UpsertedRefs())
		})
	}
}

type nestingImporter struct{}

func (nestingImporter) Import(_ context.Context, doc *importer.Document) (*importer.Response, error) {
	if doc.Reference != "archive" {
		return importer.Success(doc), nil
	}
	child := &importer.Document{Reference: "archive!/a.txt", Metadata: models.Metadata{"name": {"a.txt"}}}
	grandchild := &importer.Document{Reference: "archive!/a.txt!/inner"}
	return importer.Success(doc,
		importer.Success(child, importer.Success(grandchild)),
		importer.Rejected("archive!/b.bin", "binary"),
	), nil
}

func TestCrawler_NestedResponses(t *testing.T) {
	h := newHarness(t)
	h.imp = nestingImporter{}
	h.site.set("archive", models.StateNew, "zip bytes")
	h.site.set("plain", models.StateNew, "text")

	c := h.crawler(t, config.CrawlerConfig{
		StartReferences: []string{"archive", "plain"},
		Store:           &config.StoreConfig{Engine: storage.EngineMemory},
	})
	require.NoError(t, c.Start(context.Background(), false))

	assert.Equal(t, []string{"archive", "archive!/a.txt", "archive!/a.txt!/inner", "plain"}, h.sink.UpsertedRefs())
	summary := c.Summary()
	assert.Equal(t, int64(5), summary.Processed)
	assert.Equal(t, int64(4), summary.StateCounts["NEW"])
	assert.Equal(t, int64(1), summary.StateCounts["REJECTED"])
	assert.Equal(t, 1, h.events.count(event.RejectedImport))

	for _, u := range h.sink.Upserts() {
		if u.Reference == "archive!/a.txt" {
			assert.Equal(t, "a.txt", u.Metadata.Get("name"))
		}
	}
}

func TestCrawler_MaxDocuments(t *testing.T) {
	h := newHarness(t)
	refs := []string{"r1", "r2", "r3", "r4", "r5"}
	for _, r := range refs {
		h.site.set(r, models.StateNew, r)
	}
	c := h.crawler(t, config.CrawlerConfig{
		StartReferences: refs,
		MaxDocuments:    2,
		Store:           &config.StoreConfig{Engine: storage.EngineMemory},
	})
	require.NoError(t, c.Start(context.Background(), false))

	assert.Equal(t, int64(2), c.Summary().Processed)
	assert.Len(t, h.sink.Upserts(), 2)
	assert.Zero(t, c.Summary().OrphansFound)
}

func TestCrawler_Resume(t *testing.T) {
	h := newHarness(t)
	h.site.set("r1", models.StateNew, "one")
	h.site.set("r2", models.StateNew, "two")
	h.site.set("r3", models.StateNew, "three")

	// Leave behind an interrupted session: r1 in flight, r2 queued.
	ctx, cancel := context.WithCancel(context.Background())
	store, err := storage.Open(ctx, storage.Options{
		Engine: storage.EngineBadger,
		Dir:    filepath.Join(h.workDir, "store"),
	}, testLogger())
	require.NoError(t, err)
	svc := docinfo.NewService(store, testLogger())
	_, err = svc.Open(false)
	require.NoError(t, err)
	require.NoError(t, svc.Queue(models.NewCrawlDocInfo("r1")))
	require.NoError(t, svc.Queue(models.NewCrawlDocInfo("r2")))
	polled, err := svc.Poll()
	require.NoError(t, err)
	require.NotNil(t, polled)
	cancel()
	require.NoError(t, svc.Close())

	c := h.crawler(t, config.CrawlerConfig{StartReferences: []string{"r3"}})
	require.NoError(t, c.Start(context.Background(), true))

	assert.True(t, c.Resumed())
	assert.True(t, c.Summary().Resumed)
	assert.ElementsMatch(t, []string{"r1", "r2"}, h.sink.UpsertedRefs(), "start references are not queued on resume")
}

func TestCrawler_HooksAndStop(t *testing.T) {
	h := newHarness(t)
	for _, r := range []string{"r1", "r2", "r3"} {
		h.site.set(r, models.StateNew, r)
	}
	var (
		mu         sync.Mutex
		finalized  []string
		variations []string
		after      bool
	)
	h.hooks = Hooks{
		BeforeExecution: func(c *Crawler, resumed bool) error {
			defer c.MarkQueueInitialized()
			for _, r := range []string{"r1", "r2", "r3"} {
				if err := c.Queue(r, nil); err != nil {
					return err
				}
			}
			return nil
		},
		BeforeFinalize: func(c *Crawler, doc *models.CrawlDoc) {
			mu.Lock()
			finalized = append(finalized, doc.Reference())
			mu.Unlock()
			if doc.Reference() == "r1" {
				c.Stop()
			}
		},
		MarkReferenceVariationsProcessed: func(_ *Crawler, info *models.CrawlDocInfo) {
			mu.Lock()
			variations = append(variations, info.Reference)
			mu.Unlock()
		},
		AfterExecution: func(*Crawler) { after = true },
	}
	c := h.crawler(t, config.CrawlerConfig{Store: &config.StoreConfig{Engine: storage.EngineMemory}})
	require.NoError(t, c.Start(context.Background(), false))

	assert.Equal(t, []string{"r1"}, finalized)
	assert.Equal(t, []string{"r1"}, variations)
	assert.True(t, after)
	assert.True(t, c.Summary().Stopped)
	assert.Equal(t, 1, h.events.count(event.CrawlerStopEnd))
}

func TestCrawler_QueueBeforeStart(t *testing.T) {
	h := newHarness(t)
	c := h.crawler(t, config.CrawlerConfig{})
	assert.ErrorIs(t, c.Queue("r1", nil), utils.ErrNotRunning)
}

func TestCrawler_QueueAfterRun(t *testing.T) {
	h := newHarness(t)
	h.site.set("r1", models.StateNew, "one")
	c := h.crawler(t, config.CrawlerConfig{
		StartReferences: []string{"r1"},
		Store:           &config.StoreConfig{Engine: storage.EngineMemory},
	})
	require.NoError(t, c.Start(context.Background(), false))

	assert.ErrorIs(t, c.Queue("r2", nil), utils.ErrNotRunning)
}

func TestCrawler_StartReferencesFile(t *testing.T) {
	h := newHarness(t)
	h.site.set("f1", models.StateNew, "one")
	h.site.set("f2", models.StateNew, "two")
	path := filepath.Join(t.TempDir(), "refs.txt")
	require.NoError(t, os.WriteFile(path, []byte("# seeds\nf1\n\n  f2  \n"), 0644))

	c := h.crawler(t, config.CrawlerConfig{
		StartReferencesFiles: []string{path, filepath.Join(t.TempDir(), "missing.txt")},
		Store:                &config.StoreConfig{Engine: storage.EngineMemory},
	})
	require.NoError(t, c.Start(context.Background(), false))
	assert.Equal(t, []string{"f1", "f2"}, h.sink.UpsertedRefs())
}

func TestCrawler_ExportCleanImport(t *testing.T) {
	h := newHarness(t)
	h.site.set("r1", models.StateNew, "one")
	cfg := config.CrawlerConfig{StartReferences: []string{"r1"}}
	require.NoError(t, h.crawler(t, cfg).Start(context.Background(), false))

	exportDir := t.TempDir()
	c := h.crawler(t, cfg)
	path, err := c.ExportStore(context.Background(), exportDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(exportDir, "test-store.jsonl.gz"), path)

	require.NoError(t, c.Clean(context.Background()))
	_, err = os.Stat(h.workDir)
	assert.True(t, os.IsNotExist(err))
	_, _, cleaned := h.sink.State()
	assert.Equal(t, 1, cleaned)
	assert.Equal(t, 1, h.events.count(event.CrawlerCleanEnd))

	n, err := c.ImportStore(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The imported cache makes the unchanged document UNMODIFIED.
	c = h.crawler(t, cfg)
	require.NoError(t, c.Start(context.Background(), false))
	assert.Equal(t, int64(1), c.Summary().StateCounts["UNMODIFIED"])
}

func TestCrawler_EndToEndScenario(t *testing.T) {
	h := newHarness(t)
	cfg := config.CrawlerConfig{
		StartReferences: []string{"r2", "r3"},
		OrphansStrategy: config.OrphansProcess,
	}

	// Session 1: r2 and r3 are good.
	h.site.set("r2", models.StateNew, "two")
	h.site.set("r3", models.StateNew, "three")
	require.NoError(t, h.crawler(t, cfg).Start(context.Background(), false))

	// Session 2: r3 goes bad and is graced.
	h.site.set("r3", models.StateBadStatus, "")
	require.NoError(t, h.crawler(t, cfg).Start(context.Background(), false))
	require.Empty(t, h.sink.DeletedRefs())
	require.NoError(t, h.sink.Clean())

	// Session 3: r1 is new, r2 unchanged, r3 still bad.
	h.site.set("r1", models.StateNew, "one")
	cfg.StartReferences = []string{"r1", "r2", "r3"}
	c := h.crawler(t, cfg)
	require.NoError(t, c.Start(context.Background(), false))

	assert.Equal(t, []string{"r1"}, h.sink.UpsertedRefs())
	assert.Equal(t, []string{"r3"}, h.sink.DeletedRefs())
	summary := c.Summary()
	assert.Equal(t, int64(3), summary.Processed)
	assert.Equal(t, int64(1), summary.StateCounts["NEW"])
	assert.Equal(t, int64(1), summary.StateCounts["UNMODIFIED"])
	assert.Equal(t, int64(1), summary.StateCounts["DELETED"])
	assert.Zero(t, summary.OrphansFound)
}
