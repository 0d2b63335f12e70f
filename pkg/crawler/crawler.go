// Package crawler runs the reference-processing lifecycle of one crawler:
// session setup over the reference store, a worker pool draining the queue,
// per-reference finalization and orphan handling.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/crawlcore/pkg/committer"
	"github.com/Sriram-PR/crawlcore/pkg/config"
	"github.com/Sriram-PR/crawlcore/pkg/docinfo"
	"github.com/Sriram-PR/crawlcore/pkg/event"
	"github.com/Sriram-PR/crawlcore/pkg/metrics"
	"github.com/Sriram-PR/crawlcore/pkg/models"
	"github.com/Sriram-PR/crawlcore/pkg/monitor"
	"github.com/Sriram-PR/crawlcore/pkg/pipeline"
	"github.com/Sriram-PR/crawlcore/pkg/spoil"
	"github.com/Sriram-PR/crawlcore/pkg/storage"
	"github.com/Sriram-PR/crawlcore/pkg/streams"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

// SummaryFile is written to the crawler work directory after every run.
const SummaryFile = "crawl-summary.yaml"

// ErrAlreadyRunning is returned by Start while a run is in progress.
var ErrAlreadyRunning = errors.New("crawler is already running")

// Options holds everything a Crawler needs besides its configuration.
type Options struct {
	CollectorID      string
	Config           config.CrawlerConfig
	Defaults         config.CrawlerConfig
	WorkDir          string // Private directory of this crawler
	Pipeline         pipeline.ImporterPipeline
	Committers       []committer.Committer
	Events           *event.Manager
	Streams          *streams.Factory
	Metrics          *metrics.Metrics // Optional
	Hooks            Hooks
	ProgressInterval time.Duration
	Logger           *logrus.Entry
}

// Crawler processes the references of one configured source.
type Crawler struct {
	id          string
	collectorID string
	log         *logrus.Entry

	cfg              config.CrawlerConfig
	defaults         config.CrawlerConfig
	workDir          string
	downloadDir      string
	numThreads       int
	maxDocuments     int
	orphans          config.OrphansStrategy
	stopErrors       []error
	storeCfg         config.StoreConfig
	keepDownloads    bool
	progressInterval time.Duration

	pipeline    pipeline.ImporterPipeline
	committers  *committer.Service
	strategizer spoil.Strategizer
	events      *event.Manager
	streams     *streams.Factory
	metrics     *metrics.Metrics
	hooks       Hooks

	// Per-run state
	runMu            sync.Mutex
	running          bool
	pendingStop      bool // Stop called while idle; applies to the next run
	stopped          atomic.Bool
	queueInitialized atomic.Bool
	maxDocsLogged    atomic.Bool
	seeding          sync.WaitGroup
	seeded           chan struct{} // Closed once initial queueing is over
	store            storage.Store
	storeCancel      context.CancelFunc
	docInfos         *docinfo.Service
	monitor          *monitor.Monitor
	progress         *monitor.ProgressLogger
	resumed          bool
	orphansFound     int

	countsMu    sync.Mutex
	stateCounts map[models.CrawlState]int64
	lastSummary *models.CrawlSummary
}

// New creates a Crawler. The configuration must have been validated.
func New(opts Options) (*Crawler, error) {
	if opts.Config.ID == "" {
		return nil, fmt.Errorf("%w: crawler needs an id", utils.ErrConfigValidation)
	}
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("%w: crawler '%s' has no importer pipeline", utils.ErrConfigValidation, opts.Config.ID)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger := opts.Logger.WithField("crawler", opts.Config.ID)

	cfg, defaults := opts.Config, opts.Defaults
	stopErrors, err := utils.ResolveStopErrors(config.GetEffectiveStopOnErrors(cfg, defaults))
	if err != nil {
		return nil, err
	}
	spoilCfg := config.GetEffectiveSpoil(cfg, defaults)
	strategizer, err := spoil.FromConfig(spoilCfg.Fallback, spoilCfg.Mappings)
	if err != nil {
		return nil, err
	}

	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(os.TempDir(), "crawlcore", utils.SanitizeFilename(cfg.ID))
	}
	if opts.Streams == nil {
		opts.Streams = streams.NewFactory(0, 0, "", logger)
	}
	if opts.Events == nil {
		opts.Events = event.NewManager(logger)
	}

	c := &Crawler{
		id:               cfg.ID,
		collectorID:      opts.CollectorID,
		log:              logger,
		cfg:              cfg,
		defaults:         defaults,
		workDir:          opts.WorkDir,
		downloadDir:      filepath.Join(opts.WorkDir, "downloads"),
		numThreads:       config.GetEffectiveNumThreads(cfg, defaults),
		maxDocuments:     config.GetEffectiveMaxDocuments(cfg, defaults),
		orphans:          config.GetEffectiveOrphansStrategy(cfg, defaults),
		stopErrors:       stopErrors,
		storeCfg:         config.GetEffectiveStore(cfg, defaults),
		keepDownloads:    config.GetEffectiveKeepDownloads(cfg, defaults),
		progressInterval: opts.ProgressInterval,
		pipeline:         opts.Pipeline,
		strategizer:      strategizer,
		events:           opts.Events,
		streams:          opts.Streams,
		metrics:          opts.Metrics,
		hooks:            opts.Hooks,
		monitor:          monitor.New(),
		stateCounts:      make(map[models.CrawlState]int64),
	}
	c.committers = committer.NewService(opts.Committers, opts.Events, c, logger)
	return c, nil
}

// ID returns the crawler id.
func (c *Crawler) ID() string { return c.id }

// Fire dispatches e to the registered listeners.
func (c *Crawler) Fire(e event.Event) { c.events.Fire(e) }

// Streams returns the shared stream factory.
func (c *Crawler) Streams() *streams.Factory { return c.streams }

// DownloadDir returns the scratch directory pipelines may write to.
func (c *Crawler) DownloadDir() string { return c.downloadDir }

// WorkDir returns the crawler's private directory.
func (c *Crawler) WorkDir() string { return c.workDir }

// Monitor returns the progress monitor of the current or last run.
func (c *Crawler) Monitor() *monitor.Monitor {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.monitor
}

// IsStopped reports whether Stop was called during the current run.
func (c *Crawler) IsStopped() bool { return c.stopped.Load() }

// IsRunning reports whether Start is in progress.
func (c *Crawler) IsRunning() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.running
}

// Resumed reports whether the current or last run resumed an interrupted session.
func (c *Crawler) Resumed() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.resumed
}

// Summary returns the summary of the last completed run, or nil.
func (c *Crawler) Summary() *models.CrawlSummary {
	c.countsMu.Lock()
	defer c.countsMu.Unlock()
	return c.lastSummary
}

// Queue submits a newly discovered reference. References already handled
// in this session are ignored.
func (c *Crawler) Queue(reference string, parent *models.CrawlDocInfo) error {
	info := models.NewCrawlDocInfo(reference)
	if parent != nil {
		info.Depth = parent.Depth + 1
	}
	c.runMu.Lock()
	docInfos := c.docInfos
	c.runMu.Unlock()
	if docInfos == nil {
		return fmt.Errorf("%w: crawler '%s' is not running", utils.ErrNotRunning, c.id)
	}
	_, err := docInfos.QueueIfNew(info)
	return err
}

// Start runs a crawl session until the queue is drained or Stop is called.
// With resume set, an interrupted session is continued when one exists.
func (c *Crawler) Start(ctx context.Context, resume bool) (err error) {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.monitor = monitor.New()
	c.resetRunState()
	if c.pendingStop {
		c.pendingStop = false
		c.stopped.Store(true)
		c.log.Info("Stop was requested before start, ending the run right after initialization.")
	}
	c.runMu.Unlock()
	defer func() {
		c.runMu.Lock()
		c.running = false
		c.runMu.Unlock()
	}()

	startTime := time.Now()

	if err := c.initCrawler(ctx, resume); err != nil {
		c.log.Errorf("Crawler initialization failed: %v", err)
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.WithFields(logrus.Fields{
				"panic_info":  r,
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC recovered in crawler run")
			err = fmt.Errorf("panic in crawler '%s': %v", c.id, r)
		}
		if c.hooks.AfterExecution != nil {
			c.hooks.AfterExecution(c)
		}
		c.progress.Stop()
		c.finishSummary(startTime, err)
		c.destroyCrawler()
	}()

	c.Fire(event.New(event.CrawlerRunBegin, c).WithSubject(c.resumed))
	if err := c.beforeExecution(); err != nil {
		return fmt.Errorf("before execution of crawler '%s': %w", c.id, err)
	}
	return c.doExecute(ctx)
}

// resetRunState must be called with runMu held.
func (c *Crawler) resetRunState() {
	c.stopped.Store(false)
	c.queueInitialized.Store(false)
	c.maxDocsLogged.Store(false)
	c.orphansFound = 0
	c.countsMu.Lock()
	c.stateCounts = make(map[models.CrawlState]int64)
	c.countsMu.Unlock()
}

func (c *Crawler) initCrawler(ctx context.Context, resume bool) error {
	c.Fire(event.New(event.CrawlerInitBegin, c))

	for _, dir := range []string{c.workDir, c.downloadDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: creating '%s': %w", utils.ErrFilesystem, dir, err)
		}
	}

	store, cancel, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	docInfos := docinfo.NewService(store, c.log)
	resumed, err := docInfos.Open(resume)
	if err != nil {
		cancel()
		_ = store.Close()
		return fmt.Errorf("opening session of crawler '%s': %w", c.id, err)
	}

	if r, ok := c.pipeline.(pipeline.Resetter); ok {
		r.Reset()
	}

	if err := c.committers.Init(ctx, c.id, filepath.Join(c.workDir, "committers")); err != nil {
		_ = c.committers.Close()
		cancel()
		_ = store.Close()
		return err
	}

	c.runMu.Lock()
	c.store, c.storeCancel, c.docInfos, c.resumed = store, cancel, docInfos, resumed
	c.runMu.Unlock()

	c.progress = monitor.NewProgressLogger(c.monitor, c.queueStats, c.progressInterval, c.log)
	c.progress.Start()

	if resumed {
		c.log.Info("Resuming interrupted crawl session.")
	} else {
		c.log.Info("Starting new crawl session.")
	}
	c.Fire(event.New(event.CrawlerInitEnd, c).WithSubject(resumed))
	return nil
}

// openStore creates the configured store. The returned cancel func stops
// engine background work and must be called before Close.
func (c *Crawler) openStore(ctx context.Context) (storage.Store, context.CancelFunc, error) {
	sc := c.storeCfg
	dir := sc.Dir
	if dir == "" {
		dir = filepath.Join(c.workDir, "store")
	}
	storeCtx, cancel := context.WithCancel(ctx)
	store, err := storage.Open(storeCtx, storage.Options{
		Engine:         sc.Engine,
		Dir:            dir,
		DSN:            sc.DSN,
		Table:          storage.PostgresTableName(sc.Table, c.id),
		MaxConns:       sc.MaxConns,
		GCInterval:     sc.GCInterval,
		BadgerLogLevel: sc.BadgerLevel(),
	}, c.log)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("opening store of crawler '%s': %w", c.id, err)
	}
	return store, cancel, nil
}

func (c *Crawler) queueStats() (int, int) {
	queued, err := c.docInfos.QueueSize()
	if err != nil {
		c.log.Debugf("Could not read queue size: %v", err)
	}
	active, err := c.docInfos.ActiveCount()
	if err != nil {
		c.log.Debugf("Could not read active count: %v", err)
	}
	c.metrics.SetQueue(c.id, queued, active)
	return queued, active
}

func (c *Crawler) beforeExecution() error {
	var err error
	if c.hooks.BeforeExecution != nil {
		err = c.hooks.BeforeExecution(c, c.resumed)
	} else {
		err = c.QueueStartReferences(c.resumed)
	}
	// Initial queueing ends when the hook and every Seed function returned.
	seeded := make(chan struct{})
	c.seeded = seeded
	go func() {
		c.seeding.Wait()
		c.MarkQueueInitialized()
		close(seeded)
	}()
	return err
}

func (c *Crawler) doExecute(ctx context.Context) error {
	c.log.Infof("Processing queue with %d worker(s)...", c.numThreads)
	err := c.processReferences(ctx, pass{})

	if !c.IsStopped() {
		if orphanErr := c.handleOrphans(ctx); orphanErr != nil && err == nil {
			err = orphanErr
		}
	}

	c.deleteEmptyDownloadDirs()

	if c.IsStopped() {
		c.Fire(event.New(event.CrawlerStopEnd, c))
	} else {
		c.Fire(event.New(event.CrawlerRunEnd, c))
	}
	return err
}

// Stop asks the workers to exit after their current reference. Called on an
// idle crawler, it makes the next Start stop right after initialization.
func (c *Crawler) Stop() {
	c.runMu.Lock()
	if !c.running {
		already := c.pendingStop
		c.pendingStop = true
		c.runMu.Unlock()
		if !already {
			c.Fire(event.New(event.CrawlerStopBegin, c))
			c.log.Info("Stop requested while idle, the next run will stop right away.")
		}
		return
	}
	first := c.stopped.CompareAndSwap(false, true)
	c.runMu.Unlock()
	if !first {
		return
	}
	c.Fire(event.New(event.CrawlerStopBegin, c))
	c.log.Info("Stop requested, workers will exit after their current reference.")
}

// ClearPendingStop discards a Stop issued while the crawler was idle.
func (c *Crawler) ClearPendingStop() {
	c.runMu.Lock()
	c.pendingStop = false
	c.runMu.Unlock()
}

func (c *Crawler) destroyCrawler() {
	c.seeding.Wait()
	if c.seeded != nil {
		<-c.seeded
		c.seeded = nil
	}
	if err := c.committers.Close(); err != nil {
		c.log.Errorf("Closing committers: %v", err)
	}
	c.runMu.Lock()
	store, cancel := c.store, c.storeCancel
	c.store, c.storeCancel, c.docInfos = nil, nil, nil
	c.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if store != nil {
		if err := store.Close(); err != nil {
			c.log.Errorf("Closing store: %v", err)
		}
	}
}

// deleteEmptyDownloadDirs removes empty directories under the download dir,
// deepest first. The download dir itself goes too unless downloads are kept.
func (c *Crawler) deleteEmptyDownloadDirs() {
	var dirs []string
	_ = filepath.WalkDir(c.downloadDir, func(path string, d os.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	removed := 0
	for i := len(dirs) - 1; i >= 0; i-- {
		if dirs[i] == c.downloadDir && c.keepDownloads {
			continue
		}
		entries, err := os.ReadDir(dirs[i])
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dirs[i]); err == nil {
			removed++
		}
	}
	if removed > 0 {
		c.log.Debugf("Deleted %d empty download director(ies).", removed)
	}
}

func (c *Crawler) countState(state models.CrawlState) {
	c.countsMu.Lock()
	c.stateCounts[state]++
	c.countsMu.Unlock()
}

func (c *Crawler) finishSummary(startTime time.Time, runErr error) {
	c.countsMu.Lock()
	counts := make(map[string]int64, len(c.stateCounts))
	for state, n := range c.stateCounts {
		counts[state.String()] = n
	}
	c.countsMu.Unlock()

	summary := &models.CrawlSummary{
		CollectorID:  c.collectorID,
		CrawlerID:    c.id,
		StartTime:    startTime,
		EndTime:      time.Now(),
		Resumed:      c.resumed,
		Stopped:      c.IsStopped(),
		Processed:    c.monitor.Processed(),
		StateCounts:  counts,
		OrphansFound: c.orphansFound,
	}
	if runErr != nil {
		summary.Error = runErr.Error()
	}

	c.countsMu.Lock()
	c.lastSummary = summary
	c.countsMu.Unlock()

	duration := summary.EndTime.Sub(startTime)
	c.log.Info("========================================================================")
	if summary.Stopped {
		c.log.Info("CRAWL STOPPED")
	} else {
		c.log.Info("CRAWL FINISHED")
	}
	c.log.Infof("Duration:         %v", duration.Truncate(time.Millisecond))
	c.log.Infof("Processed:        %d", summary.Processed)
	c.log.Infof("Orphans found:    %d", summary.OrphansFound)
	for state, n := range counts {
		c.log.Infof("  %-14s  %d", state, n)
	}
	c.log.Info("========================================================================")

	data, err := yaml.Marshal(summary)
	if err != nil {
		c.log.Warnf("Could not encode crawl summary: %v", err)
		return
	}
	path := filepath.Join(c.workDir, SummaryFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		c.log.Warnf("Could not write crawl summary '%s': %v", path, err)
	}
}
