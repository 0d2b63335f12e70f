// Package collector runs a set of crawlers under one work directory,
// guarded by a process-wide lock file and sharing a stream factory.
package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/Sriram-PR/crawlcore/pkg/committer"
	"github.com/Sriram-PR/crawlcore/pkg/config"
	"github.com/Sriram-PR/crawlcore/pkg/crawler"
	"github.com/Sriram-PR/crawlcore/pkg/event"
	"github.com/Sriram-PR/crawlcore/pkg/metrics"
	"github.com/Sriram-PR/crawlcore/pkg/models"
	"github.com/Sriram-PR/crawlcore/pkg/streams"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

// Options supply the pluggable parts of a Collector.
type Options struct {
	Pipelines  PipelineFactory  // Required
	Committers CommitterFactory // Defaults to DefaultCommitterFactory
	Listeners  []event.Listener
	Metrics    *metrics.Metrics
	Hooks      crawler.Hooks
	Logger     *logrus.Entry
}

// Result contains the outcome of one crawler run.
type Result struct {
	CrawlerID string
	Success   bool
	Skipped   bool // Never started because the collector was stopping
	Error     error
	Processed int64
	Duration  time.Duration
	Summary   *models.CrawlSummary
}

// Collector manages the crawlers of one configuration.
type Collector struct {
	cfg     *config.CollectorConfig
	opts    Options
	log     *logrus.Entry
	workDir string
	tempDir string
	events  *event.Manager
	streams *streams.Factory

	crawlersMu sync.RWMutex
	crawlers   []*crawler.Crawler

	opMu     sync.Mutex // One top-level operation at a time within the process
	flock    *flock.Flock
	running  atomic.Bool
	stopping atomic.Bool
	runID    string
}

// New creates a Collector and its crawlers. cfg must have been validated.
func New(cfg *config.CollectorConfig, opts Options) (*Collector, error) {
	if cfg == nil || cfg.ID == "" {
		return nil, fmt.Errorf("%w: collector needs an id", utils.ErrConfigValidation)
	}
	if opts.Pipelines == nil {
		return nil, fmt.Errorf("%w: collector '%s' has no pipeline factory", utils.ErrConfigValidation, cfg.ID)
	}
	if opts.Committers == nil {
		opts.Committers = DefaultCommitterFactory
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.StopPollInterval <= 0 {
		cfg.StopPollInterval = time.Second
	}
	logger := opts.Logger.WithField("collector", cfg.ID)

	c := &Collector{
		cfg:     cfg,
		opts:    opts,
		log:     logger,
		workDir: WorkDir(cfg),
	}
	c.tempDir = cfg.TempDir
	if c.tempDir == "" {
		c.tempDir = filepath.Join(c.workDir, "tmp")
	}

	c.events = event.NewManager(logger, event.NewLogListener(logger))
	if opts.Metrics != nil {
		c.events.Add(opts.Metrics.EventListener())
	}
	for _, l := range opts.Listeners {
		c.events.Add(l)
	}

	c.streams = streams.NewFactory(cfg.MaxMemoryPoolBytes, cfg.MaxMemoryInstanceBytes, c.tempDir, logger)

	for _, crawlerCfg := range cfg.Crawlers {
		cr, err := c.newCrawler(crawlerCfg)
		if err != nil {
			return nil, err
		}
		c.crawlers = append(c.crawlers, cr)
	}
	return c, nil
}

func (c *Collector) newCrawler(crawlerCfg config.CrawlerConfig) (*crawler.Crawler, error) {
	defaults := c.cfg.CrawlerDefaults
	p, err := c.opts.Pipelines(crawlerCfg, defaults)
	if err != nil {
		return nil, fmt.Errorf("building pipeline of crawler '%s': %w", crawlerCfg.ID, err)
	}
	var sinks []committer.Committer
	for _, cc := range config.GetEffectiveCommitters(crawlerCfg, defaults) {
		sink, err := c.opts.Committers(cc)
		if err != nil {
			return nil, fmt.Errorf("building committer '%s' of crawler '%s': %w", cc.Name, crawlerCfg.ID, err)
		}
		sinks = append(sinks, sink)
	}
	return crawler.New(crawler.Options{
		CollectorID:      c.cfg.ID,
		Config:           crawlerCfg,
		Defaults:         defaults,
		WorkDir:          filepath.Join(c.workDir, utils.SanitizeFilename(crawlerCfg.ID)),
		Pipeline:         p,
		Committers:       sinks,
		Events:           c.events,
		Streams:          c.streams,
		Metrics:          c.opts.Metrics,
		Hooks:            c.opts.Hooks,
		ProgressInterval: c.cfg.ProgressInterval,
		Logger:           c.log,
	})
}

// ID returns the collector id.
func (c *Collector) ID() string { return c.cfg.ID }

// WorkDir returns the collector's own work directory.
func (c *Collector) WorkDir() string { return c.workDir }

// RunID identifies the current or last Start call.
func (c *Collector) RunID() string { return c.runID }

// Events returns the event manager shared with the crawlers.
func (c *Collector) Events() *event.Manager { return c.events }

// IsRunning reports whether Start is in progress.
func (c *Collector) IsRunning() bool { return c.running.Load() }

// Crawlers returns a copy of the crawler list.
func (c *Collector) Crawlers() []*crawler.Crawler {
	c.crawlersMu.RLock()
	defer c.crawlersMu.RUnlock()
	return append([]*crawler.Crawler(nil), c.crawlers...)
}

// Crawler returns the crawler with id, or nil.
func (c *Collector) Crawler(id string) *crawler.Crawler {
	for _, cr := range c.Crawlers() {
		if cr.ID() == id {
			return cr
		}
	}
	return nil
}

func (c *Collector) fire(name string) {
	c.events.Fire(event.New(name, c))
}

// Start runs every crawler and returns their results. The error is non-nil
// only when the collector could not start at all.
func (c *Collector) Start(ctx context.Context, resume bool) ([]Result, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.lock(); err != nil {
		return nil, err
	}
	defer c.unlock()

	c.runID = uuid.NewString()
	for _, cr := range c.Crawlers() {
		cr.ClearPendingStop()
	}
	c.stopping.Store(false)
	c.running.Store(true)
	defer c.running.Store(false)

	if err := c.initResources(); err != nil {
		return nil, err
	}
	defer c.releaseResources(ctx)

	_ = os.Remove(filepath.Join(c.workDir, stopFileName)) // Stale request
	done := make(chan struct{})
	defer close(done)
	go c.watchStopFile(done)

	startTime := time.Now()
	c.log.WithField("run_id", c.runID).Infof("Starting collector with %d crawler(s)", len(c.Crawlers()))
	c.fire(event.CollectorRunBegin)
	results := c.runCrawlers(ctx, resume)
	c.fire(event.CollectorRunEnd)
	c.logSummary(results, time.Since(startTime))
	return results, nil
}

func (c *Collector) initResources() error {
	if err := os.MkdirAll(c.tempDir, 0755); err != nil {
		return fmt.Errorf("%w: creating temp dir '%s': %w", utils.ErrFilesystem, c.tempDir, err)
	}
	return nil
}

func (c *Collector) releaseResources(ctx context.Context) {
	if d := c.cfg.DeferredShutdownDuration; d > 0 {
		c.log.Infof("Deferring shutdown by %v", d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
	}
	if n := c.streams.SpilledCount(); n > 0 {
		c.log.Debugf("%d stream(s) spilled to disk during the run", n)
	}
	if err := os.RemoveAll(c.tempDir); err != nil {
		c.log.Warnf("Removing temp dir '%s': %v", c.tempDir, err)
	}
}

func (c *Collector) runCrawlers(ctx context.Context, resume bool) []Result {
	crawlers := c.Crawlers()
	results := make([]Result, len(crawlers))
	if len(crawlers) == 1 {
		results[0] = c.runCrawler(ctx, crawlers[0], resume)
		return results
	}

	limit := c.cfg.MaxConcurrentCrawlers
	if limit <= 0 || limit > len(crawlers) {
		limit = len(crawlers)
	}
	sem := semaphore.NewWeighted(int64(limit))
	var wg sync.WaitGroup
	for i, cr := range crawlers {
		if i > 0 && !c.stagger(ctx) {
			results[i] = Result{CrawlerID: cr.ID(), Skipped: true}
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = Result{CrawlerID: cr.ID(), Error: err}
			continue
		}
		if c.stopping.Load() {
			sem.Release(1)
			results[i] = Result{CrawlerID: cr.ID(), Skipped: true}
			continue
		}
		wg.Add(1)
		go func(i int, cr *crawler.Crawler) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = c.runCrawler(ctx, cr, resume)
		}(i, cr)
	}
	wg.Wait()
	return results
}

// stagger waits crawlers_start_interval before the next launch and reports
// whether launching should continue.
func (c *Collector) stagger(ctx context.Context) bool {
	if c.stopping.Load() {
		return false
	}
	d := c.cfg.CrawlersStartInterval
	if d <= 0 {
		return true
	}
	select {
	case <-time.After(d):
		return !c.stopping.Load()
	case <-ctx.Done():
		return false
	}
}

func (c *Collector) runCrawler(ctx context.Context, cr *crawler.Crawler, resume bool) Result {
	start := time.Now()
	result := Result{CrawlerID: cr.ID()}
	if c.stopping.Load() {
		result.Skipped = true
		return result
	}
	err := cr.Start(ctx, resume)
	result.Duration = time.Since(start)
	result.Summary = cr.Summary()
	if result.Summary != nil {
		result.Processed = result.Summary.Processed
	}
	if err != nil {
		result.Error = err
		c.log.Errorf("Crawler '%s' failed: %v", cr.ID(), err)
		return result
	}
	result.Success = true
	return result
}

// Stop asks every crawler of the current run to stop, including those not
// started yet. It returns immediately. Repeated calls stop the crawlers again
// without firing new collector events.
func (c *Collector) Stop() {
	if !c.running.Load() {
		c.log.Info("Collector is not running, nothing to stop.")
		return
	}
	first := c.stopping.CompareAndSwap(false, true)
	if first {
		c.fire(event.CollectorStopBegin)
	}
	for _, cr := range c.Crawlers() {
		cr.Stop()
	}
	if first {
		c.fire(event.CollectorStopEnd)
	}
}

func (c *Collector) logSummary(results []Result, total time.Duration) {
	c.log.Info("============================================")
	c.log.Infof("Collector run completed in %v", total.Truncate(time.Millisecond))
	var processed int64
	success, failed, skipped := 0, 0, 0
	for _, r := range results {
		status := "SUCCESS"
		switch {
		case r.Skipped:
			status = "SKIPPED"
			skipped++
		case !r.Success:
			status = "FAILED"
			failed++
		default:
			success++
		}
		processed += r.Processed
		c.log.Infof("  %s: %s - %d references in %v", r.CrawlerID, status, r.Processed, r.Duration.Truncate(time.Millisecond))
		if r.Error != nil {
			c.log.Infof("    Error: %v", r.Error)
		}
	}
	c.log.Info("--------------------------------------------")
	c.log.Infof("Total: %d crawlers (%d success, %d failed, %d skipped), %d references processed",
		len(results), success, failed, skipped, processed)
	c.log.Info("============================================")
}

// Failed returns the joined errors of failed results, or nil.
func Failed(results []Result) error {
	var errs []error
	for _, r := range results {
		if r.Error != nil {
			errs = append(errs, fmt.Errorf("crawler '%s': %w", r.CrawlerID, r.Error))
		}
	}
	return errors.Join(errs...)
}
