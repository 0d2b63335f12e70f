// Package watch re-runs a collector on a schedule and remembers the outcome
// of each run.
package watch

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawlcore/pkg/collector"
)

// Runner is the collector being scheduled.
type Runner interface {
	Start(ctx context.Context, resume bool) ([]collector.Result, error)
	Stop()
}

// Scheduler manages periodic collector runs
type Scheduler struct {
	runner       Runner
	crawlerIDs   []string
	schedule     cron.Schedule
	log          *logrus.Entry
	stateManager *StateManager
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// NewScheduler creates a new watch scheduler persisting its state in stateDir.
func NewScheduler(runner Runner, crawlerIDs []string, schedule cron.Schedule, stateDir string, log *logrus.Entry) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:       runner,
		crawlerIDs:   crawlerIDs,
		schedule:     schedule,
		log:          log,
		stateManager: NewStateManager(stateDir),
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// State returns the scheduler's state manager.
func (s *Scheduler) State() *StateManager { return s.stateManager }

// Run starts the watch scheduler and blocks until stopped
func (s *Scheduler) Run() error {
	if err := s.stateManager.Load(); err != nil {
		s.log.Warnf("Failed to load watch state: %v (starting fresh)", err)
	}

	s.log.Infof("Starting watch mode for %d crawler(s), %s", len(s.crawlerIDs), DescribeSchedule(s.schedule))
	s.logSchedule()

	for {
		wait := time.Until(s.NextRunTime())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			s.log.Info("Watch scheduler shutting down...")
			return nil
		case <-timer.C:
			s.runOnce()
			s.logNextRun()
		}
	}
}

// Stop stops the scheduler and the run in progress, if any.
func (s *Scheduler) Stop() {
	s.log.Info("Stopping watch scheduler...")
	s.runner.Stop()
	s.cancel()
}

// NextRunTime returns when the next run is due. A scheduler that never ran
// is due immediately.
func (s *Scheduler) NextRunTime() time.Time {
	last := s.stateManager.LastRun()
	if last.IsZero() {
		return s.now()
	}
	return s.schedule.Next(last)
}

// runOnce runs the collector and records the results. Interrupted sessions
// are resumed.
func (s *Scheduler) runOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}

	runTime := s.now()
	s.log.Infof("Running collector (run #%d)", s.stateManager.RunCount()+1)
	results, err := s.runner.Start(s.ctx, true)

	states := make(map[string]CrawlerState, len(s.crawlerIDs))
	if err != nil {
		s.log.Errorf("Collector run failed: %v", err)
		for _, id := range s.crawlerIDs {
			states[id] = CrawlerState{LastRunTime: runTime, ErrorMessage: err.Error()}
		}
	}
	for _, r := range results {
		cs := CrawlerState{
			LastRunTime:         runTime,
			LastRunSuccess:      r.Success,
			ReferencesProcessed: r.Processed,
		}
		if r.Summary != nil {
			cs.Stopped = r.Summary.Stopped
		}
		if r.Error != nil {
			cs.ErrorMessage = r.Error.Error()
		}
		states[r.CrawlerID] = cs
	}
	s.stateManager.RecordRun(runTime, states)

	if err := s.stateManager.Save(); err != nil {
		s.log.Errorf("Failed to save watch state: %v", err)
	}
}

// logSchedule logs the current schedule
func (s *Scheduler) logSchedule() {
	s.log.Info("Watch schedule:")
	for _, id := range s.crawlerIDs {
		state, exists := s.stateManager.GetCrawlerState(id)
		if !exists {
			s.log.Infof("  %s: never run", id)
			continue
		}
		status := "success"
		if !state.LastRunSuccess {
			status = "failed"
		}
		s.log.Infof("  %s: last run %v (%s, %d references)",
			id, state.LastRunTime.Format(time.RFC3339), status, state.ReferencesProcessed)
	}
	s.logNextRun()
}

// logNextRun logs when the next run will occur
func (s *Scheduler) logNextRun() {
	next := s.NextRunTime()
	until := time.Until(next)
	if until < 0 {
		until = 0
	}
	s.log.Infof("Next run in %v (at %s)", until.Round(time.Second), next.Format("15:04:05"))
}

// GetStatus returns the current status of all watched crawlers
func (s *Scheduler) GetStatus() map[string]CrawlerStatus {
	status := make(map[string]CrawlerStatus, len(s.crawlerIDs))
	next := s.NextRunTime()
	for _, id := range s.crawlerIDs {
		state, exists := s.stateManager.GetCrawlerState(id)
		status[id] = CrawlerStatus{
			CrawlerID:    id,
			CrawlerState: state,
			NextRunTime:  next,
			NeverRun:     !exists,
		}
	}
	return status
}

// CrawlerStatus contains the status of a watched crawler
type CrawlerStatus struct {
	CrawlerID string
	CrawlerState
	NextRunTime time.Time
	NeverRun    bool
}
