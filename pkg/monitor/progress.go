package monitor

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// QueueStats reports the current queued and active reference counts.
type QueueStats func() (queued, active int)

// ProgressLogger periodically logs a Monitor's progress.
type ProgressLogger struct {
	mon      *Monitor
	stats    QueueStats
	interval time.Duration
	log      *logrus.Entry

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
	exited  chan struct{}
}

// NewProgressLogger creates a logger ticking every interval (30s when <= 0).
func NewProgressLogger(mon *Monitor, stats QueueStats, interval time.Duration, log *logrus.Entry) *ProgressLogger {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ProgressLogger{
		mon:      mon,
		stats:    stats,
		interval: interval,
		log:      log,
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// Start launches the reporting goroutine.
func (p *ProgressLogger) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	go p.loop()
}

func (p *ProgressLogger) loop() {
	defer close(p.exited)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.log.Debug("Progress reporter started.")
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.Report()
		}
	}
}

// Report logs progress once.
func (p *ProgressLogger) Report() {
	snap := p.mon.Snapshot()
	fields := logrus.Fields{
		"processed": snap.Processed,
		"rate_5s":   round2(snap.Throughput5),
		"rate_15s":  round2(snap.Throughput15),
		"rate_60s":  round2(snap.Throughput60),
		"elapsed":   snap.Elapsed.Truncate(time.Second).String(),
	}
	if p.stats != nil {
		queued, active := p.stats()
		fields["queued"] = queued
		fields["active"] = active
		if eta := p.mon.Remaining(snap.Processed + int64(queued+active)); eta >= 0 {
			fields["eta"] = eta.Truncate(time.Second).String()
		}
	}
	p.log.WithFields(fields).Info("Crawl Progress")
}

// Stop ends the reporting goroutine. Safe to call more than once, and
// before Start.
func (p *ProgressLogger) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	close(p.done)
	p.mu.Unlock()

	if started {
		<-p.exited
		p.log.Debug("Progress reporter stopped.")
	}
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
