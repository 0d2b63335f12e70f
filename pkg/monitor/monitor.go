// Package monitor tracks crawl progress and throughput. It only observes;
// nothing in the crawl depends on its numbers.
package monitor

import (
	"sync"
	"sync/atomic"
	"time"
)

// HistorySeconds is how long per-second counts are retained.
const HistorySeconds = 61

// Monitor counts processed references in a rolling per-second histogram.
type Monitor struct {
	processed atomic.Int64
	started   time.Time

	mu      sync.Mutex
	seconds [HistorySeconds]int64 // unix second of each slot
	counts  [HistorySeconds]int64

	now func() time.Time
}

// New creates a Monitor.
func New() *Monitor {
	return newWithClock(time.Now)
}

func newWithClock(now func() time.Time) *Monitor {
	return &Monitor{now: now, started: now()}
}

// MarkProcessed records one processed reference.
func (m *Monitor) MarkProcessed() {
	m.processed.Add(1)
	sec := m.now().Unix()
	slot := int(sec % HistorySeconds)

	m.mu.Lock()
	if m.seconds[slot] != sec {
		m.seconds[slot] = sec
		m.counts[slot] = 0
	}
	m.counts[slot]++
	m.mu.Unlock()
}

// Processed returns the number of references processed so far.
func (m *Monitor) Processed() int64 { return m.processed.Load() }

// Elapsed returns the time since the monitor was created.
func (m *Monitor) Elapsed() time.Duration { return m.now().Sub(m.started) }

// Throughput returns the average references per second over the last
// window, capped at the retained history.
func (m *Monitor) Throughput(window time.Duration) float64 {
	secs := int64(window / time.Second)
	if secs <= 0 {
		return 0
	}
	if secs > HistorySeconds-1 {
		secs = HistorySeconds - 1
	}
	now := m.now().Unix()

	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for i := range m.seconds {
		age := now - m.seconds[i]
		if age >= 0 && age < secs {
			total += m.counts[i]
		}
	}
	return float64(total) / float64(secs)
}

// Remaining estimates the time left to process total references, or -1
// when no throughput has been observed yet.
func (m *Monitor) Remaining(total int64) time.Duration {
	left := total - m.Processed()
	if left <= 0 {
		return 0
	}
	rate := m.Throughput(60 * time.Second)
	if rate <= 0 {
		return -1
	}
	return time.Duration(float64(left) / rate * float64(time.Second))
}

// Snapshot is a point-in-time view of the monitor.
type Snapshot struct {
	Processed    int64
	Throughput5  float64
	Throughput15 float64
	Throughput60 float64
	Elapsed      time.Duration
}

// Snapshot returns the current values.
func (m *Monitor) Snapshot() Snapshot {
	return Snapshot{
		Processed:    m.Processed(),
		Throughput5:  m.Throughput(5 * time.Second),
		Throughput15: m.Throughput(15 * time.Second),
		Throughput60: m.Throughput(60 * time.Second),
		Elapsed:      m.Elapsed(),
	}
}
