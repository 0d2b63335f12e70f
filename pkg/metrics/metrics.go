// Package metrics exports crawl progress as Prometheus collectors.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Sriram-PR/crawlcore/pkg/event"
	"github.com/Sriram-PR/crawlcore/pkg/models"
)

// Metrics owns the crawl collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	processed       *prometheus.CounterVec
	queued          *prometheus.GaugeVec
	active          *prometheus.GaugeVec
	events          *prometheus.CounterVec
	crawlersRunning prometheus.Gauge
}

// New registers the collectors against reg (the default registerer when nil).
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlcore_references_processed_total",
			Help: "References finalized, partitioned by crawler and final state.",
		}, []string{"crawler", "state"}),
		queued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawlcore_references_queued",
			Help: "References waiting in the queue.",
		}, []string{"crawler"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawlcore_references_active",
			Help: "References currently being processed.",
		}, []string{"crawler"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlcore_events_total",
			Help: "Events fired, partitioned by event name.",
		}, []string{"name"}),
		crawlersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlcore_crawlers_running",
			Help: "Crawlers currently running.",
		}),
	}
	for _, c := range []prometheus.Collector{m.processed, m.queued, m.active, m.events, m.crawlersRunning} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register crawl collector: %w", err)
		}
	}
	return m, nil
}

// ObserveProcessed counts one finalized reference.
func (m *Metrics) ObserveProcessed(crawlerID string, state models.CrawlState) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(crawlerID, state.String()).Inc()
}

// SetQueue records the current queue and active sizes of a crawler.
func (m *Metrics) SetQueue(crawlerID string, queued, active int) {
	if m == nil {
		return
	}
	m.queued.WithLabelValues(crawlerID).Set(float64(queued))
	m.active.WithLabelValues(crawlerID).Set(float64(active))
}

// EventListener returns a listener counting events by name and tracking
// running crawlers.
func (m *Metrics) EventListener() event.Listener {
	return event.ListenerFunc(func(e event.Event) {
		if m == nil {
			return
		}
		m.events.WithLabelValues(e.Name).Inc()
		switch e.Name {
		case event.CrawlerRunBegin:
			m.crawlersRunning.Inc()
		case event.CrawlerRunEnd, event.CrawlerStopEnd:
			m.crawlersRunning.Dec()
		}
	})
}
