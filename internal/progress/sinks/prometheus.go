package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/osokin/sitebrief/internal/progress"
)

// PrometheusSink exports crawl progress metrics. It owns all collectors for
// crawls started/completed/running and per-site page counters.
type PrometheusSink struct {
	crawlsStarted   prometheus.Counter
	crawlsCompleted *prometheus.CounterVec
	crawlsRunning   prometheus.Gauge
	crawlRuntime    *prometheus.HistogramVec
	pagesProcessed  *prometheus.CounterVec

	tracker *crawlTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		crawlsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitebrief_crawls_started_total",
			Help: "Total crawls that have started.",
		}),
		crawlsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitebrief_crawls_completed_total",
			Help: "Total crawls completed partitioned by result.",
		}, []string{"result"}),
		crawlsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitebrief_crawls_running",
			Help: "Current number of running crawls.",
		}),
		crawlRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitebrief_crawl_runtime_seconds",
			Help:    "Wall time per completed crawl.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		pagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitebrief_pages_processed_total",
			Help: "Pages processed per site.",
		}, []string{"site"}),
		tracker: newCrawlTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.crawlsStarted,
		s.crawlsCompleted,
		s.crawlsRunning,
		s.crawlRuntime,
		s.pagesProcessed,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Publish updates the Prometheus collectors from the given update. It is safe
// for concurrent use by multiple goroutines.
func (s *PrometheusSink) Publish(_ context.Context, u progress.Update) error {
	switch u.Stage {
	case progress.StageStart:
		s.crawlsStarted.Inc()
		if s.tracker.start(u.JobID) {
			s.crawlsRunning.Inc()
		}
	case progress.StageHeartbeat:
		site := u.Site
		if site == "" {
			site = "unknown"
		}
		s.pagesProcessed.WithLabelValues(site).Inc()
	case progress.StageDone:
		s.complete(u, "success")
	case progress.StageError:
		s.complete(u, "error")
	}
	return nil
}

func (s *PrometheusSink) complete(u progress.Update, result string) {
	s.crawlsCompleted.WithLabelValues(result).Inc()
	if u.Dur > 0 {
		s.crawlRuntime.WithLabelValues(result).Observe(u.Dur.Seconds())
	}
	if s.tracker.complete(u.JobID) {
		s.crawlsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type crawlTracker struct {
	mu      sync.Mutex
	running map[uuid.UUID]struct{}
}

func newCrawlTracker() *crawlTracker {
	return &crawlTracker{running: make(map[uuid.UUID]struct{})}
}

func (t *crawlTracker) start(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *crawlTracker) complete(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
