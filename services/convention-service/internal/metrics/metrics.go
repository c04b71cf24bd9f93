package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "conventions"

// Pipeline holds the dispatch collectors. A nil *Pipeline is valid and
// records nothing.
type Pipeline struct {
	Dispatched      *prometheus.CounterVec
	Failed          *prometheus.CounterVec
	HandlerFailures *prometheus.CounterVec
	RecordFailures  prometheus.Counter
	BatchSize       prometheus.Histogram
	BatchDuration   prometheus.Histogram
	Notifications   *prometheus.CounterVec
}

func NewPipeline(reg prometheus.Registerer) (*Pipeline, error) {
	p := &Pipeline{
		Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "events_dispatched_total",
			Help:      "Events whose publication attempt completed with every handler succeeding.",
		}, []string{"topic"}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "events_failed_total",
			Help:      "Publication attempts with at least one failed handler.",
		}, []string{"topic"}),
		HandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "handler_failures_total",
			Help:      "Handler failures by topic and handler id.",
		}, []string{"topic", "handler"}),
		RecordFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "record_failures_total",
			Help:      "Publication outcomes that could not be stored.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "batch_size",
			Help:      "Events fetched per crawler batch.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of one crawler batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "total",
			Help:      "Notification handler outcomes: sent, skipped or failed.",
		}, []string{"template", "outcome"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			p.Dispatched, p.Failed, p.HandlerFailures, p.RecordFailures,
			p.BatchSize, p.BatchDuration, p.Notifications,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

func (p *Pipeline) ObserveBatch(size int, seconds float64) {
	if p == nil {
		return
	}
	p.BatchSize.Observe(float64(size))
	p.BatchDuration.Observe(seconds)
}

func (p *Pipeline) ObservePublication(topic string, failedHandlers []string) {
	if p == nil {
		return
	}
	if len(failedHandlers) == 0 {
		p.Dispatched.WithLabelValues(topic).Inc()
		return
	}
	p.Failed.WithLabelValues(topic).Inc()
	for _, h := range failedHandlers {
		p.HandlerFailures.WithLabelValues(topic, h).Inc()
	}
}

func (p *Pipeline) RecordFailed() {
	if p == nil {
		return
	}
	p.RecordFailures.Inc()
}

func (p *Pipeline) Notification(template, outcome string) {
	if p == nil {
		return
	}
	p.Notifications.WithLabelValues(template, outcome).Inc()
}
