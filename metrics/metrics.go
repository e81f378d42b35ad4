// Package metrics instruments outbox, inbox, scheduler, and join activity
// for a dispatcher process. Sink is the seam every dispatcher loop writes
// through; Prometheus is the reference implementation but a caller can
// supply a no-op or test double instead.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the metrics seam dispatcher loops and core components write
// through. Every method is fire-and-forget, instrumentation must never
// block or fail a dispatch pass.
type Sink interface {
	ItemsClaimed(loop, store string, n int)
	ItemsAcknowledged(loop, store string, n int)
	ItemsAbandoned(loop, store string, n int)
	ItemsFailed(loop, store string, n int)
	ItemsReaped(loop, store string, n int)
	BatchSize(loop, store string, n int)
	ObserveClaimDuration(loop, store string, d time.Duration)
	ObserveHandlerDuration(loop, store, topic string, d time.Duration)
	JoinAdvanced(store string, status string)
	SchedulerPass(store string, d time.Duration, err bool)
}

// NoopSink discards every observation, the default until a caller wires a
// real Sink, and useful directly in tests that don't assert on metrics.
type NoopSink struct{}

func (NoopSink) ItemsClaimed(loop, store string, n int)                           {}
func (NoopSink) ItemsAcknowledged(loop, store string, n int)                      {}
func (NoopSink) ItemsAbandoned(loop, store string, n int)                        {}
func (NoopSink) ItemsFailed(loop, store string, n int)                           {}
func (NoopSink) ItemsReaped(loop, store string, n int)                           {}
func (NoopSink) BatchSize(loop, store string, n int)                             {}
func (NoopSink) ObserveClaimDuration(loop, store string, d time.Duration)        {}
func (NoopSink) ObserveHandlerDuration(loop, store, topic string, d time.Duration) {}
func (NoopSink) JoinAdvanced(store string, status string)                       {}
func (NoopSink) SchedulerPass(store string, d time.Duration, err bool)           {}

var _ Sink = NoopSink{}

// PrometheusSink is the production Sink, registering its collectors
// against the supplied registerer (typically prometheus.DefaultRegisterer).
type PrometheusSink struct {
	itemsClaimed       *prometheus.CounterVec
	itemsAcknowledged  *prometheus.CounterVec
	itemsAbandoned     *prometheus.CounterVec
	itemsFailed        *prometheus.CounterVec
	itemsReaped        *prometheus.CounterVec
	batchSize          *prometheus.HistogramVec
	claimDuration      *prometheus.HistogramVec
	handlerDuration    *prometheus.HistogramVec
	joinTransitions    *prometheus.CounterVec
	schedulerPassTime  *prometheus.HistogramVec
	schedulerPassError *prometheus.CounterVec
}

// NewPrometheusSink builds and registers a PrometheusSink. reg may be nil,
// in which case prometheus.DefaultRegisterer is used.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := func(name, help string, labels ...string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      name,
			Help:      help,
		}, labels)
		reg.MustRegister(c)
		return c
	}
	histFactory := func(name, help string, labels ...string) *prometheus.HistogramVec {
		h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      name,
			Help:      help,
			Buckets:   prometheus.DefBuckets,
		}, labels)
		reg.MustRegister(h)
		return h
	}

	return &PrometheusSink{
		itemsClaimed:       factory("items_claimed_total", "rows claimed by a dispatcher loop", "loop", "store"),
		itemsAcknowledged:  factory("items_acknowledged_total", "rows acked by a dispatcher loop", "loop", "store"),
		itemsAbandoned:     factory("items_abandoned_total", "rows abandoned for retry", "loop", "store"),
		itemsFailed:        factory("items_failed_total", "rows permanently failed", "loop", "store"),
		itemsReaped:        factory("items_reaped_total", "rows reclaimed from an expired lease", "loop", "store"),
		batchSize:          histFactory("batch_size", "rows returned per claim", "loop", "store"),
		claimDuration:      histFactory("claim_duration_seconds", "time spent in a single claim call", "loop", "store"),
		handlerDuration:    histFactory("handler_duration_seconds", "time spent in one handler invocation", "loop", "store", "topic"),
		joinTransitions:    factory("join_transitions_total", "join status transitions observed", "store", "status"),
		schedulerPassTime:  histFactory("scheduler_pass_duration_seconds", "time spent in one scheduler pass", "store"),
		schedulerPassError: factory("scheduler_pass_errors_total", "scheduler passes that returned an error", "store"),
	}
}

func (s *PrometheusSink) ItemsClaimed(loop, store string, n int) {
	s.itemsClaimed.WithLabelValues(loop, store).Add(float64(n))
}

func (s *PrometheusSink) ItemsAcknowledged(loop, store string, n int) {
	s.itemsAcknowledged.WithLabelValues(loop, store).Add(float64(n))
}

func (s *PrometheusSink) ItemsAbandoned(loop, store string, n int) {
	s.itemsAbandoned.WithLabelValues(loop, store).Add(float64(n))
}

func (s *PrometheusSink) ItemsFailed(loop, store string, n int) {
	s.itemsFailed.WithLabelValues(loop, store).Add(float64(n))
}

func (s *PrometheusSink) ItemsReaped(loop, store string, n int) {
	s.itemsReaped.WithLabelValues(loop, store).Add(float64(n))
}

func (s *PrometheusSink) BatchSize(loop, store string, n int) {
	s.batchSize.WithLabelValues(loop, store).Observe(float64(n))
}

func (s *PrometheusSink) ObserveClaimDuration(loop, store string, d time.Duration) {
	s.claimDuration.WithLabelValues(loop, store).Observe(d.Seconds())
}

func (s *PrometheusSink) ObserveHandlerDuration(loop, store, topic string, d time.Duration) {
	s.handlerDuration.WithLabelValues(loop, store, topic).Observe(d.Seconds())
}

func (s *PrometheusSink) JoinAdvanced(store string, status string) {
	s.joinTransitions.WithLabelValues(store, status).Inc()
}

func (s *PrometheusSink) SchedulerPass(store string, d time.Duration, err bool) {
	s.schedulerPassTime.WithLabelValues(store).Observe(d.Seconds())
	if err {
		s.schedulerPassError.WithLabelValues(store).Inc()
	}
}

var _ Sink = (*PrometheusSink)(nil)
