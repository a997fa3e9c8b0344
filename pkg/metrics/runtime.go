package metrics

import "github.com/prometheus/client_golang/prometheus"

// RuntimeMetrics covers the plumbing around the engine: circuit breakers,
// the side-task pool and the write-behind flusher.
type RuntimeMetrics struct {
	breakerState *prometheus.GaugeVec
	dropped      *prometheus.CounterVec
	flushed      *prometheus.CounterVec
}

// NewRuntimeMetrics registers the runtime metrics on the provided registerer.
func NewRuntimeMetrics(reg prometheus.Registerer) *RuntimeMetrics {
	if reg == nil {
		return &RuntimeMetrics{}
	}
	m := &RuntimeMetrics{
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"breaker"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "side_tasks_dropped_total",
			Help:      "Side tasks dropped because the queue was full or closed.",
		}, []string{"task"}),
		flushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_records_total",
			Help:      "Records copied from the fast store to the durable store.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.breakerState, m.dropped, m.flushed)
	return m
}

// SetBreakerState exports the numeric state of a breaker.
func (m *RuntimeMetrics) SetBreakerState(name string, state int) {
	if m == nil || m.breakerState == nil {
		return
	}
	m.breakerState.WithLabelValues(normalizeLabel(name)).Set(float64(state))
}

// IncDropped counts a dropped side task.
func (m *RuntimeMetrics) IncDropped(task string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.WithLabelValues(normalizeLabel(task)).Inc()
}

// AddFlushed counts records persisted by the flusher.
func (m *RuntimeMetrics) AddFlushed(kind string, n int) {
	if m == nil || m.flushed == nil || n <= 0 {
		return
	}
	m.flushed.WithLabelValues(normalizeLabel(kind)).Add(float64(n))
}
