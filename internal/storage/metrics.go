package storage

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts store activity. A nil *Metrics records nothing.
type Metrics struct {
	messages     *prometheus.CounterVec
	pushes       *prometheus.CounterVec
	merges       *prometheus.CounterVec
	pushDuration *prometheus.HistogramVec
}

// NewMetrics registers store metrics on reg. Registering twice on the same
// registry reuses the existing collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replicore_store_messages_total",
			Help: "Proxy messages handled, by type and result",
		}, []string{"store", "type", "result"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replicore_store_pushes_total",
			Help: "Model pushes to the driver, by result",
		}, []string{"store", "result"}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replicore_store_merges_total",
			Help: "Models merged into a store, by source",
		}, []string{"store", "source"}),
		pushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "replicore_store_push_duration_seconds",
			Help:    "Duration of driver sends",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.25},
		}, []string{"store"}),
	}
	m.messages = register(reg, m.messages)
	m.pushes = register(reg, m.pushes)
	m.merges = register(reg, m.merges)
	m.pushDuration = register(reg, m.pushDuration)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) message(store string, t MessageType, ok bool) {
	if m == nil {
		return
	}
	result := "applied"
	if !ok {
		result = "rejected"
	}
	m.messages.WithLabelValues(store, t.String(), result).Inc()
}

func (m *Metrics) push(store, result string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(store, result).Inc()
}

func (m *Metrics) merge(store, source string) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(store, source).Inc()
}

func (m *Metrics) pushTimer(store string) *prometheus.Timer {
	if m == nil {
		return prometheus.NewTimer(prometheus.ObserverFunc(func(float64) {}))
	}
	return prometheus.NewTimer(m.pushDuration.WithLabelValues(store))
}
