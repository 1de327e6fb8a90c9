// Package metrics exports relay counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vovakirdan/wirechat-relay/internal/core"
)

const namespace = "wirechat"

// Metrics implements core.Observer. Room IDs are not used as labels.
type Metrics struct {
	published prometheus.Counter
	consumed  prometheus.Counter
	delivered prometheus.Counter
	failures  *prometheus.CounterVec

	reg prometheus.Registerer
}

var _ core.Observer = (*Metrics)(nil)

// New registers the relay collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		published: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Messages handed to the bus.",
		}),
		consumed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consumed_total",
			Help:      "Bus records decoded by the consumer.",
		}),
		delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_delivered_total",
			Help:      "Frames sent to connections by room broadcast.",
		}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_failures_total",
			Help:      "Contained relay failures by kind.",
		}, []string{"kind"}),
		reg: reg,
	}
}

// Published counts a message handed to the bus.
func (m *Metrics) Published(int64) { m.published.Inc() }

// Consumed counts a record taken off the bus.
func (m *Metrics) Consumed(int64) { m.consumed.Inc() }

// Delivered adds the n frames one broadcast sent.
func (m *Metrics) Delivered(_ int64, n int) {
	m.delivered.Add(float64(n))
}

// Failed counts a contained failure under its kind label.
func (m *Metrics) Failed(err *core.RelayError) {
	m.failures.WithLabelValues(string(err.Kind)).Inc()
}

// RegisterRegistry exposes live room and connection gauges read from r.
func (m *Metrics) RegisterRegistry(r *core.Registry) {
	f := promauto.With(m.reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms",
		Help:      "Rooms with at least one live connection.",
	}, func() float64 { return float64(r.Rooms()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Live room memberships.",
	}, func() float64 { return float64(r.Connections()) })
}
