package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the relay's Prometheus metrics. Pass a dedicated
// registry in tests; the relay binary uses prometheus.DefaultRegisterer.
type Metrics struct {
	clientsConnected   prometheus.Gauge
	connectionsTotal   prometheus.Counter
	connectionDuration prometheus.Histogram

	envelopesForwarded *prometheus.CounterVec
	envelopesDropped   *prometheus.CounterVec
	presenceBroadcasts prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		clientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "camlink_relay_clients_connected",
			Help: "Number of currently connected clients",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "camlink_relay_connections_total",
			Help: "Total number of accepted client connections",
		}),

		connectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "camlink_relay_connection_duration_seconds",
			Help:    "Duration of client connections",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),

		envelopesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camlink_relay_envelopes_forwarded_total",
			Help: "Envelopes forwarded to their recipient, by payload kind",
		}, []string{"kind"}),

		envelopesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camlink_relay_envelopes_dropped_total",
			Help: "Envelopes dropped instead of forwarded, by reason",
		}, []string{"reason"}),

		presenceBroadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "camlink_relay_presence_broadcasts_total",
			Help: "Presence announcements fanned out to connected clients",
		}),
	}
}

func (m *Metrics) ClientConnected() {
	m.clientsConnected.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) ClientDisconnected(connectedFor time.Duration) {
	m.clientsConnected.Dec()
	m.connectionDuration.Observe(connectedFor.Seconds())
}

func (m *Metrics) EnvelopeForwarded(kind string) {
	m.envelopesForwarded.WithLabelValues(kind).Inc()
}

func (m *Metrics) EnvelopeDropped(reason string) {
	m.envelopesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) PresenceBroadcast() {
	m.presenceBroadcasts.Inc()
}

// EnvelopesForwardedWith exposes the forwarded counter for one payload kind.
func (m *Metrics) EnvelopesForwardedWith(kind string) prometheus.Counter {
	return m.envelopesForwarded.WithLabelValues(kind)
}

// EnvelopesDroppedWith exposes the dropped counter for one reason.
func (m *Metrics) EnvelopesDroppedWith(reason string) prometheus.Counter {
	return m.envelopesDropped.WithLabelValues(reason)
}
