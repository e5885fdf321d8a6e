package monitoring

import (
	"guffrelay/internal/core/domain"
	"guffrelay/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Connections
	connectionsActive  prometheus.Gauge
	connectionsTotal   prometheus.Counter
	connectionsRefused *prometheus.CounterVec

	// Matching
	waitingPeers    prometheus.Gauge
	matchesTotal    prometheus.Counter
	matchDeliveries *prometheus.CounterVec

	// Signaling
	signalsTotal    *prometheus.CounterVec
	messagesDropped *prometheus.CounterVec
}

// NewPrometheusCollector registers the relay metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "guffrelay_connections_active",
			Help: "Number of live WebSocket connections on this instance",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "guffrelay_connections_total",
			Help: "Total number of WebSocket connections accepted",
		}),

		connectionsRefused: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "guffrelay_connections_refused_total",
			Help: "Connection attempts refused before upgrade",
		}, []string{"reason"}),

		waitingPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "guffrelay_waiting_peers",
			Help: "Number of connections waiting in the pool for a partner",
		}),

		matchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "guffrelay_matches_total",
			Help: "Total number of pairs matched",
		}),

		matchDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "guffrelay_match_deliveries_total",
			Help: "Match events pushed to matched connections, by outcome. Cross-instance outcomes count hand-off to the owning instance",
		}, []string{"result"}),

		signalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "guffrelay_signals_total",
			Help: "Negotiation messages routed, by kind and outcome. Cross-instance outcomes count hand-off to the owning instance",
		}, []string{"signal_type", "result"}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "guffrelay_messages_dropped_total",
			Help: "Inbound messages dropped without routing",
		}, []string{"reason"}),
	}
}

var _ ports.RelayMetrics = (*PrometheusCollector)(nil)

func (p *PrometheusCollector) RecordMatch(results ...domain.DeliveryResult) {
	p.matchesTotal.Inc()
	for _, r := range results {
		p.matchDeliveries.WithLabelValues(r.String()).Inc()
	}
}

func (p *PrometheusCollector) RecordSignal(kind domain.SignalKind, result domain.DeliveryResult) {
	p.signalsTotal.WithLabelValues(kind.String(), result.String()).Inc()
}

func (p *PrometheusCollector) RecordDropped(reason string) {
	p.messagesDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) SetWaiting(n int) {
	p.waitingPeers.Set(float64(n))
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.connectionsActive.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.connectionsActive.Dec()
}

func (p *PrometheusCollector) ConnectionRefused(reason string) {
	p.connectionsRefused.WithLabelValues(reason).Inc()
}
