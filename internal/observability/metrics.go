package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects collaboration metrics.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.OperationApplied("remote")
type Metrics struct {
	// OperationsApplied counts operations emitted by the OT engine.
	// Labels: origin (local|remote)
	OperationsApplied *prometheus.CounterVec

	// OperationsDiscarded counts operations dropped by the engine.
	// Labels: reason (malformed|conflict|duplicate|queue_full)
	OperationsDiscarded *prometheus.CounterVec

	// Transforms counts pairwise rebases performed while draining.
	Transforms prometheus.Counter

	// QueueDepth is the number of operations waiting in the engine queue.
	QueueDepth prometheus.Gauge

	// Resyncs counts full-document resynchronisations.
	// Labels: trigger (reconnect|discards|apply|manual)
	Resyncs *prometheus.CounterVec

	// Participants is the size of the presence roster.
	Participants prometheus.Gauge

	// RelayConnections is the number of websocket clients on the relay.
	RelayConnections prometheus.Gauge

	// RelayMessages counts envelopes handled by the relay.
	// Labels: action (subscribe|unsubscribe|publish)
	RelayMessages *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// leaves them unregistered, which is what tests usually want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OperationsApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_operations_applied_total",
				Help: "Operations emitted by the OT engine by origin",
			},
			[]string{"origin"},
		),
		OperationsDiscarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_operations_discarded_total",
				Help: "Operations discarded by the OT engine by reason",
			},
			[]string{"reason"},
		),
		Transforms: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_transforms_total",
			Help: "Pairwise operation transforms performed",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collab_queue_depth",
			Help: "Operations waiting in the OT engine queue",
		}),
		Resyncs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_resyncs_total",
				Help: "Full document resynchronisations by trigger",
			},
			[]string{"trigger"},
		),
		Participants: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collab_participants",
			Help: "Participants in the current document session",
		}),
		RelayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collab_relay_connections",
			Help: "Websocket clients connected to the relay",
		}),
		RelayMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_relay_messages_total",
				Help: "Envelopes handled by the relay by action",
			},
			[]string{"action"},
		),
	}
}

// OperationApplied records an emitted operation.
func (m *Metrics) OperationApplied(origin string) {
	if m == nil {
		return
	}
	m.OperationsApplied.WithLabelValues(origin).Inc()
}

// OperationDiscarded records a dropped operation.
func (m *Metrics) OperationDiscarded(reason string) {
	if m == nil {
		return
	}
	m.OperationsDiscarded.WithLabelValues(reason).Inc()
}

// TransformPerformed records one rebase.
func (m *Metrics) TransformPerformed() {
	if m == nil {
		return
	}
	m.Transforms.Inc()
}

// SetQueueDepth records the engine queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// Resync records a resynchronisation.
func (m *Metrics) Resync(trigger string) {
	if m == nil {
		return
	}
	m.Resyncs.WithLabelValues(trigger).Inc()
}

// SetParticipants records the roster size.
func (m *Metrics) SetParticipants(n int) {
	if m == nil {
		return
	}
	m.Participants.Set(float64(n))
}
