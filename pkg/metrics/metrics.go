package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opcua_connector_messages_received_total",
			Help: "Telemetry records taken off the delivery queue",
		},
		[]string{"connector"},
	)

	messagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opcua_connector_messages_sent_total",
			Help: "Telemetry records forwarded to the gateway sink",
		},
		[]string{"connector"},
	)

	droppedTelemetry = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opcua_connector_dropped_telemetry_total",
			Help: "Telemetry records dropped by the overflow policy or dedup window",
		},
		[]string{"connector", "reason"},
	)

	pollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opcua_connector_poll_cycles_total",
			Help: "Completed poll cycles",
		},
		[]string{"connector"},
	)

	scanCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opcua_connector_scan_cycles_total",
			Help: "Completed device scan cycles",
		},
		[]string{"connector"},
	)

	reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opcua_connector_reconnects_total",
			Help: "Connection attempts after a lost or failed session",
		},
		[]string{"connector"},
	)

	bindingResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opcua_connector_binding_resets_total",
			Help: "Node bindings invalidated after a binding-local error",
		},
		[]string{"connector"},
	)

	rpcReplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opcua_connector_rpc_replies_total",
			Help: "RPC replies by status code",
		},
		[]string{"connector", "code"},
	)
)

func IncMessagesReceived(connector string) { messagesReceived.WithLabelValues(connector).Inc() }
func IncMessagesSent(connector string)     { messagesSent.WithLabelValues(connector).Inc() }
func IncPollCycles(connector string)       { pollCycles.WithLabelValues(connector).Inc() }
func IncScanCycles(connector string)       { scanCycles.WithLabelValues(connector).Inc() }
func IncReconnects(connector string)       { reconnects.WithLabelValues(connector).Inc() }
func IncBindingResets(connector string)    { bindingResets.WithLabelValues(connector).Inc() }

func IncDroppedTelemetry(connector, reason string) {
	droppedTelemetry.WithLabelValues(connector, reason).Inc()
}

func IncRPCReplies(connector, code string) {
	rpcReplies.WithLabelValues(connector, code).Inc()
}

// Reset clears all connector metrics (for testing).
func Reset() {
	messagesReceived.Reset()
	messagesSent.Reset()
	droppedTelemetry.Reset()
	pollCycles.Reset()
	scanCycles.Reset()
	reconnects.Reset()
	bindingResets.Reset()
	rpcReplies.Reset()
}
