package gateway

import (
	"go.uber.org/zap"

	json "github.com/goccy/go-json"
)

// TelemetryEntry is one timestamped set of timeseries values.
type TelemetryEntry struct {
	TS     int64          `json:"ts"`
	Values map[string]any `json:"values"`
}

// TelemetryRecord is the unit of delivery to the gateway: one device's
// attribute and timeseries payload produced by a converter.
type TelemetryRecord struct {
	DeviceName string           `json:"deviceName"`
	DeviceType string           `json:"deviceType"`
	Attributes []map[string]any `json:"attributes,omitempty"`
	Telemetry  []TelemetryEntry `json:"telemetry,omitempty"`
}

// Empty reports whether the record carries no data points at all.
func (r *TelemetryRecord) Empty() bool {
	return r == nil || (len(r.Attributes) == 0 && len(r.Telemetry) == 0)
}

// Sink is the interface the enclosing gateway presents to connectors.
// Implementations must be safe for concurrent use.
type Sink interface {
	// SendTelemetry forwards a telemetry record for storage/upstream delivery.
	SendTelemetry(connectorName, connectorID string, record *TelemetryRecord)

	// SendRPCReply returns the outcome of an RPC request to the platform.
	// content carries either {<method>: <result>, "code": 200} or
	// {"error": <text>, "code": 4xx/5xx}.
	SendRPCReply(device string, requestID int64, content map[string]any)
}

// LogSink is a Sink that writes everything to the log. Used by the cmd harness
// and as a stand-in when the connector runs outside a full gateway.
type LogSink struct {
	log *zap.SugaredLogger
}

func NewLogSink(log *zap.SugaredLogger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) SendTelemetry(connectorName, connectorID string, record *TelemetryRecord) {
	b, err := json.Marshal(record)
	if err != nil {
		s.log.Errorf("Failed to encode telemetry record for %s: %v", record.DeviceName, err)
		return
	}
	s.log.Infof("[%s/%s] telemetry: %s", connectorName, connectorID, b)
}

func (s *LogSink) SendRPCReply(device string, requestID int64, content map[string]any) {
	b, err := json.Marshal(content)
	if err != nil {
		s.log.Errorf("Failed to encode RPC reply for %s: %v", device, err)
		return
	}
	s.log.Infof("RPC reply to %s (request %d): %s", device, requestID, b)
}
