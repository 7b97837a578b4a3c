package converter

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgelink-io/opcua-connector/pkg/gateway"
)

// Sections a binding can feed.
const (
	SectionAttributes = "attributes"
	SectionTimeseries = "timeseries"
)

// Binding identifies one converted value: which key it belongs to and whether
// it is a device attribute or a timeseries point.
type Binding struct {
	Key     string
	Section string
}

// Converter turns raw node values into a telemetry record. values[i] belongs
// to bindings[i]; nil values are skipped. A (nil, nil) return means the input
// produced no data.
type Converter interface {
	Convert(bindings []Binding, values []any) (*gateway.TelemetryRecord, error)
}

// Factory produces a converter instance bound to one device.
type Factory func(deviceName, deviceType string, log *zap.SugaredLogger) Converter

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a converter factory under a type identifier. Converter types
// are resolved once at device creation; there is no dynamic loading.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New instantiates a registered converter type for a device.
func New(name, deviceName, deviceType string, log *zap.SugaredLogger) (Converter, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("converter type %q is not registered", name)
	}
	return f(deviceName, deviceType, log), nil
}

func init() {
	Register("uplink", func(deviceName, deviceType string, log *zap.SugaredLogger) Converter {
		return &uplinkConverter{deviceName: deviceName, deviceType: deviceType, log: log}
	})
}

// uplinkConverter is the default converter: attributes become single-entry
// maps, timeseries values are grouped under one timestamp per Convert call.
type uplinkConverter struct {
	deviceName string
	deviceType string
	log        *zap.SugaredLogger

	now func() time.Time // test hook
}

func (c *uplinkConverter) Convert(bindings []Binding, values []any) (*gateway.TelemetryRecord, error) {
	if len(bindings) != len(values) {
		return nil, fmt.Errorf("converter for %s: %d bindings but %d values", c.deviceName, len(bindings), len(values))
	}

	record := &gateway.TelemetryRecord{
		DeviceName: c.deviceName,
		DeviceType: c.deviceType,
	}
	series := map[string]any{}

	for i, b := range bindings {
		v := values[i]
		if v == nil {
			continue
		}
		switch b.Section {
		case SectionAttributes:
			record.Attributes = append(record.Attributes, map[string]any{b.Key: v})
		case SectionTimeseries:
			series[b.Key] = v
		default:
			c.log.Warnf("Unknown section %q for key %s on device %s", b.Section, b.Key, c.deviceName)
		}
	}

	// Stable attribute order keeps records deterministic for tests and diffing.
	sort.Slice(record.Attributes, func(i, j int) bool {
		return firstKey(record.Attributes[i]) < firstKey(record.Attributes[j])
	})

	if len(series) > 0 {
		ts := time.Now()
		if c.now != nil {
			ts = c.now()
		}
		record.Telemetry = []gateway.TelemetryEntry{{TS: ts.UnixMilli(), Values: series}}
	}

	if record.Empty() {
		return nil, nil
	}
	return record, nil
}

func firstKey(m map[string]any) string {
	for k := range m {
		return k
	}
	return ""
}
