package connector

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	json "github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/edgelink-io/opcua-connector/pkg/config"
	"github.com/edgelink-io/opcua-connector/pkg/gateway"
	"github.com/edgelink-io/opcua-connector/pkg/metrics"
)

const dedupWindowSize = 1024

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	MessagesReceived uint64
	MessagesSent     uint64
	Dropped          uint64
}

// Pipeline decouples acquisition from delivery: producers enqueue telemetry
// records, a single drain goroutine forwards them to the gateway sink. The
// queue is bounded; behavior on overflow is configurable.
type Pipeline struct {
	cfg           *config.PipelineConfig
	connectorName string
	connectorID   string
	sink          gateway.Sink
	log           *zap.SugaredLogger

	queue chan *gateway.TelemetryRecord
	dedup *lru.Cache // fingerprint -> struct{}

	received atomic.Uint64
	sent     atomic.Uint64
	dropped  atomic.Uint64

	drainOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewPipeline(cfg *config.PipelineConfig, connectorName, connectorID string, sink gateway.Sink, log *zap.SugaredLogger) *Pipeline {
	p := &Pipeline{
		cfg:           cfg,
		connectorName: connectorName,
		connectorID:   connectorID,
		sink:          sink,
		log:           log,
		queue:         make(chan *gateway.TelemetryRecord, cfg.QueueCapacity),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	if cfg.DeduplicateTelemetry {
		p.dedup, _ = lru.New(dedupWindowSize)
	}
	return p
}

// Enqueue accepts one record for delivery, applying the dedup window and the
// configured overflow policy. It never blocks unless the policy is "block".
func (p *Pipeline) Enqueue(record *gateway.TelemetryRecord) {
	if record.Empty() {
		return
	}

	if p.dedup != nil {
		fp, ok := fingerprint(record)
		if ok {
			if _, seen := p.dedup.Get(fp); seen {
				p.dropped.Add(1)
				metrics.IncDroppedTelemetry(p.connectorName, "duplicate")
				return
			}
			p.dedup.Add(fp, struct{}{})
		}
	}

	switch p.cfg.OverflowPolicy {
	case config.OverflowBlock:
		p.queue <- record
		p.received.Add(1)
		metrics.IncMessagesReceived(p.connectorName)

	case config.OverflowReject:
		select {
		case p.queue <- record:
			p.received.Add(1)
			metrics.IncMessagesReceived(p.connectorName)
		default:
			p.dropped.Add(1)
			metrics.IncDroppedTelemetry(p.connectorName, "overflow")
			p.log.Warnf("Delivery queue full, rejecting record for %s", record.DeviceName)
		}

	default: // dropOldest
		for {
			select {
			case p.queue <- record:
				p.received.Add(1)
				metrics.IncMessagesReceived(p.connectorName)
				return
			default:
			}
			select {
			case old := <-p.queue:
				p.dropped.Add(1)
				metrics.IncDroppedTelemetry(p.connectorName, "overflow")
				p.log.Warnf("Delivery queue full, dropping oldest record (device %s)", old.DeviceName)
			default:
			}
		}
	}
}

// Run drains the queue into the sink until ctx is cancelled or Stop is
// called, then flushes whatever is still queued.
func (p *Pipeline) Run(ctx context.Context) {
	p.drainOnce.Do(func() {
		defer close(p.done)
		for {
			select {
			case <-ctx.Done():
				p.flush()
				return
			case <-p.stop:
				p.flush()
				return
			case record := <-p.queue:
				p.deliver(record)
			}
		}
	})
}

// Stop shuts the drain loop down without requiring the run context to be
// cancelled. Queued records are still flushed.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Done is closed once Run has flushed and exited.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// StatsSnapshot returns the current counter values.
func (p *Pipeline) StatsSnapshot() Stats {
	return Stats{
		MessagesReceived: p.received.Load(),
		MessagesSent:     p.sent.Load(),
		Dropped:          p.dropped.Load(),
	}
}

func (p *Pipeline) flush() {
	for {
		select {
		case record := <-p.queue:
			p.deliver(record)
		default:
			return
		}
	}
}

func (p *Pipeline) deliver(record *gateway.TelemetryRecord) {
	p.sink.SendTelemetry(p.connectorName, p.connectorID, record)
	p.sent.Add(1)
	metrics.IncMessagesSent(p.connectorName)
}

// fingerprint hashes the record's canonical JSON form minus the timestamps,
// so repeated identical values within the window collapse to one delivery.
func fingerprint(record *gateway.TelemetryRecord) (uint64, bool) {
	shadow := struct {
		DeviceName string           `json:"deviceName"`
		Attributes []map[string]any `json:"attributes,omitempty"`
		Values     []map[string]any `json:"values,omitempty"`
	}{
		DeviceName: record.DeviceName,
		Attributes: record.Attributes,
	}
	for _, e := range record.Telemetry {
		shadow.Values = append(shadow.Values, e.Values)
	}
	b, err := json.Marshal(shadow)
	if err != nil {
		return 0, false
	}
	return xxhash.Sum64(b), true
}
