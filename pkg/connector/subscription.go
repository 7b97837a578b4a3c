package connector

import (
	"context"
	"sync"

	gopcua "github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"

	"github.com/edgelink-io/opcua-connector/pkg/config"
	"github.com/edgelink-io/opcua-connector/pkg/converter"
	"github.com/edgelink-io/opcua-connector/pkg/gateway"
)

// subscriptionTarget is the reverse lookup from a client handle to the
// binding a data change notification belongs to.
type subscriptionTarget struct {
	dev     *Device
	binding *NodeBinding
}

// SubscriptionManager multiplexes every subscribed binding over one shared
// server-side subscription, created lazily on first use and dropped when the
// last monitored item goes away.
type SubscriptionManager struct {
	cfg     *config.ServerConfig
	session Session
	log     *zap.SugaredLogger
	notify  chan *gopcua.PublishNotificationData

	mu         sync.RWMutex
	sub        Subscription
	nextHandle uint32
	targets    map[uint32]subscriptionTarget
}

func NewSubscriptionManager(cfg *config.ServerConfig, session Session, log *zap.SugaredLogger) *SubscriptionManager {
	return &SubscriptionManager{
		cfg:     cfg,
		session: session,
		log:     log,
		notify:  make(chan *gopcua.PublishNotificationData, 64),
		targets: map[uint32]subscriptionTarget{},
	}
}

// Notify exposes the publish channel for the session drain loop.
func (m *SubscriptionManager) Notify() <-chan *gopcua.PublishNotificationData {
	return m.notify
}

// EnsureSubscribed registers a monitored item for the binding, creating the
// shared subscription on first use.
func (m *SubscriptionManager) EnsureSubscribed(ctx context.Context, dev *Device, b *NodeBinding) error {
	if b.Subscribed {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sub == nil {
		sub, err := m.session.Subscribe(ctx, m.cfg.SubscriptionInterval(), m.notify)
		if err != nil {
			return err
		}
		m.sub = sub
		m.log.Debugf("Created shared subscription at %s interval", m.cfg.SubscriptionInterval())
	}

	m.nextHandle++
	handle := m.nextHandle

	itemID, err := m.sub.MonitorValue(ctx, b.NodeID, handle)
	if err != nil {
		return err
	}

	b.ClientHandle = handle
	b.MonitoredItemID = itemID
	b.Subscribed = true
	m.targets[handle] = subscriptionTarget{dev: dev, binding: b}
	return nil
}

// Unsubscribe removes the binding's monitored item and its handle mapping.
func (m *SubscriptionManager) Unsubscribe(ctx context.Context, b *NodeBinding) error {
	if !b.Subscribed {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.targets, b.ClientHandle)
	itemID := b.MonitoredItemID
	b.Subscribed = false
	b.ClientHandle = 0
	b.MonitoredItemID = 0

	if m.sub == nil {
		return nil
	}
	return m.sub.Unmonitor(ctx, itemID)
}

// DropIfIdle cancels the shared subscription once no monitored items remain.
func (m *SubscriptionManager) DropIfIdle(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sub == nil || len(m.targets) > 0 {
		return
	}
	if err := m.sub.Cancel(ctx); err != nil {
		m.log.Debugf("Cancelling idle subscription: %v", err)
	}
	m.sub = nil
}

// Lookup resolves a client handle to its device and binding.
func (m *SubscriptionManager) Lookup(handle uint32) (*Device, *NodeBinding, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.targets[handle]
	return t.dev, t.binding, ok
}

// HandleNotification converts one publish notification into telemetry
// records, one per device that contributed data changes. Unknown handles and
// bad-status items are dropped; bad-status items additionally reset their
// binding through reset.
func (m *SubscriptionManager) HandleNotification(
	n *gopcua.PublishNotificationData,
	emit func(*gateway.TelemetryRecord),
	reset func(*Device, *NodeBinding),
) {
	if n == nil {
		return
	}
	if n.Error != nil {
		m.log.Debugf("Publish notification error: %v", n.Error)
		return
	}

	dcn, ok := n.Value.(*ua.DataChangeNotification)
	if !ok {
		return
	}

	type group struct {
		dev      *Device
		bindings []converter.Binding
		values   []any
	}
	groups := map[string]*group{}
	var order []string

	for _, item := range dcn.MonitoredItems {
		dev, b, ok := m.Lookup(item.ClientHandle)
		if !ok {
			m.log.Debugf("Data change for unknown handle %d", item.ClientHandle)
			continue
		}
		dv := item.Value
		if dv == nil {
			continue
		}
		if dv.Status != ua.StatusOK {
			if isBindingError(dv.Status) {
				reset(dev, b)
			}
			continue
		}
		var v any
		if dv.Value != nil {
			v = dv.Value.Value()
		}
		g, ok := groups[dev.Name]
		if !ok {
			g = &group{dev: dev}
			groups[dev.Name] = g
			order = append(order, dev.Name)
		}
		g.bindings = append(g.bindings, converter.Binding{Key: b.Key, Section: b.Section})
		g.values = append(g.values, v)
	}

	for _, name := range order {
		g := groups[name]
		record, err := g.dev.PushConverter.Convert(g.bindings, g.values)
		if err != nil {
			m.log.Errorf("Converter failed for %s: %v", name, err)
			continue
		}
		if !record.Empty() {
			emit(record)
		}
	}
}
