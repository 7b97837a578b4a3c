package connector

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"

	"github.com/edgelink-io/opcua-connector/pkg/config"
	"github.com/edgelink-io/opcua-connector/pkg/converter"
	"github.com/edgelink-io/opcua-connector/pkg/gateway"
	"github.com/edgelink-io/opcua-connector/pkg/metrics"
)

// literalNodeID matches binding paths that are direct node identifiers
// (e.g. "ns=2;i=42" or "ns=3;s=Temperature") rather than browse paths.
var literalNodeID = regexp.MustCompile(`^(ns=\d+;[isgb]=.+)$`)

// placeholderExpr extracts the node-path placeholder from a device name or
// profile expression, e.g. "Device ${Root\.Objects\.Plant\.serial}".
var placeholderExpr = regexp.MustCompile(`\$\{([A-Za-z.:\\\d]+)\}`)

// NodeBinding ties one telemetry key to a node in the address space. A
// binding starts unresolved and becomes Valid once the resolver has pinned
// it to a node id; binding-local errors reset it back to unresolved.
type NodeBinding struct {
	Key     string
	Section string
	Path    string

	QualifiedPath QualifiedPath
	NodeID        *ua.NodeID

	Valid           bool
	Subscribed      bool
	ClientHandle    uint32
	MonitoredItemID uint32
}

// Device is one discovered device instance: a subtree root plus the bindings
// and converters derived from its mapping template.
type Device struct {
	Name     string
	Type     string
	Path     QualifiedPath
	Template *config.MappingTemplate
	Bindings []*NodeBinding

	PollConverter converter.Converter
	PushConverter converter.Converter
}

// PathPattern renders the device path as an exact-match pattern usable as a
// prefix for relative binding paths.
func (d *Device) PathPattern() string {
	return strings.Join(d.Path, `\.`)
}

// Registry owns the device lifecycle: discovery on scan, binding resolution,
// and teardown of devices whose subtree disappeared from the server.
type Registry struct {
	cfg  *config.Config
	log  *zap.SugaredLogger
	emit func(*gateway.TelemetryRecord)

	session  Session
	resolver *Resolver
	subs     *SubscriptionManager

	devices map[string]*Device
	order   []string
}

func NewRegistry(cfg *config.Config, emit func(*gateway.TelemetryRecord), log *zap.SugaredLogger) *Registry {
	return &Registry{
		cfg:     cfg,
		log:     log,
		emit:    emit,
		devices: map[string]*Device{},
	}
}

// Attach binds the registry to a fresh session. Devices survive reconnects;
// their bindings do not and are re-resolved on the next scan.
func (r *Registry) Attach(session Session, resolver *Resolver, subs *SubscriptionManager) {
	r.session = session
	r.resolver = resolver
	r.subs = subs
	for _, d := range r.devices {
		for _, b := range d.Bindings {
			b.Valid = false
			b.Subscribed = false
			b.NodeID = nil
			b.MonitoredItemID = 0
		}
	}
}

// Devices returns the registered devices in stable name order.
func (r *Registry) Devices() []*Device {
	out := make([]*Device, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.devices[name])
	}
	return out
}

// Device looks up a registered device by name.
func (r *Registry) Device(name string) (*Device, bool) {
	d, ok := r.devices[name]
	return d, ok
}

// ScanResult reports what one scan cycle changed.
type ScanResult struct {
	Added   []string
	Removed []string
}

// Scan rediscovers devices from the mapping templates and (re)resolves all
// invalid bindings. Devices whose pattern no longer matches are torn down
// exactly once; returning errors are session-fatal only.
func (r *Registry) Scan(ctx context.Context) (ScanResult, error) {
	var result ScanResult
	seen := map[string]bool{}

	for i := range r.cfg.Mapping {
		tmpl := &r.cfg.Mapping[i]
		if err := r.scanTemplate(ctx, tmpl, seen, &result); err != nil {
			return result, err
		}
	}

	// Teardown pass: anything registered but no longer discovered.
	for _, name := range r.order {
		if seen[name] {
			continue
		}
		r.removeDevice(ctx, name)
		result.Removed = append(result.Removed, name)
	}
	r.order = r.order[:0]
	for name := range r.devices {
		r.order = append(r.order, name)
	}
	sort.Strings(r.order)

	for _, name := range r.order {
		if err := r.loadNodeBindings(ctx, r.devices[name]); err != nil {
			return result, err
		}
	}
	metrics.IncScanCycles(r.cfg.Name)
	return result, nil
}

func (r *Registry) scanTemplate(ctx context.Context, tmpl *config.MappingTemplate, seen map[string]bool, result *ScanResult) error {
	matches, err := r.resolver.Find(ctx, tmpl.DeviceNodePattern)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		r.log.Warnf("Device pattern %q matched no nodes", tmpl.DeviceNodePattern)
		return nil
	}

	names, err := r.deviceNames(ctx, tmpl, matches)
	if err != nil {
		return err
	}

	for i, m := range matches {
		name := names[i]
		if name == "" {
			continue
		}
		if seen[name] {
			r.log.Warnf("Duplicate device name %q from pattern %q, keeping the first match", name, tmpl.DeviceNodePattern)
			continue
		}
		seen[name] = true

		if existing, ok := r.devices[name]; ok {
			existing.Path = m.path
			continue
		}
		if err := r.addDevice(ctx, tmpl, name, m); err != nil {
			if isSessionError(err) {
				return err
			}
			r.log.Errorf("Failed to register device %q: %v", name, err)
			continue
		}
		result.Added = append(result.Added, name)
	}
	return nil
}

// deviceNames evaluates the name expression per matched device node. A
// placeholder is resolved against the address space; when the placeholder
// pattern yields exactly as many nodes as the device pattern the two result
// sets are zipped, otherwise the first value applies to every device.
func (r *Registry) deviceNames(ctx context.Context, tmpl *config.MappingTemplate, matches []resolved) ([]string, error) {
	expr := tmpl.DeviceInfo.DeviceNameExpression
	names := make([]string, len(matches))

	ph := placeholderExpr.FindStringSubmatch(expr)
	if ph == nil {
		for i, m := range matches {
			if expr != "" {
				names[i] = expr
			} else {
				names[i] = stripNamespace(m.path[len(m.path)-1])
			}
		}
		return names, nil
	}

	values, err := r.resolver.Find(ctx, ph[1])
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		r.log.Errorf("Device name expression %q resolved no nodes", expr)
		return names, nil
	}

	readName := func(i int, n Node) {
		v, err := n.ReadValue(ctx)
		if err != nil || v == nil {
			r.log.Warnf("Could not read device name node for %q: %v", expr, err)
			return
		}
		names[i] = strings.Replace(expr, ph[0], fmt.Sprint(v), 1)
	}

	if len(values) == len(matches) {
		for i := range matches {
			readName(i, values[i].node)
		}
		return names, nil
	}

	for i := range matches {
		readName(i, values[0].node)
	}
	return names, nil
}

func (r *Registry) addDevice(ctx context.Context, tmpl *config.MappingTemplate, name string, m resolved) error {
	profile, err := r.deviceProfile(ctx, tmpl)
	if err != nil {
		return err
	}

	dev := &Device{
		Name:     name,
		Type:     profile,
		Path:     m.path,
		Template: tmpl,
	}
	for _, kp := range tmpl.Attributes {
		dev.Bindings = append(dev.Bindings, &NodeBinding{Key: kp.Key, Section: converter.SectionAttributes, Path: kp.Path})
	}
	for _, kp := range tmpl.Timeseries {
		dev.Bindings = append(dev.Bindings, &NodeBinding{Key: kp.Key, Section: converter.SectionTimeseries, Path: kp.Path})
	}

	dev.PollConverter, err = converter.New(tmpl.Converter, name, profile, r.log)
	if err != nil {
		return err
	}
	dev.PushConverter, err = converter.New(tmpl.Converter, name, profile, r.log)
	if err != nil {
		return err
	}

	r.devices[name] = dev
	r.log.Infof("Registered device %q (profile %s) at %s", name, profile, dev.Path)
	return nil
}

func (r *Registry) deviceProfile(ctx context.Context, tmpl *config.MappingTemplate) (string, error) {
	expr := tmpl.DeviceInfo.DeviceProfileExpression
	ph := placeholderExpr.FindStringSubmatch(expr)
	if ph == nil {
		return expr, nil
	}
	m, err := r.resolver.FindOne(ctx, ph[1])
	if err != nil {
		if isSessionError(err) {
			return "", err
		}
		r.log.Warnf("Device profile expression %q did not resolve: %v", expr, err)
		return "default", nil
	}
	v, err := m.node.ReadValue(ctx)
	if err != nil || v == nil {
		return "default", nil
	}
	return strings.Replace(expr, ph[0], fmt.Sprint(v), 1), nil
}

func (r *Registry) removeDevice(ctx context.Context, name string) {
	dev, ok := r.devices[name]
	if !ok {
		return
	}
	for _, b := range dev.Bindings {
		if b.Subscribed && r.subs != nil {
			if err := r.subs.Unsubscribe(ctx, b); err != nil {
				r.log.Debugf("Unsubscribe during teardown of %q: %v", name, err)
			}
		}
	}
	if r.subs != nil {
		r.subs.DropIfIdle(ctx)
	}
	delete(r.devices, name)
	r.log.Infof("Removed device %q, its subtree no longer matches", name)
}

// loadNodeBindings resolves every invalid binding of the device. Binding
// failures log and leave the binding invalid; session errors abort the scan.
func (r *Registry) loadNodeBindings(ctx context.Context, dev *Device) error {
	for _, b := range dev.Bindings {
		if b.Valid {
			continue
		}
		if err := r.resolveBinding(ctx, dev, b); err != nil {
			if isSessionError(err) {
				return err
			}
			r.log.Warnf("Binding %s/%s did not resolve: %v", dev.Name, b.Key, err)
			continue
		}
		if r.cfg.Server.SubscriptionsEnabled() && !b.Subscribed {
			if err := r.subs.EnsureSubscribed(ctx, dev, b); err != nil {
				if isSessionError(err) {
					return err
				}
				r.log.Warnf("Could not subscribe %s/%s: %v", dev.Name, b.Key, err)
			}
		}
	}
	return nil
}

func (r *Registry) resolveBinding(ctx context.Context, dev *Device, b *NodeBinding) error {
	// Direct node identifiers bypass the browse-path search entirely.
	if m := literalNodeID.FindStringSubmatch(strings.TrimSpace(b.Path)); m != nil {
		nid, err := ua.ParseNodeID(m[1])
		if err != nil {
			return fmt.Errorf("invalid node id %q: %w", b.Path, err)
		}
		b.NodeID = nid
		b.Valid = true
		return nil
	}

	// Exact re-resolution from a previous session, falling back to the full
	// pattern search when the recorded path no longer holds.
	if len(b.QualifiedPath) > 0 {
		if node, err := r.resolver.Lookup(ctx, b.QualifiedPath); err == nil {
			b.NodeID = node.ID()
			b.Valid = true
			return nil
		} else if isSessionError(err) {
			return err
		}
		b.QualifiedPath = nil
	}

	pattern := b.Path
	segs := splitPattern(pattern)
	if len(segs) == 0 {
		return fmt.Errorf("empty binding path for key %q", b.Key)
	}
	if !strings.EqualFold(stripNamespace(segs[0]), "root") {
		pattern = dev.PathPattern() + `\.` + pattern
	}
	m, err := r.resolver.FindOne(ctx, pattern)
	if err != nil {
		return err
	}
	b.NodeID = m.node.ID()
	b.QualifiedPath = m.path
	b.Valid = true
	return nil
}

// ResetBinding invalidates a binding after a binding-local error so the next
// scan re-resolves it from scratch.
func (r *Registry) ResetBinding(dev *Device, b *NodeBinding) {
	b.Valid = false
	b.Subscribed = false
	b.NodeID = nil
	b.QualifiedPath = nil
	b.MonitoredItemID = 0
	metrics.IncBindingResets(r.cfg.Name)
	r.log.Debugf("Reset binding %s/%s", dev.Name, b.Key)
}

// PollOnce reads every valid binding of every device in one batched request
// and hands each device's slice of results to its poll converter.
func (r *Registry) PollOnce(ctx context.Context) error {
	type span struct {
		dev      *Device
		bindings []*NodeBinding
	}

	var ids []*ua.NodeID
	var spans []span
	for _, name := range r.order {
		dev := r.devices[name]
		s := span{dev: dev}
		for _, b := range dev.Bindings {
			if !b.Valid {
				continue
			}
			s.bindings = append(s.bindings, b)
			ids = append(ids, b.NodeID)
		}
		if len(s.bindings) > 0 {
			spans = append(spans, s)
		}
	}
	if len(ids) == 0 {
		r.log.Info("No nodes to poll")
		return nil
	}

	results, err := r.session.ReadValues(ctx, ids)
	if err != nil {
		return err
	}

	off := 0
	for _, s := range spans {
		bindings := make([]converter.Binding, 0, len(s.bindings))
		values := make([]any, 0, len(s.bindings))
		for _, b := range s.bindings {
			dv := results[off]
			off++
			if dv.Status != ua.StatusOK {
				if isBindingError(dv.Status) {
					r.ResetBinding(s.dev, b)
				}
				continue
			}
			var v any
			if dv.Value != nil {
				v = dv.Value.Value()
			}
			bindings = append(bindings, converter.Binding{Key: b.Key, Section: b.Section})
			values = append(values, v)
		}
		record, err := s.dev.PollConverter.Convert(bindings, values)
		if err != nil {
			r.log.Errorf("Converter failed for %s: %v", s.dev.Name, err)
			continue
		}
		if !record.Empty() {
			r.emit(record)
		}
	}
	metrics.IncPollCycles(r.cfg.Name)
	return nil
}
