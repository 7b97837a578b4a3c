package connector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/edgelink-io/opcua-connector/pkg/config"
	"github.com/edgelink-io/opcua-connector/pkg/gateway"
	"github.com/edgelink-io/opcua-connector/pkg/metrics"
)

var (
	errDispatcherStopped = errors.New("dispatcher is stopped")
	errDeviceNotFound    = errors.New("device not found")
	errMethodNotFound    = errors.New("method not found")
)

// PendingRequest is the future for one command bridged onto the protocol
// goroutine. Await blocks until the operation completes, the context ends,
// or the timeout fires.
type PendingRequest struct {
	done   chan struct{}
	result map[string]any
	err    error
}

func newPendingRequest() *PendingRequest {
	return &PendingRequest{done: make(chan struct{})}
}

func (p *PendingRequest) complete(result map[string]any, err error) {
	p.result = result
	p.err = err
	close(p.done)
}

// Await waits for the request to finish. A timeout does not cancel the
// underlying operation; it only stops waiting for it.
func (p *PendingRequest) Await(ctx context.Context, timeout time.Duration) (map[string]any, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return p.result, p.err
	case <-t.C:
		return nil, fmt.Errorf("command timed out after %s", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CommandDispatcher handles the inbound control plane: shared attribute
// updates and server-side RPC requests coming from the gateway. All protocol
// work is bridged onto the connector's protocol goroutine via schedule.
type CommandDispatcher struct {
	cfg      *config.Config
	log      *zap.SugaredLogger
	sink     gateway.Sink
	runtime  func() *Runtime
	schedule func(op func(ctx context.Context)) error

	mu      sync.Mutex
	pending map[*PendingRequest]struct{}
	stopped bool
}

func NewCommandDispatcher(
	cfg *config.Config,
	sink gateway.Sink,
	runtime func() *Runtime,
	schedule func(op func(ctx context.Context)) error,
	log *zap.SugaredLogger,
) *CommandDispatcher {
	return &CommandDispatcher{
		cfg:      cfg,
		log:      log,
		sink:     sink,
		runtime:  runtime,
		schedule: schedule,
		pending:  map[*PendingRequest]struct{}{},
	}
}

// Stop fails all pending requests and rejects new ones.
func (d *CommandDispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for p := range d.pending {
		p.complete(nil, errDispatcherStopped)
	}
	d.pending = map[*PendingRequest]struct{}{}
}

// submit bridges an operation onto the protocol goroutine and returns its
// future. Failures to schedule complete the future immediately.
func (d *CommandDispatcher) submit(op func(ctx context.Context) (map[string]any, error)) *PendingRequest {
	p := newPendingRequest()

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		p.complete(nil, errDispatcherStopped)
		return p
	}
	d.pending[p] = struct{}{}
	d.mu.Unlock()

	err := d.schedule(func(ctx context.Context) {
		result, err := op(ctx)
		d.mu.Lock()
		delete(d.pending, p)
		done := d.stopped
		d.mu.Unlock()
		if !done {
			p.complete(result, err)
		}
	})
	if err != nil {
		d.mu.Lock()
		delete(d.pending, p)
		d.mu.Unlock()
		p.complete(nil, err)
	}
	return p
}

// OnAttributeUpdate applies shared attribute changes to the mapped nodes.
// The device and rule lookups run inside the bridged operation so registry
// state is only touched on the protocol goroutine. Keys without a configured
// mapping and failed writes are logged and dropped; there is no reply channel
// for attribute updates.
func (d *CommandDispatcher) OnAttributeUpdate(ctx context.Context, device string, data map[string]any) {
	p := d.submit(func(ctx context.Context) (map[string]any, error) {
		rt := d.runtime()
		if rt == nil {
			return nil, errors.New("not connected")
		}
		dev, ok := rt.Registry.Device(device)
		if !ok {
			return nil, fmt.Errorf("unknown device %q", device)
		}
		for key, value := range data {
			rule, ok := attributeRule(dev.Template, key)
			if !ok {
				d.log.Warnf("No attribute mapping for %s/%s", device, key)
				continue
			}
			node, err := d.resolveDevicePath(ctx, rt, dev, rule.Value)
			if err != nil {
				d.log.Errorf("Attribute update %s/%s did not resolve: %v", device, key, err)
				continue
			}
			if err := rt.Session.WriteValue(ctx, node.ID(), value); err != nil {
				d.log.Errorf("Attribute update %s/%s failed: %v", device, key, err)
			}
		}
		return nil, nil
	})
	go func() {
		if _, err := p.Await(ctx, d.cfg.Server.RPCTimeout()); err != nil {
			d.log.Errorf("Attribute update for %q failed: %v", device, err)
		}
	}()
}

// OnServerRPC handles one RPC request from the platform. The payload carries
// the target device (optional), the method name, its parameters, and the
// request id used to correlate the reply.
func (d *CommandDispatcher) OnServerRPC(ctx context.Context, content []byte) {
	parsed := gjson.ParseBytes(content)

	data := parsed.Get("data")
	if !data.Exists() {
		data = parsed
	}
	device := parsed.Get("device").String()
	method := data.Get("method").String()
	params := data.Get("params")
	requestID := data.Get("id").Int()
	paramsStr := params.String()

	// Connector-scoped form: "<type>_get" / "<type>_set" addresses a node
	// directly, carrying the device in a leading "device=<name>" segment of
	// the params string.
	if prefix, action, ok := strings.Cut(method, "_"); ok && prefix == d.cfg.Type && (action == "get" || action == "set") {
		method = action
		if first, rest, ok := strings.Cut(paramsStr, ";"); ok && strings.HasPrefix(first, "device=") {
			if device == "" {
				device = strings.TrimPrefix(first, "device=")
			}
			paramsStr = rest
		}
	}

	if device == "" {
		d.broadcastRPC(ctx, method, params, requestID)
		return
	}

	switch method {
	case "get", "set":
		d.handleGetSet(ctx, device, method, paramsStr, requestID)
	default:
		d.handleDeviceMethod(ctx, device, method, params, requestID)
	}
}

// handleGetSet reads or writes a node addressed by the params string. The
// arguments are semicolon separated; node identifiers containing "ns=" are
// reassembled since splitting cuts through them.
func (d *CommandDispatcher) handleGetSet(ctx context.Context, device, method, params string, requestID int64) {
	argsList := strings.Split(params, ";")
	if len(argsList) < 2 {
		d.reply(device, requestID, map[string]any{
			method: "Not enough arguments. Expected min 2.",
			"code": 400,
		})
		return
	}

	var fullPath string
	if strings.Contains(params, "ns=") {
		parts := argsList
		if method == "set" {
			parts = argsList[:len(argsList)-1]
		}
		fullPath = strings.Join(parts, ";")
	} else {
		kv := strings.Split(argsList[0], "=")
		fullPath = kv[len(kv)-1]
	}

	p := d.submit(func(ctx context.Context) (map[string]any, error) {
		rt := d.runtime()
		if rt == nil {
			return nil, errors.New("not connected")
		}
		node, err := d.resolveAddress(ctx, rt, fullPath)
		if err != nil {
			return nil, err
		}
		if method == "get" {
			v, err := node.ReadValue(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"value": v}, nil
		}
		last := argsList[len(argsList)-1]
		kv := strings.Split(last, "=")
		value := coerceScalar(kv[len(kv)-1])
		return nil, rt.Session.WriteValue(ctx, node.ID(), value)
	})

	result, err := p.Await(ctx, d.cfg.Server.RPCTimeout())
	if err != nil {
		d.reply(device, requestID, map[string]any{"error": err.Error(), "code": 500})
		return
	}
	content := map[string]any{"code": 200}
	if result != nil {
		content[method] = result
	} else {
		content[method] = "ok"
	}
	d.reply(device, requestID, content)
}

// handleDeviceMethod invokes a server-side method declared in the device's
// template. Arguments come from the request params when present, otherwise
// from the template defaults. The device lookup happens inside the bridged
// operation, on the protocol goroutine.
func (d *CommandDispatcher) handleDeviceMethod(ctx context.Context, device, method string, params gjson.Result, requestID int64) {
	p := d.submit(func(ctx context.Context) (map[string]any, error) {
		rt := d.runtime()
		if rt == nil {
			return nil, errors.New("not connected")
		}
		dev, ok := rt.Registry.Device(device)
		if !ok {
			return nil, errDeviceNotFound
		}
		rpc, ok := rpcRule(dev.Template, method)
		if !ok {
			return nil, errMethodNotFound
		}
		return d.callDeviceMethod(ctx, dev, method, rpcArguments(params, rpc.Arguments))
	})

	result, err := p.Await(ctx, d.cfg.Server.RPCTimeout())
	switch {
	case errors.Is(err, errDeviceNotFound):
		d.reply(device, requestID, map[string]any{"error": fmt.Sprintf("%s - Device not found", device), "code": 404})
	case errors.Is(err, errMethodNotFound):
		d.reply(device, requestID, map[string]any{"error": fmt.Sprintf("%s - Method not found", method), "code": 404})
	case err != nil:
		d.reply(device, requestID, map[string]any{"error": err.Error(), "code": 500})
	default:
		d.reply(device, requestID, map[string]any{method: result["result"], "code": 200})
	}
}

// broadcastRPC fans a method call out to every registered device. The whole
// fan-out runs as one bridged operation so the device snapshot is taken on
// the protocol goroutine; each device gets its own reply as the calls
// complete.
func (d *CommandDispatcher) broadcastRPC(ctx context.Context, method string, params gjson.Result, requestID int64) {
	p := d.submit(func(ctx context.Context) (map[string]any, error) {
		rt := d.runtime()
		if rt == nil {
			return nil, errors.New("not connected")
		}
		args := rpcArguments(params, nil)
		for _, dev := range rt.Registry.Devices() {
			result, err := d.callDeviceMethod(ctx, dev, method, args)
			if err != nil {
				d.reply(dev.Name, requestID, map[string]any{"error": err.Error(), "code": 500})
				continue
			}
			d.reply(dev.Name, requestID, map[string]any{method: result["result"], "code": 200})
		}
		return nil, nil
	})
	if _, err := p.Await(ctx, d.cfg.Server.RPCTimeout()); err != nil {
		d.log.Errorf("RPC %q failed: %v", method, err)
	}
}

// callDeviceMethod locates the method node among the device root's children
// by browse name and invokes it.
func (d *CommandDispatcher) callDeviceMethod(ctx context.Context, dev *Device, method string, args []any) (map[string]any, error) {
	rt := d.runtime()
	if rt == nil {
		return nil, errors.New("not connected")
	}

	deviceNode, err := rt.Resolver.Lookup(ctx, dev.Path)
	if err != nil {
		return nil, fmt.Errorf("device subtree %s: %w", dev.Path, err)
	}

	children, err := deviceNode.Children(ctx)
	if err != nil {
		return nil, err
	}
	var methodID *ua.NodeID
	for _, child := range children {
		bn, err := child.BrowseName(ctx)
		if err != nil {
			continue
		}
		if bn.Name == method {
			methodID = child.ID()
			break
		}
	}
	if methodID == nil {
		return nil, fmt.Errorf("method node %q not found under %s", method, dev.Path)
	}

	out, err := rt.Session.CallMethod(ctx, deviceNode.ID(), methodID, args)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": out}, nil
}

// resolveAddress resolves either a literal node id or a browse path pattern.
func (d *CommandDispatcher) resolveAddress(ctx context.Context, rt *Runtime, address string) (Node, error) {
	if m := literalNodeID.FindStringSubmatch(strings.TrimSpace(address)); m != nil {
		nid, err := ua.ParseNodeID(m[1])
		if err != nil {
			return nil, fmt.Errorf("invalid node id %q: %w", address, err)
		}
		return rt.Session.Node(nid), nil
	}
	match, err := rt.Resolver.FindOne(ctx, address)
	if err != nil {
		return nil, err
	}
	return match.node, nil
}

// resolveDevicePath resolves a path relative to the device subtree root
// unless it is absolute or a literal node id.
func (d *CommandDispatcher) resolveDevicePath(ctx context.Context, rt *Runtime, dev *Device, path string) (Node, error) {
	if literalNodeID.MatchString(strings.TrimSpace(path)) {
		return d.resolveAddress(ctx, rt, path)
	}
	segs := splitPattern(path)
	if len(segs) > 0 && strings.EqualFold(stripNamespace(segs[0]), "root") {
		return d.resolveAddress(ctx, rt, path)
	}
	match, err := rt.Resolver.FindOne(ctx, dev.PathPattern()+`\.`+path)
	if err != nil {
		return nil, err
	}
	return match.node, nil
}

func (d *CommandDispatcher) reply(device string, requestID int64, content map[string]any) {
	code := "0"
	if c, ok := content["code"].(int); ok {
		code = strconv.Itoa(c)
	}
	metrics.IncRPCReplies(d.cfg.Name, code)
	d.sink.SendRPCReply(device, requestID, content)
}

func attributeRule(tmpl *config.MappingTemplate, key string) (config.AttributeUpdate, bool) {
	for _, r := range tmpl.AttributeUpdates {
		if r.Key == key {
			return r, true
		}
	}
	return config.AttributeUpdate{}, false
}

func rpcRule(tmpl *config.MappingTemplate, method string) (config.RPCMethod, bool) {
	for _, r := range tmpl.RPCMethods {
		if r.Method == method {
			return r, true
		}
	}
	return config.RPCMethod{}, false
}

// rpcArguments extracts positional arguments from the request params,
// falling back to the template defaults.
func rpcArguments(params gjson.Result, defaults []any) []any {
	switch {
	case params.IsArray():
		var out []any
		for _, v := range params.Array() {
			out = append(out, v.Value())
		}
		return out
	case params.IsObject():
		return rpcArguments(params.Get("arguments"), defaults)
	case params.Exists() && params.Type != gjson.Null:
		return []any{params.Value()}
	default:
		return defaults
	}
}

// coerceScalar interprets a textual value as bool, int, or float when it
// parses as one, keeping the raw string otherwise.
func coerceScalar(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
