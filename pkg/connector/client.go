package connector

import (
	"context"
	"fmt"
	"time"

	gopcua "github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
)

// Node is one addressable element of the server's hierarchical namespace.
type Node interface {
	// ID returns the node identifier.
	ID() *ua.NodeID

	// BrowseName retrieves the browse name of the node.
	BrowseName(ctx context.Context) (*ua.QualifiedName, error)

	// Children returns the hierarchically referenced child nodes.
	Children(ctx context.Context) ([]Node, error)

	// ReadValue reads the current value attribute of the node.
	ReadValue(ctx context.Context) (any, error)
}

// Subscription multiplexes monitored items over one server-side subscription.
type Subscription interface {
	// MonitorValue registers a monitored item for the node's value attribute
	// and returns the server-assigned monitored item id.
	MonitorValue(ctx context.Context, nodeID *ua.NodeID, clientHandle uint32) (uint32, error)

	// Unmonitor removes a previously registered monitored item.
	Unmonitor(ctx context.Context, monitoredItemID uint32) error

	// Cancel deletes the subscription on the server.
	Cancel(ctx context.Context) error
}

// Session is the protocol capability the connector orchestrates. The gopcua
// client satisfies it through wrapSession; tests provide fakes.
type Session interface {
	// Close terminates the underlying secure channel and session.
	Close(ctx context.Context) error

	// Root returns the address-space root folder.
	Root() Node

	// Node returns a handle for an arbitrary node id.
	Node(id *ua.NodeID) Node

	// ReadValues issues one batched read; results are returned in request
	// order, one DataValue per requested node.
	ReadValues(ctx context.Context, ids []*ua.NodeID) ([]*ua.DataValue, error)

	// WriteValue writes the value attribute of a single node.
	WriteValue(ctx context.Context, id *ua.NodeID, value any) error

	// Subscribe creates a server-side subscription publishing into notify.
	Subscribe(ctx context.Context, interval time.Duration, notify chan *gopcua.PublishNotificationData) (Subscription, error)

	// CallMethod invokes a server-side method with positional arguments.
	CallMethod(ctx context.Context, objectID, methodID *ua.NodeID, args []any) (any, error)
}

// wrapSession adapts a connected gopcua client to the Session interface.
func wrapSession(c *gopcua.Client) Session {
	return &uaSession{c: c}
}

type uaSession struct {
	c *gopcua.Client
}

func (s *uaSession) Close(ctx context.Context) error {
	return s.c.Close(ctx)
}

func (s *uaSession) Root() Node {
	return &uaNode{n: s.c.Node(ua.NewNumericNodeID(0, id.RootFolder))}
}

func (s *uaSession) Node(nid *ua.NodeID) Node {
	return &uaNode{n: s.c.Node(nid)}
}

func (s *uaSession) ReadValues(ctx context.Context, ids []*ua.NodeID) ([]*ua.DataValue, error) {
	nodesToRead := make([]*ua.ReadValueID, 0, len(ids))
	for _, nid := range ids {
		nodesToRead = append(nodesToRead, &ua.ReadValueID{
			NodeID:      nid,
			AttributeID: ua.AttributeIDValue,
		})
	}

	req := &ua.ReadRequest{
		MaxAge:             2000,
		NodesToRead:        nodesToRead,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	}

	resp, err := s.c.Read(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Results == nil {
		return nil, fmt.Errorf("read returned an empty response")
	}
	if len(resp.Results) != len(ids) {
		return nil, fmt.Errorf("read returned %d results for %d nodes", len(resp.Results), len(ids))
	}
	return resp.Results, nil
}

func (s *uaSession) WriteValue(ctx context.Context, nid *ua.NodeID, value any) error {
	variant, err := ua.NewVariant(value)
	if err != nil {
		return fmt.Errorf("value %v is not encodable: %w", value, err)
	}

	req := &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{
			{
				NodeID:      nid,
				AttributeID: ua.AttributeIDValue,
				Value: &ua.DataValue{
					EncodingMask: ua.DataValueValue,
					Value:        variant,
				},
			},
		},
	}

	resp, err := s.c.Write(ctx, req)
	if err != nil {
		return err
	}
	if len(resp.Results) == 0 {
		return fmt.Errorf("write returned no results")
	}
	if resp.Results[0] != ua.StatusOK {
		return resp.Results[0]
	}
	return nil
}

func (s *uaSession) Subscribe(ctx context.Context, interval time.Duration, notify chan *gopcua.PublishNotificationData) (Subscription, error) {
	sub, err := s.c.Subscribe(ctx, &gopcua.SubscriptionParameters{
		Interval: interval,
	}, notify)
	if err != nil {
		return nil, err
	}
	return &uaSubscription{sub: sub}, nil
}

func (s *uaSession) CallMethod(ctx context.Context, objectID, methodID *ua.NodeID, args []any) (any, error) {
	inputs := make([]*ua.Variant, 0, len(args))
	for _, a := range args {
		v, err := ua.NewVariant(a)
		if err != nil {
			return nil, fmt.Errorf("argument %v is not encodable: %w", a, err)
		}
		inputs = append(inputs, v)
	}

	req := &ua.CallMethodRequest{
		ObjectID:       objectID,
		MethodID:       methodID,
		InputArguments: inputs,
	}

	res, err := s.c.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != ua.StatusOK {
		return nil, res.StatusCode
	}

	outs := make([]any, 0, len(res.OutputArguments))
	for _, v := range res.OutputArguments {
		if v == nil {
			outs = append(outs, nil)
			continue
		}
		outs = append(outs, v.Value())
	}
	if len(outs) == 1 {
		return outs[0], nil
	}
	return outs, nil
}

type uaSubscription struct {
	sub *gopcua.Subscription
}

func (s *uaSubscription) MonitorValue(ctx context.Context, nodeID *ua.NodeID, clientHandle uint32) (uint32, error) {
	req := gopcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, clientHandle)

	res, err := s.sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
	if err != nil {
		return 0, err
	}
	if len(res.Results) == 0 {
		return 0, fmt.Errorf("monitor returned no results for %s", nodeID)
	}
	if res.Results[0].StatusCode != ua.StatusOK {
		return 0, res.Results[0].StatusCode
	}
	return res.Results[0].MonitoredItemID, nil
}

func (s *uaSubscription) Unmonitor(ctx context.Context, monitoredItemID uint32) error {
	resp, err := s.sub.Unmonitor(ctx, monitoredItemID)
	if err != nil {
		return err
	}
	if resp != nil && len(resp.Results) > 0 && resp.Results[0] != ua.StatusOK {
		return resp.Results[0]
	}
	return nil
}

func (s *uaSubscription) Cancel(ctx context.Context) error {
	return s.sub.Cancel(ctx)
}

type uaNode struct {
	n *gopcua.Node
}

func (w *uaNode) ID() *ua.NodeID {
	return w.n.ID
}

func (w *uaNode) BrowseName(ctx context.Context) (*ua.QualifiedName, error) {
	return w.n.BrowseName(ctx)
}

func (w *uaNode) Children(ctx context.Context) ([]Node, error) {
	refs, err := w.n.ReferencedNodes(ctx, id.HierarchicalReferences, ua.BrowseDirectionForward, ua.NodeClassAll, true)
	if err != nil {
		return nil, err
	}
	children := make([]Node, 0, len(refs))
	for _, r := range refs {
		children = append(children, &uaNode{n: r})
	}
	return children, nil
}

func (w *uaNode) ReadValue(ctx context.Context) (any, error) {
	attrs, err := w.n.Attributes(ctx, ua.AttributeIDValue)
	if err != nil {
		return nil, err
	}
	if len(attrs) == 0 || attrs[0] == nil {
		return nil, ua.StatusBadWaitingForInitialData
	}
	if attrs[0].Status != ua.StatusOK {
		return nil, attrs[0].Status
	}
	if attrs[0].Value == nil {
		return nil, ua.StatusBadWaitingForInitialData
	}
	return attrs[0].Value.Value(), nil
}
