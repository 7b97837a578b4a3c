package connector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/edgelink-io/opcua-connector/pkg/config"
	"github.com/edgelink-io/opcua-connector/pkg/gateway"
	"github.com/edgelink-io/opcua-connector/pkg/logger"
)

const (
	// Cooldown after a failed connect budget before trying again.
	reconnectCooldown = 5 * time.Second
	// Pause between serve iterations after a session ended.
	reconnectPause = 500 * time.Millisecond
	// How long Stop waits for the run loop before giving up.
	stopGracePeriod = 5 * time.Second

	opsQueueCapacity = 64
)

// Runtime is the per-session working set. It is rebuilt on every reconnect
// and published atomically so the dispatcher always sees a consistent view.
type Runtime struct {
	Session  Session
	Resolver *Resolver
	Registry *Registry
	Subs     *SubscriptionManager
}

// Connector is the long-running OPC UA connector: it owns the connection
// lifecycle, the acquisition cadences, the delivery pipeline, and the
// inbound command plane.
type Connector struct {
	cfg  *config.Config
	log  *zap.SugaredLogger
	sink gateway.Sink

	conn       *ConnectionManager
	registry   *Registry
	pipeline   *Pipeline
	dispatcher *CommandDispatcher

	ops     chan func(ctx context.Context)
	runtime atomic.Pointer[Runtime]

	stopOnce sync.Once
	stopped  atomic.Bool
	quit     chan struct{}
	runDone  chan struct{}
}

func New(cfg *config.Config, sink gateway.Sink) *Connector {
	c := &Connector{
		cfg:     cfg,
		log:     logger.For(logger.ComponentConnector),
		sink:    sink,
		ops:     make(chan func(ctx context.Context), opsQueueCapacity),
		quit:    make(chan struct{}),
		runDone: make(chan struct{}),
	}
	c.conn = NewConnectionManager(&cfg.Server, cfg.Name, logger.For(logger.ComponentConnection))
	c.pipeline = NewPipeline(&cfg.Pipeline, cfg.Name, cfg.ID, sink, logger.For(logger.ComponentPipeline))
	c.registry = NewRegistry(cfg, c.pipeline.Enqueue, logger.For(logger.ComponentRegistry))
	c.dispatcher = NewCommandDispatcher(cfg, sink, c.Runtime, c.schedule, logger.For(logger.ComponentDispatcher))
	return c
}

// Name returns the connector display name.
func (c *Connector) Name() string { return c.cfg.Name }

// ID returns the connector identifier.
func (c *Connector) ID() string { return c.cfg.ID }

// Type returns the connector type tag used in RPC method prefixes.
func (c *Connector) Type() string { return c.cfg.Type }

// IsConnected reports whether a session is currently established.
func (c *Connector) IsConnected() bool { return c.conn.State() == StateConnected }

// IsStopped reports whether Stop has been requested.
func (c *Connector) IsStopped() bool { return c.stopped.Load() }

// Dispatcher exposes the inbound command plane to the enclosing gateway.
func (c *Connector) Dispatcher() *CommandDispatcher { return c.dispatcher }

// Runtime returns the current per-session working set, nil while
// disconnected.
func (c *Connector) Runtime() *Runtime { return c.runtime.Load() }

// Stats returns the pipeline counters.
func (c *Connector) Stats() Stats { return c.pipeline.StatsSnapshot() }

// Run connects and serves until ctx is cancelled or Stop is called. Lost
// sessions reconnect forever; a failed connect budget pauses before the next
// round.
func (c *Connector) Run(ctx context.Context) {
	defer close(c.runDone)

	go c.pipeline.Run(ctx)
	c.log.Infof("Starting connector %s (%s)", c.cfg.Name, c.cfg.ID)

	for !c.shouldExit(ctx) {
		session, err := c.conn.Connect(ctx)
		if err != nil {
			if c.shouldExit(ctx) {
				break
			}
			c.log.Errorf("Connect failed, retrying in %s: %v", reconnectCooldown, err)
			c.sleep(ctx, reconnectCooldown)
			continue
		}

		err = c.serve(ctx, session)
		c.conn.ConnectionLost(ctx)
		c.conn.DisconnectIfConnected(ctx, session)
		if err != nil {
			c.log.Warnf("Session ended: %v", err)
		}
		c.sleep(ctx, reconnectPause)
	}

	c.conn.FinishStop(ctx)
	c.log.Infof("Connector %s stopped", c.cfg.Name)
}

// serve drives one session: scans and polls on their deadlines, drains
// subscription notifications, and executes bridged commands, all on this
// single goroutine. A returned error means the session is unusable.
func (c *Connector) serve(ctx context.Context, session Session) error {
	resolver := NewResolver(session, logger.For(logger.ComponentResolver))
	subs := NewSubscriptionManager(&c.cfg.Server, session, logger.For(logger.ComponentSubscription))
	c.registry.Attach(session, resolver, subs)

	rt := &Runtime{Session: session, Resolver: resolver, Registry: c.registry, Subs: subs}
	c.runtime.Store(rt)
	defer c.runtime.Store(nil)

	sched := NewScheduler(c.cfg.Server.PollPeriod(), c.cfg.Server.ScanPeriod())

	for {
		if c.shouldExit(ctx) {
			return nil
		}

		if sched.ScanDue() {
			result, err := c.registry.Scan(ctx)
			if err != nil {
				return err
			}
			if len(result.Added) > 0 || len(result.Removed) > 0 {
				c.log.Infof("Scan added %d and removed %d devices", len(result.Added), len(result.Removed))
			}
			sched.MarkScan()
		}
		if sched.PollDue() {
			if err := c.registry.PollOnce(ctx); err != nil {
				if isSessionError(err) {
					return err
				}
				c.log.Warnf("Poll cycle failed: %v", err)
			}
			sched.MarkPoll()
		}

		timer := time.NewTimer(sched.NextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-c.quit:
			timer.Stop()
			return nil
		case op := <-c.ops:
			timer.Stop()
			op(ctx)
		case n := <-subs.Notify():
			timer.Stop()
			subs.HandleNotification(n, c.pipeline.Enqueue, c.registry.ResetBinding)
		case <-timer.C:
		}
	}
}

// Stop shuts the connector down, waiting up to the grace period for the run
// loop to exit. Pending commands fail fast.
func (c *Connector) Stop(ctx context.Context) {
	c.stopOnce.Do(func() {
		c.log.Infof("Stopping connector %s", c.cfg.Name)
		c.stopped.Store(true)
		c.conn.BeginStop(ctx)
		c.dispatcher.Stop()
		close(c.quit)
		c.pipeline.Stop()

		select {
		case <-c.runDone:
		case <-time.After(stopGracePeriod):
			c.log.Error("Run loop did not stop within the grace period")
		case <-ctx.Done():
		}
		select {
		case <-c.pipeline.Done():
		case <-time.After(stopGracePeriod):
			c.log.Error("Pipeline did not flush within the grace period")
		case <-ctx.Done():
		}
	})
}

// schedule enqueues a command for execution on the protocol goroutine.
func (c *Connector) schedule(op func(ctx context.Context)) error {
	if c.stopped.Load() {
		return errDispatcherStopped
	}
	select {
	case c.ops <- op:
		return nil
	default:
		return errors.New("command queue is full")
	}
}

func (c *Connector) shouldExit(ctx context.Context) bool {
	return c.stopped.Load() || ctx.Err() != nil
}

func (c *Connector) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-c.quit:
	case <-t.C:
	}
}
