package amqpx

import (
	"context"
	"crypto/tls"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.bryk.io/pkg/errors"
	xlog "go.bryk.io/pkg/log"
)

// Connection is a logical AMQP connection: a stable identity applications
// hold on to while the transport underneath may be dialed, lost and redialed
// any number of times. Every LogicalChannel opened through it, and every
// exchange/queue/binding/consumer declared through those channels, survives
// transport loss: the connection's Ledger is replayed and its channels are
// re-attached automatically in the background.
type Connection struct {
	opts options

	resolver EndpointResolver
	log      xlog.Logger
	events   *eventBus
	ledger   *Ledger
	registry *channelRegistry
	metrics  *metricsRecorder
	sup      *supervisor

	tr           atomic.Pointer[transport]
	lastEndpoint atomic.Pointer[Endpoint]

	closed atomic.Bool
}

// Dial opens a Connection against the given broker URIs (round-robined via
// StaticResolver) and blocks until the first transport is established.
// Subsequent transport loss is recovered automatically in the background per
// the configured RecoveryTriggerPolicy; callers never need to call Dial
// again.
func Dial(ctx context.Context, uris []string, opts ...Option) (*Connection, error) {
	o := defaultOptions()
	for _, apply := range opts {
		apply(&o)
	}
	resolver := o.resolver
	if resolver == nil {
		sr, err := NewStaticResolver(uris, o.tlsConfig)
		if err != nil {
			return nil, err
		}
		resolver = sr
	}
	return dialWithResolver(ctx, resolver, o)
}

// DialWithResolver opens a Connection using a custom EndpointResolver (such
// as ConsulResolver) instead of a static URI list.
func DialWithResolver(ctx context.Context, resolver EndpointResolver, opts ...Option) (*Connection, error) {
	o := defaultOptions()
	for _, apply := range opts {
		apply(&o)
	}
	return dialWithResolver(ctx, resolver, o)
}

func dialWithResolver(ctx context.Context, resolver EndpointResolver, o options) (*Connection, error) {
	log := o.logger
	if log == nil {
		log = xlog.Discard()
	}
	events := newEventBus(log)
	ledger := newLedger()
	registry := newChannelRegistry()

	var metrics *metricsRecorder
	if o.metricsRegisterer != nil {
		m, err := newMetricsRecorder(o.metricsRegisterer, o.name)
		if err != nil {
			return nil, errors.Wrap(err, "failed to register metrics")
		}
		metrics = m
	}

	endpoint, err := resolver.Next(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve initial endpoint")
	}
	cfg := defaultAMQPConfig(o.requestedConnectionTimeout, o.heartbeat, o.clientProvidedName)
	tr, err := dialTransport(endpoint.URI, endpoint.TLSConfig, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", endpoint.URI)
	}

	conn := &Connection{
		opts:     o,
		resolver: resolver,
		log:      log,
		events:   events,
		ledger:   ledger,
		registry: registry,
		metrics:  metrics,
	}
	conn.tr.Store(&tr)
	conn.lastEndpoint.Store(&endpoint)

	sup := newSupervisor(conn, resolver, log, events, ledger, registry, metrics,
		o.networkRecoveryInterval, o.topologyRecovery, o.triggerPolicy,
		o.requestedConnectionTimeout, o.heartbeat, o.clientProvidedName)
	conn.sup = sup

	if len(o.topology.Exchanges)+len(o.topology.Queues)+len(o.topology.Bindings) > 0 {
		if err := conn.applyDeclarativeTopology(o.topology); err != nil {
			_ = tr.Close()
			return nil, err
		}
	}

	sup.watch(tr)
	return conn, nil
}

// applyDeclarativeTopology opens a LogicalChannel to declare a
// YAML/JSON-sourced DeclarativeTopology supplied via WithTopology, sugar over
// calling ExchangeDeclare/QueueDeclare/QueueBind by hand for static
// topologies known up front. The channel stays open and registered, so it
// takes part in later recoveries like any other LogicalChannel.
func (c *Connection) applyDeclarativeTopology(t DeclarativeTopology) error {
	ch, err := c.Channel()
	if err != nil {
		return err
	}
	for _, e := range t.Exchanges {
		if err := ch.ExchangeDeclare(e); err != nil {
			return errors.Wrapf(err, "declarative topology: exchange %q", e.Name)
		}
	}
	for _, q := range t.Queues {
		if _, err := ch.QueueDeclare(q); err != nil {
			return errors.Wrapf(err, "declarative topology: queue %q", q.Name)
		}
	}
	for _, b := range t.Bindings {
		if err := ch.QueueBind(b); err != nil {
			return errors.Wrapf(err, "declarative topology: binding %s->%s", b.Source, b.Destination)
		}
	}
	return nil
}

func (c *Connection) currentTransport() (transport, error) {
	p := c.tr.Load()
	if p == nil {
		return nil, errors.New(errNotConnected)
	}
	return *p, nil
}

// swapTransport installs a freshly (re)dialed transport as current. Called
// only by the supervisor after a successful recovery.
func (c *Connection) swapTransport(tr transport) {
	c.tr.Store(&tr)
}

// Channel opens a new LogicalChannel against the current transport and
// registers it so it participates in future recoveries.
func (c *Connection) Channel() (*LogicalChannel, error) {
	if c.closed.Load() {
		return nil, errors.New(errAlreadyClosed)
	}
	tr, err := c.currentTransport()
	if err != nil {
		return nil, err
	}
	tc, err := tr.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open channel")
	}
	lc := newLogicalChannel(c, tc)
	c.registry.register(lc)
	return lc, nil
}

// Close gracefully shuts the connection down: the supervisor is stopped
// first (so no recovery can race with this call), then the transport is
// closed, and finally a ConnectionShutdown event is fired with reason.
// Stopping the supervisor blocks on its termination latch, bounded by
// requestedConnectionTimeout; if an in-flight retry is still parked in a
// blocking dial when that elapses, a warning is logged and Close proceeds
// anyway rather than hanging forever.
func (c *Connection) Close(reason string) error {
	return c.closeWithTimeout(reason, c.opts.requestedConnectionTimeout)
}

// Abort is like Close but never returns an error and is safe to call from a
// defer even if the connection is already closed. It bounds the wait on the
// supervisor-terminated latch with handshakeContinuationTimeout instead of
// requestedConnectionTimeout, since abort is the disposal path applications
// reach for specifically because they want the connection gone promptly.
func (c *Connection) Abort() {
	_ = c.closeWithTimeout("aborted", c.opts.handshakeContinuationTimeout)
}

func (c *Connection) closeWithTimeout(reason string, timeout time.Duration) error {
	if !c.closed.CompareAndSwap(false, true) {
		return errors.New(errAlreadyClosed)
	}
	c.sup.stop(timeout)
	tr, err := c.currentTransport()
	if err == nil {
		_ = tr.Close()
	}
	c.events.fireConnectionShutdown(ConnectionShutdownEvent{Reason: reason})
	return nil
}

// IsOpen reports whether the connection is not user-closed — it does not
// distinguish between stateConnected and stateRecovering, since a recovering
// connection is still "open" from the application's point of view, just
// temporarily without a live transport.
func (c *Connection) IsOpen() bool {
	return !c.closed.Load()
}

// State returns the supervisor's current recovery state.
func (c *Connection) State() string {
	return c.sup.currentState().String()
}

// Endpoint returns the broker endpoint currently in use.
func (c *Connection) Endpoint() (Endpoint, error) {
	if _, err := c.currentTransport(); err != nil {
		return Endpoint{}, err
	}
	p := c.lastEndpoint.Load()
	if p == nil {
		return Endpoint{}, errors.New(errNotConnected)
	}
	return *p, nil
}

// setEndpoint records the endpoint a successful (re)dial just used. Called
// by the supervisor after recovery succeeds.
func (c *Connection) setEndpoint(e Endpoint) {
	c.lastEndpoint.Store(&e)
}

// LocalAddr returns the local network address of the current transport.
func (c *Connection) LocalAddr() (string, error) {
	tr, err := c.currentTransport()
	if err != nil {
		return "", err
	}
	return tr.LocalAddr().String(), nil
}

// RemoteAddr returns the remote broker address of the current transport.
func (c *Connection) RemoteAddr() (string, error) {
	tr, err := c.currentTransport()
	if err != nil {
		return "", err
	}
	return tr.RemoteAddr().String(), nil
}

// ServerProperties returns the broker-provided connection properties
// (product, version, capabilities) from the current transport.
func (c *Connection) ServerProperties() (amqp.Table, error) {
	tr, err := c.currentTransport()
	if err != nil {
		return nil, err
	}
	return tr.Properties(), nil
}

// ConnectionState returns the TLS state of the current transport, if any.
func (c *Connection) ConnectionState() (tls.ConnectionState, error) {
	tr, err := c.currentTransport()
	if err != nil {
		return tls.ConnectionState{}, err
	}
	return tr.ConnectionState(), nil
}

// ClientProvidedName returns the connection_name property set via
// WithClientProvidedName, if any.
func (c *Connection) ClientProvidedName() string {
	return c.opts.clientProvidedName
}

// Ledger exposes the connection's topology ledger, mainly for diagnostics
// and tests; application code is expected to drive it only indirectly
// through LogicalChannel.
func (c *Connection) Ledger() *Ledger { return c.ledger }

// --- event subscription passthroughs ---

func (c *Connection) OnRecoverySucceeded(h RecoverySucceededHandler) { c.events.OnRecoverySucceeded(h) }
func (c *Connection) OnConnectionRecoveryError(h ConnectionRecoveryErrorHandler) {
	c.events.OnConnectionRecoveryError(h)
}
func (c *Connection) OnCallbackException(h CallbackExceptionHandler) { c.events.OnCallbackException(h) }
func (c *Connection) OnConnectionBlocked(h ConnectionBlockedHandler) { c.events.OnConnectionBlocked(h) }
func (c *Connection) OnConnectionUnblocked(h ConnectionUnblockedHandler) {
	c.events.OnConnectionUnblocked(h)
}
func (c *Connection) OnConnectionShutdown(h ConnectionShutdownHandler) {
	c.events.OnConnectionShutdown(h)
}
func (c *Connection) OnConsumerTagChangedAfterRecovery(h ConsumerTagChangedAfterRecoveryHandler) {
	c.events.OnConsumerTagChangedAfterRecovery(h)
}
func (c *Connection) OnQueueNameChangedAfterRecovery(h QueueNameChangedAfterRecoveryHandler) {
	c.events.OnQueueNameChangedAfterRecovery(h)
}
