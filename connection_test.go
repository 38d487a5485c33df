package amqpx

import (
	"context"
	"crypto/tls"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	tdd "github.com/stretchr/testify/assert"
	xlog "go.bryk.io/pkg/log"
)

// newTestConnection builds a Connection wired against a fake transport,
// bypassing Dial so no real network dial is attempted.
func newTestConnection() (*Connection, *fakeTransport) {
	tr := newFakeTransport()
	log := xlog.Discard()
	events := newEventBus(log)
	ledger := newLedger()
	registry := newChannelRegistry()

	conn := &Connection{
		opts:     defaultOptions(),
		resolver: &staticEndpointResolver{endpoint: Endpoint{URI: "amqp://test"}},
		log:      log,
		events:   events,
		ledger:   ledger,
		registry: registry,
	}
	conn.tr.Store(&[]transport{tr}[0])
	ep := Endpoint{URI: "amqp://test"}
	conn.lastEndpoint.Store(&ep)
	conn.sup = newSupervisor(conn, conn.resolver, log, events, ledger, registry, nil,
		time.Millisecond, true, defaultTriggerPolicy, time.Second, time.Second, "amqpx-test")
	return conn, tr
}

func TestDialRequiresAtLeastOneURI(t *testing.T) {
	t.Parallel()
	assert := tdd.New(t)

	_, err := Dial(context.Background(), nil)
	assert.NotNil(err)
}

func TestDialWithResolverPropagatesResolveFailure(t *testing.T) {
	t.Parallel()
	assert := tdd.New(t)

	resolver := &staticEndpointResolver{err: errors.New("no endpoints available")}
	_, err := DialWithResolver(context.Background(), resolver)
	assert.NotNil(err)
}

func TestConnectionChannelRegistersAndIsOpen(t *testing.T) {
	t.Parallel()
	assert := tdd.New(t)
	conn, _ := newTestConnection()
	defer conn.Abort()

	assert.True(conn.IsOpen())

	lc, err := conn.Channel()
	assert.Nil(err)
	assert.NotNil(lc)

	_, ok := conn.registry.lookup(lc.id())
	assert.True(ok)
}

func TestConnectionCloseStopsSupervisorBeforeClosingTransport(t *testing.T) {
	t.Parallel()
	assert := tdd.New(t)
	conn, tr := newTestConnection()

	var reason string
	conn.OnConnectionShutdown(func(e ConnectionShutdownEvent) { reason = e.Reason })

	assert.Nil(conn.Close("shutting down"))
	assert.False(conn.IsOpen())
	assert.True(tr.closed.Load())
	assert.Equal("shutting down", reason)
	assert.True(conn.sup.appClosing.Load())

	// a second Close reports already-closed rather than panicking.
	assert.NotNil(conn.Close("again"))
}

func TestConnectionAbortNeverReturnsAnError(t *testing.T) {
	t.Parallel()
	assert := tdd.New(t)
	conn, _ := newTestConnection()

	conn.Abort()
	assert.False(conn.IsOpen())
	conn.Abort() // idempotent, must not panic
}

func TestConnectionGettersReflectCurrentTransport(t *testing.T) {
	t.Parallel()
	assert := tdd.New(t)
	conn, _ := newTestConnection()
	defer conn.Abort()

	local, err := conn.LocalAddr()
	assert.Nil(err)
	assert.Equal("local:1", local)

	remote, err := conn.RemoteAddr()
	assert.Nil(err)
	assert.Equal("remote:2", remote)

	props, err := conn.ServerProperties()
	assert.Nil(err)
	assert.Equal("fake", props["product"])

	ep, err := conn.Endpoint()
	assert.Nil(err)
	assert.Equal("amqp://test", ep.URI)
}

func TestConnectionChannelFailsAfterClose(t *testing.T) {
	t.Parallel()
	assert := tdd.New(t)
	conn, _ := newTestConnection()

	assert.Nil(conn.Close("bye"))

	_, err := conn.Channel()
	assert.NotNil(err)
}

func TestConnectionCloseBoundedByRequestedConnectionTimeoutDuringInFlightRetry(t *testing.T) {
	t.Parallel()
	assert := tdd.New(t)

	tr := newFakeTransport()
	log := xlog.Discard()
	events := newEventBus(log)
	ledger := newLedger()
	registry := newChannelRegistry()

	opts := defaultOptions()
	opts.requestedConnectionTimeout = 50 * time.Millisecond

	conn := &Connection{
		opts:     opts,
		resolver: &staticEndpointResolver{endpoint: Endpoint{URI: "amqp://test"}},
		log:      log,
		events:   events,
		ledger:   ledger,
		registry: registry,
	}
	conn.tr.Store(&[]transport{tr}[0])
	ep := Endpoint{URI: "amqp://test"}
	conn.lastEndpoint.Store(&ep)
	sup := newSupervisor(conn, conn.resolver, log, events, ledger, registry, nil,
		time.Hour, true, defaultTriggerPolicy, opts.requestedConnectionTimeout, time.Second, "amqpx-test")
	conn.sup = sup

	// the dialer never returns on its own, standing in for a dial stuck past
	// recovery's control: stop() has no context to cancel it with, so the
	// goroutine running it can only be abandoned, not killed, which is
	// exactly the situation Close's timeout exists to survive.
	blockDial := make(chan struct{})
	defer close(blockDial)
	sup.dial = func(uri string, tlsConfig *tls.Config, cfg amqp.Config) (transport, error) {
		<-blockDial
		return nil, errors.New("unreachable")
	}

	sup.watch(tr)
	tr.simulateShutdown(true)
	time.Sleep(10 * time.Millisecond) // let runRecoveryLoop enter the blocking dial

	started := time.Now()
	assert.Nil(conn.Close("shutting down"))
	assert.Less(time.Since(started), 500*time.Millisecond, "close must not block on a stuck in-flight retry")
	assert.Equal(stateRecovering, sup.currentState(), "recovery was still in flight when close's timeout elapsed")
}

func TestApplyDeclarativeTopologyDeclaresEverything(t *testing.T) {
	t.Parallel()
	assert := tdd.New(t)
	conn, _ := newTestConnection()
	defer conn.Abort()

	topo := DeclarativeTopology{
		Exchanges: []Exchange{{Name: "orders", Kind: "direct"}},
		Queues:    []Queue{{Name: "q1"}},
		Bindings:  []Binding{{Source: "orders", Destination: "q1", RoutingKey: "rk"}},
	}
	assert.Nil(conn.applyDeclarativeTopology(topo))

	exchanges, queues, bindings, _ := conn.ledger.Snapshot()
	assert.Len(exchanges, 1)
	assert.Len(queues, 1)
	assert.Len(bindings, 1)
}
