package amqpx

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeAddr satisfies net.Addr for tests that never actually touch the wire.
type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

// fakeTransportChannel is an in-memory stand-in for a real AMQP channel,
// recording every declare/bind/consume call it receives so tests can assert
// on replay ordering and behavior without a live broker.
type fakeTransportChannel struct {
	mu sync.Mutex

	failExchange map[string]error
	failQueue    map[string]error
	failBinding  bool
	failConsume  map[string]error

	declaredExchanges []string
	declaredQueues    []string
	boundPairs        []string
	consumed          []string

	queueNameOverride map[string]string // requested name -> actual name to hand back
	closed            bool
	qosPrefetch       int
	confirmed         bool

	consumerChannels map[string]chan amqp.Delivery
}

func newFakeTransportChannel() *fakeTransportChannel {
	return &fakeTransportChannel{
		failExchange:      make(map[string]error),
		failQueue:         make(map[string]error),
		failConsume:       make(map[string]error),
		queueNameOverride: make(map[string]string),
		consumerChannels:  make(map[string]chan amqp.Delivery),
	}
}

func (f *fakeTransportChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failExchange[name]; ok {
		return err
	}
	f.declaredExchanges = append(f.declaredExchanges, name)
	return nil
}

func (f *fakeTransportChannel) ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBinding {
		return fmt.Errorf("binding failed")
	}
	f.boundPairs = append(f.boundPairs, source+"->"+destination)
	return nil
}

func (f *fakeTransportChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failQueue[name]; ok {
		return amqp.Queue{}, err
	}
	actual := name
	if override, ok := f.queueNameOverride[name]; ok {
		actual = override
	} else if name == "" {
		actual = fmt.Sprintf("generated-%d", len(f.declaredQueues))
	}
	f.declaredQueues = append(f.declaredQueues, actual)
	return amqp.Queue{Name: actual}, nil
}

func (f *fakeTransportChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBinding {
		return fmt.Errorf("binding failed")
	}
	f.boundPairs = append(f.boundPairs, exchange+"->"+name)
	return nil
}

func (f *fakeTransportChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failConsume[queue]; ok {
		return nil, err
	}
	f.consumed = append(f.consumed, consumer)
	ch := make(chan amqp.Delivery)
	f.consumerChannels[consumer] = ch
	return ch, nil
}

func (f *fakeTransportChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qosPrefetch = prefetchCount
	return nil
}

func (f *fakeTransportChannel) Confirm(noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = true
	return nil
}

func (f *fakeTransportChannel) Cancel(consumer string, noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.consumerChannels[consumer]; ok {
		close(ch)
		delete(f.consumerChannels, consumer)
	}
	return nil
}

func (f *fakeTransportChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for tag, ch := range f.consumerChannels {
		close(ch)
		delete(f.consumerChannels, tag)
	}
	return nil
}

func (f *fakeTransportChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error { return ch }
func (f *fakeTransportChannel) NotifyPublish(ch chan amqp.Confirmation) chan amqp.Confirmation {
	return ch
}
func (f *fakeTransportChannel) NotifyReturn(ch chan amqp.Return) chan amqp.Return { return ch }

func (f *fakeTransportChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return nil
}

// fakeTransport is an in-memory stand-in for *amqp.Connection.
type fakeTransport struct {
	mu       sync.Mutex
	channels []*fakeTransportChannel
	closeCh  chan *amqp.Error
	closed   atomic.Bool

	nextChannelErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{closeCh: make(chan *amqp.Error, 1)}
}

func (t *fakeTransport) Channel() (transportChannel, error) {
	if t.nextChannelErr != nil {
		err := t.nextChannelErr
		t.nextChannelErr = nil
		return nil, err
	}
	ch := newFakeTransportChannel()
	t.mu.Lock()
	t.channels = append(t.channels, ch)
	t.mu.Unlock()
	return ch, nil
}

func (t *fakeTransport) Close() error {
	t.closed.Store(true)
	return nil
}

func (t *fakeTransport) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	go func() {
		if e, ok := <-t.closeCh; ok {
			ch <- e
		}
		close(ch)
	}()
	return ch
}

func (t *fakeTransport) NotifyBlocked(ch chan amqp.Blocking) chan amqp.Blocking { return ch }
func (t *fakeTransport) LocalAddr() net.Addr                                    { return fakeAddr("local:1") }
func (t *fakeTransport) RemoteAddr() net.Addr                                   { return fakeAddr("remote:2") }
func (t *fakeTransport) ConnectionState() tls.ConnectionState                   { return tls.ConnectionState{} }
func (t *fakeTransport) Properties() amqp.Table                                 { return amqp.Table{"product": "fake"} }

// simulateShutdown delivers a close notification to whoever registered
// through NotifyClose, as either a peer-initiated or library-detected cause.
func (t *fakeTransport) simulateShutdown(server bool) {
	t.closeCh <- &amqp.Error{Code: 320, Reason: "CONNECTION_FORCED", Server: server}
	close(t.closeCh)
}

// staticEndpointResolver always returns the same endpoint; used by tests
// that need a deterministic, no-network resolver.
type staticEndpointResolver struct {
	endpoint Endpoint
	err      error
	calls    atomic.Int32
}

func (r *staticEndpointResolver) Next(_ context.Context) (Endpoint, error) {
	r.calls.Add(1)
	if r.err != nil {
		return Endpoint{}, r.err
	}
	return r.endpoint, nil
}

// sequencedDialer lets supervisor tests substitute dialTransport with a
// scripted sequence of fake transports/errors, without touching the real
// network dialer.
type sequencedDialer struct {
	mu      sync.Mutex
	results []dialResult
	idx     int
}

type dialResult struct {
	tr  transport
	err error
}

func (d *sequencedDialer) next() (transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx >= len(d.results) {
		r := d.results[len(d.results)-1]
		return r.tr, r.err
	}
	r := d.results[d.idx]
	d.idx++
	return r.tr, r.err
}
