package amqpx

import (
	"context"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.bryk.io/pkg/errors"
	xlog "go.bryk.io/pkg/log"
)

var channelIDSeq uint64

// LogicalChannel is a stable, re-attachable handle applications hold on to
// across recoveries. Declaring an exchange/queue/binding or starting a
// consumer through it also records the corresponding entry in the owning
// Connection's Ledger, so the Topology Replayer can restore it after the
// transport underneath is replaced.
type LogicalChannel struct {
	channelID uint64
	conn      *Connection

	mu         sync.RWMutex
	tc         transportChannel // nil only after detach; replaced by reattach on recovery
	confirm    bool
	prefetch   struct {
		count, size int
		global      bool
		set         bool
	}
	deliveryTargets sync.Map // consumer tag -> chan amqp.Delivery (application-facing)
	closed          int32
}

func newLogicalChannel(conn *Connection, tc transportChannel) *LogicalChannel {
	return &LogicalChannel{
		channelID: atomic.AddUint64(&channelIDSeq, 1),
		conn:      conn,
		tc:        tc,
	}
}

func (c *LogicalChannel) id() uint64 { return c.channelID }

func (c *LogicalChannel) log() xlog.Logger { return c.conn.log }

func (c *LogicalChannel) current() (transportChannel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tc == nil {
		return nil, errors.New(errNotConnected)
	}
	return c.tc, nil
}

// reattach opens a fresh transport channel against tr and reissues any
// channel-local state (confirm mode, QoS) that does not survive in the
// ledger, since those are per-channel rather than per-topology settings.
// It is called by the supervisor, never by application code.
func (c *LogicalChannel) reattach(tr transport) error {
	tc, err := tr.Channel()
	if err != nil {
		return errors.Wrap(err, "failed to open replacement channel")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.confirm {
		if err := tc.Confirm(false); err != nil {
			return errors.Wrap(err, "failed to reissue confirm mode")
		}
	}
	if c.prefetch.set {
		if err := tc.Qos(c.prefetch.count, c.prefetch.size, c.prefetch.global); err != nil {
			return errors.Wrap(err, "failed to reissue QoS")
		}
	}
	c.tc = tc
	return nil
}

// detach clears the live transport channel, so that operations fail fast
// with a not-connected error until the next reattach. The supervisor does not
// call it on transport loss: until reattach succeeds, the channel keeps the
// previous transport's channel.
func (c *LogicalChannel) detach() {
	c.mu.Lock()
	c.tc = nil
	c.mu.Unlock()
}

// Close cancels every consumer owned by this channel, releases its ledger
// entries and unregisters it from the Connection. Exchanges, queues and
// bindings declared through it remain (they are connection-scoped); only
// this channel's own consumers are torn down.
func (c *LogicalChannel) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.conn.registry.unregister(c.channelID)
	c.conn.ledger.ReleaseChannel(c.channelID)
	c.deliveryTargets.Range(func(tag, v interface{}) bool {
		close(v.(chan amqp.Delivery))
		c.deliveryTargets.Delete(tag)
		return true
	})
	tc, err := c.current()
	if err != nil {
		return nil
	}
	return tc.Close()
}

// ExchangeDeclare declares an exchange and records it in the connection's
// ledger so it is replayed on every future recovery.
func (c *LogicalChannel) ExchangeDeclare(e Exchange) error {
	tc, err := c.current()
	if err != nil {
		return err
	}
	if err := tc.ExchangeDeclare(e.Name, e.Kind, e.Durable, e.AutoDelete, e.Internal, e.NoWait, e.Arguments); err != nil {
		return errors.Wrapf(err, "failed to declare exchange %q", e.Name)
	}
	c.conn.ledger.RecordExchange(e)
	return nil
}

// QueueDeclare declares a queue and records it under its requested name
// (possibly empty, for a server-generated one). The returned Queue carries
// the broker-assigned name in Name.
func (c *LogicalChannel) QueueDeclare(q Queue) (Queue, error) {
	tc, err := c.current()
	if err != nil {
		return Queue{}, err
	}
	dq, err := tc.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, q.NoWait, q.Arguments)
	if err != nil {
		return Queue{}, errors.Wrapf(err, "failed to declare queue %q", q.Name)
	}
	c.conn.ledger.RecordQueue(q, dq.Name)
	out := q
	out.Name = dq.Name
	return out, nil
}

// QueueBind binds Destination to Source and records the binding.
func (c *LogicalChannel) QueueBind(b Binding) error {
	tc, err := c.current()
	if err != nil {
		return err
	}
	if b.DestinationIsExchange {
		if err := tc.ExchangeBind(b.Destination, b.RoutingKey, b.Source, b.NoWait, b.Arguments); err != nil {
			return errors.Wrapf(err, "failed to bind exchange %q to %q", b.Destination, b.Source)
		}
	} else {
		if err := tc.QueueBind(b.Destination, b.RoutingKey, b.Source, b.NoWait, b.Arguments); err != nil {
			return errors.Wrapf(err, "failed to bind queue %q to %q", b.Destination, b.Source)
		}
	}
	c.conn.ledger.RecordBinding(b)
	return nil
}

// Consume starts a consumer subscription and records it in the ledger. The
// returned channel is stable across recoveries: when the transport is lost
// and the consumer is resubscribed under a (possibly different) tag, new
// deliveries keep arriving on the same channel the caller originally got
// back, so application code can simply `range` over it without knowing a
// recovery ever happened. The returned tag is opts.Tag, or a client-generated
// tag when opts.Tag is empty.
func (c *LogicalChannel) Consume(opts ConsumeOptions) (<-chan amqp.Delivery, string, error) {
	tc, err := c.current()
	if err != nil {
		return nil, "", err
	}
	tag := opts.Tag
	if tag == "" {
		tag = newConsumerTag()
	}
	deliveries, err := tc.Consume(opts.Queue, tag, opts.AutoAck, opts.Exclusive, opts.NoLocal, opts.NoWait, opts.Arguments)
	if err != nil {
		return nil, "", errors.Wrapf(err, "failed to consume from queue %q", opts.Queue)
	}
	out := make(chan amqp.Delivery)
	c.deliveryTargets.Store(tag, out)
	go forwardDeliveries(deliveries, out)
	c.conn.ledger.RecordConsumer(opts, tag, c.channelID)
	return out, tag, nil
}

// publishRecoveredDeliveries re-points the proxy channel originally returned
// for oldTag at a freshly resubscribed delivery stream, and re-keys it under
// newTag if the tag changed. Called only by the Topology Replayer.
func (c *LogicalChannel) publishRecoveredDeliveries(oldTag, newTag string, deliveries <-chan amqp.Delivery) {
	v, ok := c.deliveryTargets.Load(oldTag)
	if !ok {
		// Consumer was registered before this process restarted its view of
		// the world (should not happen in practice); drain silently.
		go func() {
			for range deliveries {
			}
		}()
		return
	}
	out := v.(chan amqp.Delivery)
	if newTag != oldTag {
		c.deliveryTargets.Delete(oldTag)
		c.deliveryTargets.Store(newTag, out)
	}
	go forwardDeliveries(deliveries, out)
}

// forwardDeliveries copies deliveries from a broker-owned channel into the
// long-lived, application-facing proxy channel until the broker channel is
// closed (transport lost, consumer canceled, or replaced by a fresh
// subscription after recovery). It deliberately never closes out: a new
// forwarder is attached to it after recovery.
func forwardDeliveries(in <-chan amqp.Delivery, out chan amqp.Delivery) {
	for d := range in {
		out <- d
	}
}

// Cancel stops a consumer, removes it from the ledger and closes the
// delivery channel returned to the caller.
func (c *LogicalChannel) Cancel(tag string) error {
	tc, err := c.current()
	if err != nil {
		return err
	}
	if err := tc.Cancel(tag, false); err != nil {
		return errors.Wrapf(err, "failed to cancel consumer %q", tag)
	}
	c.conn.ledger.DeleteConsumer(tag)
	if v, ok := c.deliveryTargets.LoadAndDelete(tag); ok {
		close(v.(chan amqp.Delivery))
	}
	return nil
}

// Qos sets the channel's prefetch limits. The setting is remembered and
// reissued automatically on every recovery (it is not part of the ledger,
// since it is a channel property rather than a topology declaration).
func (c *LogicalChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	tc, err := c.current()
	if err != nil {
		return err
	}
	if err := tc.Qos(prefetchCount, prefetchSize, global); err != nil {
		return errors.Wrap(err, "failed to set QoS")
	}
	c.mu.Lock()
	c.prefetch.count, c.prefetch.size, c.prefetch.global, c.prefetch.set = prefetchCount, prefetchSize, global, true
	c.mu.Unlock()
	return nil
}

// Confirm puts the channel into publisher-confirm mode. Like Qos, this is
// remembered and reissued on every recovery.
func (c *LogicalChannel) Confirm() error {
	tc, err := c.current()
	if err != nil {
		return err
	}
	if err := tc.Confirm(false); err != nil {
		return errors.Wrap(err, "failed to enable confirm mode")
	}
	c.mu.Lock()
	c.confirm = true
	c.mu.Unlock()
	return nil
}

// Publish sends a message through the channel. It is not retried
// automatically across a recovery: the caller's PublishWithContext call
// simply fails with ErrClosed-style errors while the transport is down, the
// same as a direct amqp091-go channel would.
func (c *LogicalChannel) Publish(ctx context.Context, exchange, routingKey string, mandatory, immediate bool, msg amqp.Publishing) error {
	tc, err := c.current()
	if err != nil {
		return err
	}
	if err := tc.PublishWithContext(ctx, exchange, routingKey, mandatory, immediate, msg); err != nil {
		return errors.Wrapf(err, "failed to publish to exchange %q", exchange)
	}
	return nil
}
