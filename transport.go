package amqpx

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// transport is the seam between Connection and the underlying AMQP wire
// connection, so tests can substitute a fake broker instead of dialing a
// live one. realTransport is the only production implementation, backed
// directly by amqp091-go.
type transport interface {
	Channel() (transportChannel, error)
	Close() error
	NotifyClose(chan *amqp.Error) chan *amqp.Error
	NotifyBlocked(chan amqp.Blocking) chan amqp.Blocking
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	ConnectionState() tls.ConnectionState
	Properties() amqp.Table
}

// transportChannel is the seam over a single AMQP channel multiplexed on a
// transport connection.
type transportChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	Cancel(consumer string, noWait bool) error
	Close() error
	NotifyClose(chan *amqp.Error) chan *amqp.Error
	NotifyPublish(chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(chan amqp.Return) chan amqp.Return
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// realTransport adapts a live *amqp.Connection to the transport interface.
type realTransport struct {
	conn *amqp.Connection
}

func dialTransport(uri string, tlsConfig *tls.Config, cfg amqp.Config) (transport, error) {
	cfg.TLSClientConfig = tlsConfig
	conn, err := amqp.DialConfig(uri, cfg)
	if err != nil {
		return nil, err
	}
	return &realTransport{conn: conn}, nil
}

func (t *realTransport) Channel() (transportChannel, error) {
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &realTransportChannel{ch: ch}, nil
}

func (t *realTransport) Close() error { return t.conn.Close() }

func (t *realTransport) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	return t.conn.NotifyClose(c)
}

func (t *realTransport) NotifyBlocked(c chan amqp.Blocking) chan amqp.Blocking {
	return t.conn.NotifyBlocked(c)
}

func (t *realTransport) LocalAddr() net.Addr  { return t.conn.LocalAddr() }
func (t *realTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

func (t *realTransport) ConnectionState() tls.ConnectionState {
	return t.conn.ConnectionState()
}

func (t *realTransport) Properties() amqp.Table {
	return t.conn.Properties
}

type realTransportChannel struct {
	ch *amqp.Channel
}

func (c *realTransportChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return c.ch.ExchangeDeclare(name, kind, durable, autoDelete, internal, noWait, args)
}

func (c *realTransportChannel) ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error {
	return c.ch.ExchangeBind(destination, key, source, noWait, args)
}

func (c *realTransportChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return c.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

func (c *realTransportChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return c.ch.QueueBind(name, key, exchange, noWait, args)
}

func (c *realTransportChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.ch.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
}

func (c *realTransportChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return c.ch.Qos(prefetchCount, prefetchSize, global)
}

func (c *realTransportChannel) Confirm(noWait bool) error {
	return c.ch.Confirm(noWait)
}

func (c *realTransportChannel) Cancel(consumer string, noWait bool) error {
	return c.ch.Cancel(consumer, noWait)
}

func (c *realTransportChannel) Close() error { return c.ch.Close() }

func (c *realTransportChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	return c.ch.NotifyClose(ch)
}

func (c *realTransportChannel) NotifyPublish(ch chan amqp.Confirmation) chan amqp.Confirmation {
	return c.ch.NotifyPublish(ch)
}

func (c *realTransportChannel) NotifyReturn(ch chan amqp.Return) chan amqp.Return {
	return c.ch.NotifyReturn(ch)
}

func (c *realTransportChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return c.ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

// connTimeout is applied as the amqp.Config.Dial net dialer timeout.
func defaultAMQPConfig(connTimeout time.Duration, heartbeat time.Duration, clientName string) amqp.Config {
	props := amqp.Table{}
	if clientName != "" {
		props["connection_name"] = clientName
	}
	return amqp.Config{
		Heartbeat:  heartbeat,
		Properties: props,
		Dial:       amqp.DefaultDial(connTimeout),
	}
}
