package amqpx

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange describes an AMQP exchange declaration, recorded in the ledger the
// first time it succeeds and replayed verbatim against every new transport.
type Exchange struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Arguments  amqp.Table
}

// Queue describes an AMQP queue declaration. An empty Name requests a
// server-generated one; RecordedQueue tracks the name actually assigned so
// bindings and consumers can be replayed against it after recovery.
type Queue struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Arguments  amqp.Table
}

// Binding connects an exchange to a queue (or, for exchange-to-exchange
// binding, Destination may itself name an exchange — DestinationIsExchange
// selects which QueueBind/ExchangeBind call replay uses).
type Binding struct {
	Source               string
	Destination           string
	DestinationIsExchange bool
	RoutingKey            string
	NoWait                bool
	Arguments             amqp.Table
}

// ConsumeOptions configures a consumer subscription started through
// LogicalChannel.Consume.
type ConsumeOptions struct {
	Queue       string
	Tag         string
	AutoAck     bool
	Exclusive   bool
	NoLocal     bool
	NoWait      bool
	Arguments   amqp.Table
}

// RecordedExchange is the ledger's entry for a declared exchange.
type RecordedExchange struct {
	Exchange
}

// RecordedQueue is the ledger's entry for a declared queue. ActualName holds
// the name the broker assigned (equal to Queue.Name unless it was declared
// anonymously), and is what replay and bindings key off of.
type RecordedQueue struct {
	Queue
	ActualName string
}

// RecordedBinding is the ledger's entry for a queue/exchange binding. Two
// bindings are equal, for ledger set-membership purposes, when their Source,
// Destination, DestinationIsExchange, RoutingKey and canonicalized Arguments
// all match — this lets the same binding be declared twice (idempotent,
// matching broker semantics) without duplicating ledger entries.
type RecordedBinding struct {
	Binding
}

// key returns a canonical, comparable representation of the binding used as
// the ledger's set key, since amqp.Table (a map) is not itself comparable.
func (b RecordedBinding) key() string {
	return fmt.Sprintf("%s\x00%s\x00%t\x00%s\x00%s",
		b.Source, b.Destination, b.DestinationIsExchange, b.RoutingKey, canonicalizeTable(b.Arguments))
}

// RecordedConsumer is the ledger's entry for a consumer subscription. It
// holds ownerChannelID rather than a *LogicalChannel pointer: the owning
// channel is looked up by identity through the ChannelRegistry at replay
// time, so the ledger never holds a live reference back into the channel
// that created the entry.
type RecordedConsumer struct {
	ConsumeOptions
	// ActualTag is the tag the consumer is subscribed under: ConsumeOptions.Tag,
	// or a client-generated tag if that was requested empty.
	ActualTag      string
	ownerChannelID uint64
}

// canonicalizeTable renders an amqp.Table into a deterministic string so it
// can participate in composite map/set keys. Nested tables and slices are
// handled recursively; key order is sorted for stability.
func canonicalizeTable(t amqp.Table) string {
	if len(t) == 0 {
		return ""
	}
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(canonicalizeValue(t[k]))
		b.WriteByte(';')
	}
	return b.String()
}

func canonicalizeValue(v interface{}) string {
	switch tv := v.(type) {
	case amqp.Table:
		return "{" + canonicalizeTable(tv) + "}"
	case []interface{}:
		parts := make([]string, len(tv))
		for i, e := range tv {
			parts[i] = canonicalizeValue(e)
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return fmt.Sprintf("%v", tv)
	}
}

// Ledger records every exchange, queue, binding and consumer declared
// through a Connection's logical channels, in declaration order, so it can
// be replayed against a freshly opened transport. It is connection-scoped:
// all of a Connection's LogicalChannels share one Ledger.
type Ledger struct {
	mu sync.RWMutex

	exchangeOrder []string
	exchanges     map[string]RecordedExchange

	queueOrder []string
	queues     map[string]RecordedQueue

	bindingOrder []string
	bindings     map[string]RecordedBinding

	consumerOrder []string
	consumers     map[string]RecordedConsumer
}

func newLedger() *Ledger {
	return &Ledger{
		exchanges: make(map[string]RecordedExchange),
		queues:    make(map[string]RecordedQueue),
		bindings:  make(map[string]RecordedBinding),
		consumers: make(map[string]RecordedConsumer),
	}
}

// RecordExchange adds or overwrites an exchange entry.
func (l *Ledger) RecordExchange(e Exchange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.exchanges[e.Name]; !exists {
		l.exchangeOrder = append(l.exchangeOrder, e.Name)
	}
	l.exchanges[e.Name] = RecordedExchange{Exchange: e}
}

// DeleteExchange removes an exchange entry and cascades to any binding that
// references it as source or (exchange-to-exchange) destination.
func (l *Ledger) DeleteExchange(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.exchanges, name)
	l.exchangeOrder = removeString(l.exchangeOrder, name)
	l.cascadeDeleteBindingsLocked(func(b RecordedBinding) bool {
		return b.Source == name || (b.DestinationIsExchange && b.Destination == name)
	})
}

// maybeDeleteAutoDeleteExchange drops the recorded exchange named name if it
// is auto-delete and no remaining binding references it as source. Must be
// called with l.mu already held.
func (l *Ledger) maybeDeleteAutoDeleteExchange(name string) {
	e, ok := l.exchanges[name]
	if !ok || !e.AutoDelete {
		return
	}
	for _, b := range l.bindings {
		if b.Source == name {
			return
		}
	}
	delete(l.exchanges, name)
	l.exchangeOrder = removeString(l.exchangeOrder, name)
}

// maybeDeleteAutoDeleteQueue drops the recorded queue whose ActualName is
// name if it is auto-delete and no remaining consumer references it. Must be
// called with l.mu already held. Queues are keyed by their requested name,
// not ActualName, so this scans the table for the entry whose ActualName
// matches.
func (l *Ledger) maybeDeleteAutoDeleteQueue(name string) {
	for key, rq := range l.queues {
		if rq.ActualName != name {
			continue
		}
		if !rq.AutoDelete {
			return
		}
		for _, c := range l.consumers {
			if c.Queue == name {
				return
			}
		}
		delete(l.queues, key)
		l.queueOrder = removeString(l.queueOrder, key)
		return
	}
}

// RecordQueue adds or overwrites a queue entry under its requested name,
// tracking the broker-assigned ActualName separately.
func (l *Ledger) RecordQueue(q Queue, actualName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := q.Name
	if _, exists := l.queues[key]; !exists {
		l.queueOrder = append(l.queueOrder, key)
	}
	l.queues[key] = RecordedQueue{Queue: q, ActualName: actualName}
}

// RenameQueue updates the ActualName of a recorded queue after a recovery
// that re-declared an anonymous queue under a new server-generated name, and
// rewrites any binding/consumer entries that referenced the old name.
func (l *Ledger) RenameQueue(key, newActualName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rq, ok := l.queues[key]
	if !ok {
		return
	}
	oldActual := rq.ActualName
	rq.ActualName = newActualName
	l.queues[key] = rq
	if oldActual == newActualName {
		return
	}
	for k, b := range l.bindings {
		if !b.DestinationIsExchange && b.Destination == oldActual {
			b.Destination = newActualName
			newKey := b.key()
			delete(l.bindings, k)
			if _, exists := l.bindings[newKey]; exists {
				l.bindingOrder = removeString(l.bindingOrder, k)
			} else {
				for i, ok := range l.bindingOrder {
					if ok == k {
						l.bindingOrder[i] = newKey
						break
					}
				}
			}
			l.bindings[newKey] = b
		}
	}
	for k, c := range l.consumers {
		if c.Queue == oldActual {
			c.Queue = newActualName
			l.consumers[k] = c
		}
	}
}

// DeleteQueue removes a queue entry and cascades to bindings and consumers
// that reference it.
func (l *Ledger) DeleteQueue(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rq, ok := l.queues[key]
	if !ok {
		return
	}
	delete(l.queues, key)
	l.queueOrder = removeString(l.queueOrder, key)
	l.cascadeDeleteBindingsLocked(func(b RecordedBinding) bool {
		return !b.DestinationIsExchange && b.Destination == rq.ActualName
	})
	for tag, c := range l.consumers {
		if c.Queue == rq.ActualName {
			delete(l.consumers, tag)
			l.consumerOrder = removeString(l.consumerOrder, tag)
		}
	}
}

func (l *Ledger) cascadeDeleteBindingsLocked(match func(RecordedBinding) bool) {
	var removedSources []string
	for k, b := range l.bindings {
		if match(b) {
			delete(l.bindings, k)
			l.bindingOrder = removeString(l.bindingOrder, k)
			removedSources = append(removedSources, b.Source)
		}
	}
	for _, source := range removedSources {
		l.maybeDeleteAutoDeleteExchange(source)
	}
}

// RecordBinding adds a binding entry, deduplicating against structurally
// identical existing entries.
func (l *Ledger) RecordBinding(b Binding) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rb := RecordedBinding{Binding: b}
	key := rb.key()
	if _, exists := l.bindings[key]; !exists {
		l.bindingOrder = append(l.bindingOrder, key)
	}
	l.bindings[key] = rb
}

// DeleteBinding removes a single binding entry matching b, then cascades to
// drop b's source exchange if it is auto-delete and now unreferenced.
func (l *Ledger) DeleteBinding(b Binding) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := RecordedBinding{Binding: b}.key()
	delete(l.bindings, key)
	l.bindingOrder = removeString(l.bindingOrder, key)
	l.maybeDeleteAutoDeleteExchange(b.Source)
}

// RecordConsumer adds or overwrites a consumer entry, owned by ownerChannelID.
func (l *Ledger) RecordConsumer(opts ConsumeOptions, actualTag string, ownerChannelID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := actualTag
	if _, exists := l.consumers[key]; !exists {
		l.consumerOrder = append(l.consumerOrder, key)
	}
	l.consumers[key] = RecordedConsumer{ConsumeOptions: opts, ActualTag: actualTag, ownerChannelID: ownerChannelID}
}

// RetagConsumer updates a consumer's ActualTag after it is re-subscribed
// with a new client-generated tag during recovery.
func (l *Ledger) RetagConsumer(oldTag, newTag string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.consumers[oldTag]
	if !ok {
		return
	}
	delete(l.consumers, oldTag)
	l.consumerOrder = removeString(l.consumerOrder, oldTag)
	c.ActualTag = newTag
	l.consumers[newTag] = c
	l.consumerOrder = append(l.consumerOrder, newTag)
}

// DeleteConsumer removes a consumer entry by tag, then cascades to drop its
// queue if that queue is auto-delete and now has no remaining consumer.
func (l *Ledger) DeleteConsumer(tag string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.consumers[tag]
	delete(l.consumers, tag)
	l.consumerOrder = removeString(l.consumerOrder, tag)
	if ok {
		l.maybeDeleteAutoDeleteQueue(c.Queue)
	}
}

// Snapshot returns a declaration-ordered, point-in-time copy of every ledger
// table, safe to range over without holding the ledger lock — this is what
// the Topology Replayer iterates during recovery.
func (l *Ledger) Snapshot() (exchanges []RecordedExchange, queues []RecordedQueue, bindings []RecordedBinding, consumers []RecordedConsumer) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, name := range l.exchangeOrder {
		exchanges = append(exchanges, l.exchanges[name])
	}
	for _, key := range l.queueOrder {
		queues = append(queues, l.queues[key])
	}
	for _, key := range l.bindingOrder {
		bindings = append(bindings, l.bindings[key])
	}
	for _, tag := range l.consumerOrder {
		consumers = append(consumers, l.consumers[tag])
	}
	return
}

// ConsumersFor returns the recorded consumers owned by the given channel
// identity, preserving declaration order.
func (l *Ledger) ConsumersFor(ownerChannelID uint64) []RecordedConsumer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []RecordedConsumer
	for _, tag := range l.consumerOrder {
		c := l.consumers[tag]
		if c.ownerChannelID == ownerChannelID {
			out = append(out, c)
		}
	}
	return out
}

// ReleaseChannel drops every consumer entry owned by a channel identity that
// is being closed or discarded, without touching exchanges, queues or
// bindings (those remain connection-scoped).
func (l *Ledger) ReleaseChannel(ownerChannelID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for tag, c := range l.consumers {
		if c.ownerChannelID == ownerChannelID {
			delete(l.consumers, tag)
			l.consumerOrder = removeString(l.consumerOrder, tag)
		}
	}
}

func removeString(s []string, v string) []string {
	for i, e := range s {
		if e == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
