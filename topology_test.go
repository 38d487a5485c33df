package amqpx

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	tdd "github.com/stretchr/testify/assert"
)

func TestLedgerRecordAndSnapshotOrder(t *testing.T) {
	t.Parallel()
	assert := tdd.New(t)
	l := newLedger()

	l.RecordExchange(Exchange{Name: "a"})
	l.RecordExchange(Exchange{Name: "b"})
	l.RecordQueue(Queue{Name: "q1"}, "q1")
	l.RecordBinding(Binding{Source: "a", Destination: "q1", RoutingKey: "rk"})
	l.RecordConsumer(ConsumeOptions{Queue: "q1", Tag: "t1"}, "t1", 7)

	exchanges, queues, bindings, consumers := l.Snapshot()
	assert.Equal([]string{"a", "b"}, []string{exchanges[0].Name, exchanges[1].Name}, "exchange declaration order preserved")
	assert.Len(queues, 1)
	assert.Equal("q1", queues[0].ActualName)
	assert.Len(bindings, 1)
	assert.Len(consumers, 1)
	assert.Equal(uint64(7), consumers[0].ownerChannelID)
}

func TestLedgerBindingDeduplication(t *testing.T) {
	t.Parallel()
	assert := tdd.New(t)
	l := newLedger()

	b := Binding{Source: "x", Destination: "y", RoutingKey: "rk", Arguments: amqp.Table{"k": "v"}}
	l.RecordBinding(b)
	l.RecordBinding(b) // identical, should not duplicate

	_, _, bindings, _ := l.Snapshot()
	assert.Len(bindings, 1, "structurally identical bindings are deduplicated")
}

func TestLedgerDeleteExchangeCascadesBindings(t *testing.T) {
	t.Parallel()
	assert := tdd.New(t)
	l := newLedger()

	l.RecordExchange(Exchange{Name: "ex"})
	l.RecordQueue(Queue{Name: "q"}, "q")
	l.RecordBinding(Binding{Source: "ex", Destination: "q", RoutingKey: "rk"})

	l.DeleteExchange("ex")

	exchanges, _, bindings, _ := l.Snapshot()
	assert.Len(exchanges, 0)
	assert.Len(bindings, 0, "bindings referencing a deleted exchange are cascaded away")
}

func TestLedgerDeleteQueueCascadesBindingsAndConsumers(t *testing.T) {
	t.Parallel()
	assert := tdd.New(t)
	l := newLedger()

	l.RecordQueue(Queue{Name: "q"}, "q")
	l.RecordBinding(Binding{Source: "ex", Destination: "q", RoutingKey: "rk"})
	l.RecordConsumer(ConsumeOptions{Queue: "q", Tag: "t1"}, "t1", 1)

	l.DeleteQueue("q")

	_, queues, bindings, consumers := l.Snapshot()
	assert.Len(queues, 0)
	assert.Len(bindings, 0)
	assert.Len(consumers, 0)
}

func TestLedgerRenameQueuePropagates(t *testing.T) {
	t.Parallel()
	assert := tdd.New(t)
	l := newLedger()

	l.RecordQueue(Queue{Name: ""}, "old-gen")
	l.RecordBinding(Binding{Source: "ex", Destination: "old-gen", RoutingKey: "rk"})
	l.RecordConsumer(ConsumeOptions{Queue: "old-gen", Tag: "t1"}, "t1", 1)

	l.RenameQueue("", "new-gen")

	_, queues, bindings, consumers := l.Snapshot()
	assert.Equal("new-gen", queues[0].ActualName)
	assert.Equal("new-gen", bindings[0].Destination, "binding destination follows queue rename")
	assert.Equal("new-gen", consumers[0].Queue, "consumer queue reference follows rename")
}

func TestLedgerRetagConsumer(t *testing.T) {
	t.Parallel()
	assert := tdd.New(t)
	l := newLedger()

	l.RecordConsumer(ConsumeOptions{Queue: "q"}, "old-tag", 1)
	l.RetagConsumer("old-tag", "new-tag")

	_, _, _, consumers := l.Snapshot()
	assert.Len(consumers, 1)
	assert.Equal("new-tag", consumers[0].ActualTag)
}

func TestLedgerReleaseChannelOnlyDropsOwnedConsumers(t *testing.T) {
	t.Parallel()
	assert := tdd.New(t)
	l := newLedger()

	l.RecordExchange(Exchange{Name: "ex"})
	l.RecordConsumer(ConsumeOptions{Queue: "q1"}, "t1", 1)
	l.RecordConsumer(ConsumeOptions{Queue: "q2"}, "t2", 2)

	l.ReleaseChannel(1)

	exchanges, _, _, consumers := l.Snapshot()
	assert.Len(exchanges, 1, "exchanges are connection-scoped, not released with a channel")
	assert.Len(consumers, 1)
	assert.Equal("t2", consumers[0].ActualTag)
}

func TestLedgerDeleteBindingCascadesAutoDeleteExchange(t *testing.T) {
	t.Parallel()
	assert := tdd.New(t)
	l := newLedger()

	l.RecordExchange(Exchange{Name: "x", AutoDelete: true})
	l.RecordQueue(Queue{Name: "q"}, "q")
	l.RecordBinding(Binding{Source: "x", Destination: "q", RoutingKey: "rk"})

	l.DeleteBinding(Binding{Source: "x", Destination: "q", RoutingKey: "rk"})

	exchanges, queues, bindings, _ := l.Snapshot()
	assert.Len(bindings, 0)
	assert.Len(exchanges, 0, "auto-delete exchange dropped once its last binding is gone")
	assert.Len(queues, 1, "the queue itself is untouched by the exchange cascade")
}

func TestLedgerDeleteBindingKeepsAutoDeleteExchangeWithRemainingBinding(t *testing.T) {
	t.Parallel()
	assert := tdd.New(t)
	l := newLedger()

	l.RecordExchange(Exchange{Name: "x", AutoDelete: true})
	l.RecordQueue(Queue{Name: "q1"}, "q1")
	l.RecordQueue(Queue{Name: "q2"}, "q2")
	l.RecordBinding(Binding{Source: "x", Destination: "q1", RoutingKey: "rk"})
	l.RecordBinding(Binding{Source: "x", Destination: "q2", RoutingKey: "rk"})

	l.DeleteBinding(Binding{Source: "x", Destination: "q1", RoutingKey: "rk"})

	exchanges, _, bindings, _ := l.Snapshot()
	assert.Len(bindings, 1)
	assert.Len(exchanges, 1, "exchange survives while another binding still sources from it")
}

func TestLedgerDeleteConsumerCascadesAutoDeleteQueue(t *testing.T) {
	t.Parallel()
	assert := tdd.New(t)
	l := newLedger()

	l.RecordQueue(Queue{Name: "q", AutoDelete: true}, "q")
	l.RecordConsumer(ConsumeOptions{Queue: "q", Tag: "t1"}, "t1", 1)

	l.DeleteConsumer("t1")

	_, queues, _, consumers := l.Snapshot()
	assert.Len(consumers, 0)
	assert.Len(queues, 0, "auto-delete queue dropped once its last consumer cancels")
}

func TestLedgerDeleteConsumerKeepsAutoDeleteQueueWithRemainingConsumer(t *testing.T) {
	t.Parallel()
	assert := tdd.New(t)
	l := newLedger()

	l.RecordQueue(Queue{Name: "q", AutoDelete: true}, "q")
	l.RecordConsumer(ConsumeOptions{Queue: "q", Tag: "t1"}, "t1", 1)
	l.RecordConsumer(ConsumeOptions{Queue: "q", Tag: "t2"}, "t2", 2)

	l.DeleteConsumer("t1")

	_, queues, _, consumers := l.Snapshot()
	assert.Len(consumers, 1)
	assert.Len(queues, 1, "queue survives while another consumer still references it")
}

func TestCanonicalizeTableIsOrderIndependent(t *testing.T) {
	t.Parallel()
	assert := tdd.New(t)

	a := amqp.Table{"x-max-priority": 4, "x-overflow": "drop-head"}
	b := amqp.Table{"x-overflow": "drop-head", "x-max-priority": 4}
	assert.Equal(canonicalizeTable(a), canonicalizeTable(b))
}
