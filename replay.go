package amqpx

import (
	xlog "go.bryk.io/pkg/log"
)

// replayTopology re-declares every recorded exchange, queue, binding and
// consumer against a freshly (re)attached transport, in that order, since
// bindings depend on exchanges/queues existing and consumers depend on
// queues existing. Each entity is replayed independently: a single
// entity's failure is wrapped as a TopologyRecoveryException, reported
// through onFailure, and does not stop the remaining entities from being
// attempted.
//
// declarer is the transport channel used for connection-scoped declarations
// (exchanges, queues, bindings) — conventionally the first registered
// LogicalChannel's newly reattached channel, or a throwaway admin channel
// when no LogicalChannel is registered yet. Per-consumer resubscription
// instead runs against each consumer's own owning LogicalChannel, resolved
// through the registry by its ownerChannelID, since only that channel's
// delivery plumbing (ack/nack wiring) is meaningful to the application.
func replayTopology(
	ledger *Ledger,
	registry *channelRegistry,
	declarer transportChannel,
	log xlog.Logger,
	onFailure func(*TopologyRecoveryException),
	onQueueRenamed func(oldName, newName string),
	onConsumerRetagged func(oldTag, newTag string),
) {
	exchanges, queues, _, _ := ledger.Snapshot()

	for _, e := range exchanges {
		if declarer == nil {
			onFailure(newTopologyRecoveryException("exchange", e.Name, errNoDeclarerErr()))
			continue
		}
		if err := declarer.ExchangeDeclare(e.Name, e.Kind, e.Durable, e.AutoDelete, e.Internal, e.NoWait, e.Arguments); err != nil {
			onFailure(newTopologyRecoveryException("exchange", e.Name, err))
		}
	}

	for _, q := range queues {
		if declarer == nil {
			onFailure(newTopologyRecoveryException("queue", q.Name, errNoDeclarerErr()))
			continue
		}
		dq, err := declarer.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, q.NoWait, q.Arguments)
		if err != nil {
			onFailure(newTopologyRecoveryException("queue", q.Name, err))
			continue
		}
		if dq.Name != q.ActualName {
			old := q.ActualName
			ledger.RenameQueue(q.Name, dq.Name)
			onQueueRenamed(old, dq.Name)
		}
	}

	// Bindings and consumers are re-snapshotted here, after queue renames
	// above may have rewritten a binding's Destination or a consumer's Queue,
	// so both replay against a freshly assigned queue name rather than a
	// stale one.
	_, _, bindings, consumers := ledger.Snapshot()
	for _, b := range bindings {
		if declarer == nil {
			onFailure(newTopologyRecoveryException("binding", b.Source+"->"+b.Destination, errNoDeclarerErr()))
			continue
		}
		var err error
		if b.DestinationIsExchange {
			err = declarer.ExchangeBind(b.Destination, b.RoutingKey, b.Source, b.NoWait, b.Arguments)
		} else {
			err = declarer.QueueBind(b.Destination, b.RoutingKey, b.Source, b.NoWait, b.Arguments)
		}
		if err != nil {
			onFailure(newTopologyRecoveryException("binding", b.Source+"->"+b.Destination, err))
		}
	}

	for _, rc := range consumers {
		owner, ok := registry.lookup(rc.ownerChannelID)
		if !ok {
			onFailure(newTopologyRecoveryException("consumer", rc.ActualTag, errOwnerGoneErr()))
			continue
		}
		lc, ok := owner.(*LogicalChannel)
		if !ok {
			continue
		}
		tc, err := lc.current()
		if err != nil {
			onFailure(newTopologyRecoveryException("consumer", rc.ActualTag, err))
			continue
		}
		newTag := rc.Tag
		if newTag == "" {
			newTag = newConsumerTag()
		}
		deliveries, err := tc.Consume(rc.Queue, newTag, rc.AutoAck, rc.Exclusive, rc.NoLocal, rc.NoWait, rc.Arguments)
		if err != nil {
			onFailure(newTopologyRecoveryException("consumer", rc.ActualTag, err))
			continue
		}
		oldTag := rc.ActualTag
		if newTag != oldTag {
			ledger.RetagConsumer(oldTag, newTag)
			onConsumerRetagged(oldTag, newTag)
		}
		lc.publishRecoveredDeliveries(oldTag, newTag, deliveries)
	}
}
