package amqpx

import (
	"fmt"
	"sync"

	xlog "go.bryk.io/pkg/log"
)

// RecoverySucceededEvent is delivered once a lost transport has been
// replaced and the full ledger has been replayed against it.
type RecoverySucceededEvent struct {
	Attempt  int
	Endpoint Endpoint
}

// ConnectionBlockedEvent mirrors the broker's connection.blocked
// notification (typically issued when a memory or disk alarm is active).
type ConnectionBlockedEvent struct {
	Reason string
}

// ConnectionUnblockedEvent mirrors the broker's connection.unblocked
// notification.
type ConnectionUnblockedEvent struct{}

// ConnectionShutdownEvent is delivered after Close or Abort has torn the
// connection down, and also when the transport is lost and the trigger
// policy declines to recover it.
type ConnectionShutdownEvent struct {
	Reason string
	Err    error
}

// ConsumerTagChangedAfterRecoveryEvent is delivered when a consumer that had
// requested a server-generated tag is re-subscribed after recovery and
// receives a different tag than before.
type ConsumerTagChangedAfterRecoveryEvent struct {
	OldTag string
	NewTag string
}

// QueueNameChangedAfterRecoveryEvent is delivered when an anonymous queue is
// re-declared during recovery and the broker assigns it a new name.
type QueueNameChangedAfterRecoveryEvent struct {
	OldName string
	NewName string
}

type (
	RecoverySucceededHandler              func(RecoverySucceededEvent)
	ConnectionRecoveryErrorHandler         func(*ConnectionRecoveryError)
	CallbackExceptionHandler               func(*CallbackException)
	ConnectionBlockedHandler               func(ConnectionBlockedEvent)
	ConnectionUnblockedHandler              func(ConnectionUnblockedEvent)
	ConnectionShutdownHandler               func(ConnectionShutdownEvent)
	ConsumerTagChangedAfterRecoveryHandler  func(ConsumerTagChangedAfterRecoveryEvent)
	QueueNameChangedAfterRecoveryHandler    func(QueueNameChangedAfterRecoveryEvent)
)

// eventBus multicasts recovery-lifecycle notifications to subscribers
// registered through Connection.On*. Dispatch is synchronous, on whichever
// goroutine raised the event (usually the supervisor's), and panic-safe: a
// misbehaving subscriber never prevents its siblings from running, and its
// panic is captured and re-delivered as a CallbackException.
type eventBus struct {
	mu  sync.RWMutex
	log xlog.Logger

	recoverySucceeded       []RecoverySucceededHandler
	connectionRecoveryError []ConnectionRecoveryErrorHandler
	callbackException       []CallbackExceptionHandler
	connectionBlocked       []ConnectionBlockedHandler
	connectionUnblocked     []ConnectionUnblockedHandler
	connectionShutdown      []ConnectionShutdownHandler
	consumerTagChanged      []ConsumerTagChangedAfterRecoveryHandler
	queueNameChanged        []QueueNameChangedAfterRecoveryHandler
}

func newEventBus(log xlog.Logger) *eventBus {
	return &eventBus{log: log}
}

func (b *eventBus) OnRecoverySucceeded(h RecoverySucceededHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recoverySucceeded = append(b.recoverySucceeded, h)
}

func (b *eventBus) OnConnectionRecoveryError(h ConnectionRecoveryErrorHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectionRecoveryError = append(b.connectionRecoveryError, h)
}

func (b *eventBus) OnCallbackException(h CallbackExceptionHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbackException = append(b.callbackException, h)
}

func (b *eventBus) OnConnectionBlocked(h ConnectionBlockedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectionBlocked = append(b.connectionBlocked, h)
}

func (b *eventBus) OnConnectionUnblocked(h ConnectionUnblockedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectionUnblocked = append(b.connectionUnblocked, h)
}

func (b *eventBus) OnConnectionShutdown(h ConnectionShutdownHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectionShutdown = append(b.connectionShutdown, h)
}

func (b *eventBus) OnConsumerTagChangedAfterRecovery(h ConsumerTagChangedAfterRecoveryHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumerTagChanged = append(b.consumerTagChanged, h)
}

func (b *eventBus) OnQueueNameChangedAfterRecovery(h QueueNameChangedAfterRecoveryHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queueNameChanged = append(b.queueNameChanged, h)
}

func (b *eventBus) fireRecoverySucceeded(e RecoverySucceededEvent) {
	b.mu.RLock()
	handlers := append([]RecoverySucceededHandler(nil), b.recoverySucceeded...)
	b.mu.RUnlock()
	for _, h := range handlers {
		b.guard("RecoverySucceeded", func() { h(e) })
	}
}

func (b *eventBus) fireConnectionRecoveryError(e *ConnectionRecoveryError) {
	b.mu.RLock()
	handlers := append([]ConnectionRecoveryErrorHandler(nil), b.connectionRecoveryError...)
	b.mu.RUnlock()
	for _, h := range handlers {
		b.guard("ConnectionRecoveryError", func() { h(e) })
	}
}

func (b *eventBus) fireConnectionBlocked(e ConnectionBlockedEvent) {
	b.mu.RLock()
	handlers := append([]ConnectionBlockedHandler(nil), b.connectionBlocked...)
	b.mu.RUnlock()
	for _, h := range handlers {
		b.guard("ConnectionBlocked", func() { h(e) })
	}
}

func (b *eventBus) fireConnectionUnblocked(e ConnectionUnblockedEvent) {
	b.mu.RLock()
	handlers := append([]ConnectionUnblockedHandler(nil), b.connectionUnblocked...)
	b.mu.RUnlock()
	for _, h := range handlers {
		b.guard("ConnectionUnblocked", func() { h(e) })
	}
}

func (b *eventBus) fireConnectionShutdown(e ConnectionShutdownEvent) {
	b.mu.RLock()
	handlers := append([]ConnectionShutdownHandler(nil), b.connectionShutdown...)
	b.mu.RUnlock()
	for _, h := range handlers {
		b.guard("ConnectionShutdown", func() { h(e) })
	}
}

func (b *eventBus) fireConsumerTagChanged(e ConsumerTagChangedAfterRecoveryEvent) {
	b.mu.RLock()
	handlers := append([]ConsumerTagChangedAfterRecoveryHandler(nil), b.consumerTagChanged...)
	b.mu.RUnlock()
	for _, h := range handlers {
		b.guard("ConsumerTagChangedAfterRecovery", func() { h(e) })
	}
}

func (b *eventBus) fireQueueNameChanged(e QueueNameChangedAfterRecoveryEvent) {
	b.mu.RLock()
	handlers := append([]QueueNameChangedAfterRecoveryHandler(nil), b.queueNameChanged...)
	b.mu.RUnlock()
	for _, h := range handlers {
		b.guard("QueueNameChangedAfterRecovery", func() { h(e) })
	}
}

// fireCallbackException delivers a CallbackException directly to its own
// subscriber list; it never routes back through guard (a panicking
// CallbackException handler is simply logged, to avoid infinite recursion).
func (b *eventBus) fireCallbackException(ce *CallbackException) {
	if b.log != nil {
		b.log.WithFields(xlog.Fields{"context": ce.Context}).Warning(ce.Error())
	}
	b.mu.RLock()
	handlers := append([]CallbackExceptionHandler(nil), b.callbackException...)
	b.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil && b.log != nil {
					b.log.Warning("panic in CallbackException handler, dropped")
				}
			}()
			h(ce)
		}()
	}
}

// guard runs fn, converting a panic or recovering nothing (fn reports its
// own errors by closing over variables) into a CallbackException fan-out
// tagged with context, instead of letting it crash the calling goroutine
// (usually the recovery supervisor's).
func (b *eventBus) guard(context string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			var err error
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("%v", r)
			}
			b.fireCallbackException(newCallbackException(context, err))
		}
	}()
	fn()
}
