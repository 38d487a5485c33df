package amqpx

import (
	"fmt"

	"go.bryk.io/pkg/errors"
)

// Common error sentinels, mirroring the "session is shutting down" /
// "not connected" style string constants the teacher package keeps at the
// top of session.go.
var (
	errNotConnected  = "not connected to a transport"
	errAlreadyClosed = "connection is already closed"
	errNoChannel     = "owning channel is no longer registered"
)

// ConnectionRecoveryError reports a failure to reopen the transport or to
// complete a recovery attempt. The supervisor never treats this as fatal: it
// is fanned out to subscribers and the retry loop continues.
type ConnectionRecoveryError struct {
	// Attempt is the 1-indexed recovery attempt that failed.
	Attempt int
	Err     error
}

func (e *ConnectionRecoveryError) Error() string {
	return fmt.Sprintf("connection recovery attempt %d failed: %s", e.Attempt, e.Err)
}

func (e *ConnectionRecoveryError) Unwrap() error {
	return e.Err
}

func newConnectionRecoveryError(attempt int, cause error) *ConnectionRecoveryError {
	return &ConnectionRecoveryError{Attempt: attempt, Err: errors.WithStack(cause)}
}

// TopologyRecoveryException wraps the failure to re-declare a single
// exchange, queue, binding, or consumer during replay. It never aborts the
// replay of the remaining entities; the supervisor logs it as a warning.
type TopologyRecoveryException struct {
	// Entity names the recorded entity kind ("exchange", "queue", "binding",
	// "consumer") that failed to replay.
	Entity string
	// Key is the ledger key of the failing entity (name or tag).
	Key string
	Err error
}

func (e *TopologyRecoveryException) Error() string {
	return fmt.Sprintf("topology recovery failed for %s %q: %s", e.Entity, e.Key, e.Err)
}

func (e *TopologyRecoveryException) Unwrap() error {
	return e.Err
}

func newTopologyRecoveryException(entity, key string, cause error) *TopologyRecoveryException {
	return &TopologyRecoveryException{Entity: entity, Key: key, Err: errors.WithStack(cause)}
}

// CallbackException is raised in place of a panicking event subscriber.
// Context identifies the fan-out site (e.g. "RecoverySucceeded",
// "QueueNameChangedAfterRecovery") so operators can trace which handler
// misbehaved.
type CallbackException struct {
	Context string
	Err     error
}

func (e *CallbackException) Error() string {
	return fmt.Sprintf("callback exception in %s: %s", e.Context, e.Err)
}

func (e *CallbackException) Unwrap() error {
	return e.Err
}

func newCallbackException(context string, cause error) *CallbackException {
	return &CallbackException{Context: context, Err: errors.WithStack(cause)}
}

// errNoDeclarerErr reports that replay had no live channel available to
// issue connection-scoped declarations against.
func errNoDeclarerErr() error {
	return errors.New("no logical channel available to declare topology against")
}

// errOwnerGoneErr reports that a recorded consumer's owning channel was
// closed/unregistered before replay could resubscribe it.
func errOwnerGoneErr() error {
	return errors.New(errNoChannel)
}
