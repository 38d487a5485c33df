package amqpx

import (
	"context"
	"crypto/tls"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
	"go.bryk.io/pkg/errors"
	xlog "go.bryk.io/pkg/log"
)

// shutdownCause classifies why the transport went away, so the trigger
// policy can decide whether automatic recovery should even be attempted.
type shutdownCause int

const (
	// causePeer means the broker itself closed the connection (e.g. it was
	// restarted, or it kicked the connection for violating a policy).
	causePeer shutdownCause = iota
	// causeLibrary means the client library detected the transport is no
	// longer usable (heartbeat timeout, I/O error) without an explicit
	// server close frame.
	causeLibrary
	// causeApplication means Connection.Close or Connection.Abort was
	// called; recovery must never trigger for this cause.
	causeApplication
)

// RecoveryTriggerPolicy decides whether a lost transport should be
// automatically recovered. The default policy recovers on causePeer and
// causeLibrary, never on causeApplication.
type RecoveryTriggerPolicy func(cause shutdownCause) bool

func defaultTriggerPolicy(cause shutdownCause) bool {
	return cause != causeApplication
}

// recoveryState is the supervisor's externally observable state.
type recoveryState int32

const (
	stateConnected recoveryState = iota
	stateRecovering
)

func (s recoveryState) String() string {
	if s == stateRecovering {
		return "recovering"
	}
	return "connected"
}

// supervisor owns the single background goroutine that watches the current
// transport for shutdown, decides (via triggerPolicy) whether to recover,
// and drives the reconnect-then-replay sequence. There is exactly one
// supervisor per Connection, mirroring the teacher's one-eventLoop-per-
// session design, generalized to a connection that may own many
// LogicalChannels instead of exactly one.
type supervisor struct {
	conn     *Connection
	resolver EndpointResolver
	log      xlog.Logger
	events   *eventBus
	ledger   *Ledger
	registry *channelRegistry
	metrics  *metricsRecorder

	networkRecoveryInterval time.Duration
	topologyRecoveryEnabled bool
	triggerPolicy           RecoveryTriggerPolicy
	dialTimeout             time.Duration
	heartbeat               time.Duration
	clientName              string
	breaker                 *gobreaker.CircuitBreaker

	state   atomic.Int32
	attempt atomic.Int32

	mu          sync.Mutex
	notifyClose chan *amqp.Error

	ctx  context.Context
	halt context.CancelFunc
	wg   sync.WaitGroup

	appClosing atomic.Bool

	// dial is the transport dialer, a field rather than a direct call to
	// dialTransport so tests can substitute a fake broker.
	dial func(uri string, tlsConfig *tls.Config, cfg amqp.Config) (transport, error)
}

func newSupervisor(conn *Connection, resolver EndpointResolver, log xlog.Logger, events *eventBus, ledger *Ledger, registry *channelRegistry, metrics *metricsRecorder, interval time.Duration, topologyRecovery bool, policy RecoveryTriggerPolicy, dialTimeout, heartbeat time.Duration, clientName string) *supervisor {
	if policy == nil {
		policy = defaultTriggerPolicy
	}
	ctx, halt := context.WithCancel(context.Background())
	s := &supervisor{
		conn:                    conn,
		resolver:                resolver,
		log:                     log,
		events:                  events,
		ledger:                  ledger,
		registry:                registry,
		metrics:                 metrics,
		networkRecoveryInterval: interval,
		topologyRecoveryEnabled: topologyRecovery,
		triggerPolicy:           policy,
		dialTimeout:             dialTimeout,
		heartbeat:               heartbeat,
		clientName:              clientName,
		ctx:                     ctx,
		halt:                    halt,
		dial:                    dialTransport,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "amqpx-recovery",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     interval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if s.log != nil {
				s.log.WithFields(xlog.Fields{"from": from.String(), "to": to.String()}).Warning("recovery circuit breaker state change")
			}
		},
	})
	return s
}

// watch registers the notifyClose listener for the transport currently
// owned by the Connection. Called once initially and again after every
// successful recovery.
func (s *supervisor) watch(tr transport) {
	ch := make(chan *amqp.Error, 1)
	tr.NotifyClose(ch)
	blocked := make(chan amqp.Blocking, 1)
	tr.NotifyBlocked(blocked)

	s.mu.Lock()
	s.notifyClose = ch
	s.mu.Unlock()

	s.wg.Add(1)
	go s.eventLoop(ch, blocked)
}

// eventLoop mirrors the teacher's session.eventLoop: block on whichever of
// notifyClose/notifyBlocked/ctx.Done fires first. One instance runs per
// transport generation; a successful recovery starts a fresh one via watch.
func (s *supervisor) eventLoop(notifyClose chan *amqp.Error, notifyBlocked chan amqp.Blocking) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return

		case b, ok := <-notifyBlocked:
			if !ok {
				continue
			}
			if b.Active {
				s.events.fireConnectionBlocked(ConnectionBlockedEvent{Reason: b.Reason})
			} else {
				s.events.fireConnectionUnblocked(ConnectionUnblockedEvent{})
			}

		case amqpErr, ok := <-notifyClose:
			cause := causeLibrary
			if ok && amqpErr != nil && amqpErr.Server {
				cause = causePeer
			}
			if s.appClosing.Load() {
				cause = causeApplication
			}
			if !s.triggerPolicy(cause) {
				s.events.fireConnectionShutdown(ConnectionShutdownEvent{
					Reason: "transport closed, recovery not triggered by policy",
					Err:    errClose(amqpErr),
				})
				return
			}
			s.log.Warning("transport lost, starting recovery")
			s.runRecoveryLoop()
			return
		}
	}
}

// runRecoveryLoop retries tryRecover, spaced by networkRecoveryInterval,
// until it succeeds or the supervisor is stopped. Each failed attempt fires
// ConnectionRecoveryError; success fires RecoverySucceeded and resumes
// watching the new transport.
func (s *supervisor) runRecoveryLoop() {
	s.state.Store(int32(stateRecovering))
	if s.metrics != nil {
		s.metrics.setState(stateRecovering)
	}
	for {
		if s.ctx.Err() != nil {
			return
		}
		attempt := int(s.attempt.Add(1))
		started := time.Now()
		tr, endpoint, err := s.tryRecover()
		elapsed := time.Since(started)
		if err != nil {
			if s.metrics != nil {
				s.metrics.observeRecovery(false, elapsed)
			}
			s.events.fireConnectionRecoveryError(newConnectionRecoveryError(attempt, err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.networkRecoveryInterval):
			}
			continue
		}
		if s.metrics != nil {
			s.metrics.observeRecovery(true, elapsed)
		}
		s.conn.swapTransport(tr)
		s.conn.setEndpoint(endpoint)
		s.state.Store(int32(stateConnected))
		if s.metrics != nil {
			s.metrics.setState(stateConnected)
		}
		s.events.fireRecoverySucceeded(RecoverySucceededEvent{Attempt: attempt, Endpoint: endpoint})
		s.watch(tr)
		return
	}
}

// tryRecover performs one full reconnect-and-replay cycle: resolve the next
// endpoint, dial it, re-attach every registered LogicalChannel, and (if
// topology recovery is enabled) replay the ledger against the first
// re-attached channel. It is wrapped in the circuit breaker so a cluster
// that is sustained-down stops hammering the resolver/dialer every interval
// and instead fails fast until the breaker allows a probe again.
func (s *supervisor) tryRecover() (transport, Endpoint, error) {
	var chosen Endpoint
	result, err := s.breaker.Execute(func() (interface{}, error) {
		endpoint, err := s.resolver.Next(s.ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to resolve endpoint")
		}
		chosen = endpoint
		cfg := defaultAMQPConfig(s.dialTimeout, s.heartbeat, s.clientName)
		tr, err := s.dial(endpoint.URI, endpoint.TLSConfig, cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to dial %s", endpoint.URI)
		}

		for _, rc := range s.registry.snapshot() {
			if err := rc.reattach(tr); err != nil {
				_ = tr.Close()
				return nil, errors.Wrap(err, "failed to reattach logical channel")
			}
		}

		if s.topologyRecoveryEnabled {
			declarer, err := s.declarerChannel(tr)
			if err != nil {
				s.log.WithFields(xlog.Fields{"error": err.Error()}).Warning("failed to open declarer channel for topology replay, falling back to per-entity recovery exceptions")
			}
			replayTopology(
				s.ledger,
				s.registry,
				declarer,
				s.log,
				func(te *TopologyRecoveryException) {
					s.log.WithFields(xlog.Fields{"entity": te.Entity, "key": te.Key}).Warning(te.Error())
				},
				func(oldName, newName string) {
					s.events.fireQueueNameChanged(QueueNameChangedAfterRecoveryEvent{OldName: oldName, NewName: newName})
				},
				func(oldTag, newTag string) {
					s.events.fireConsumerTagChanged(ConsumerTagChangedAfterRecoveryEvent{OldTag: oldTag, NewTag: newTag})
				},
			)
			if s.metrics != nil {
				exchanges, queues, bindings, consumers := s.ledger.Snapshot()
				s.metrics.setLedgerCounts(len(exchanges), len(queues), len(bindings), len(consumers))
			}
		}
		return tr, nil
	})
	if err != nil {
		return nil, Endpoint{}, err
	}
	return result.(transport), chosen, nil
}

// declarerChannel returns the transport channel used for connection-scoped
// declarations during replay: the first registered LogicalChannel's
// just-reattached channel, or a throwaway admin channel if none is
// registered yet.
func (s *supervisor) declarerChannel(tr transport) (transportChannel, error) {
	if first, ok := s.registry.first(); ok {
		if lc, ok := first.(*LogicalChannel); ok {
			return lc.current()
		}
	}
	name := newAdminChannelName()
	s.log.WithFields(xlog.Fields{"channel": name}).Debug("opening throwaway admin channel for topology replay")
	return tr.Channel()
}

// stop halts the supervisor before the transport is closed, guaranteeing
// recovery never races with an application-initiated Close/Abort. It blocks
// on the eventLoop goroutine's termination, the supervisor-terminated latch,
// but only up to timeout: an in-flight retry may be parked in a blocking
// dial with no context to cancel it, and Close/Abort must not hang on that
// forever. On timeout a warning is logged and stop returns anyway.
func (s *supervisor) stop(timeout time.Duration) {
	s.appClosing.Store(true)
	s.halt()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.log.WithFields(xlog.Fields{"timeout": timeout.String()}).Warning("supervisor did not terminate before timeout, proceeding with close anyway")
	}
}

func (s *supervisor) currentState() recoveryState {
	return recoveryState(s.state.Load())
}

func errClose(e *amqp.Error) error {
	if e == nil {
		return nil
	}
	return e
}
