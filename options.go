package amqpx

import (
	"crypto/tls"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	xlog "go.bryk.io/pkg/log"
)

// DeclarativeTopology is a static exchange/queue/binding layout, typically
// loaded from YAML or JSON, applied once at Dial time through
// WithTopology as sugar over calling LogicalChannel's declare methods by
// hand. It intentionally excludes consumers: subscriptions are inherently
// imperative (they need a delivery channel reader) and are always started
// explicitly through LogicalChannel.Consume.
type DeclarativeTopology struct {
	Exchanges []Exchange `yaml:"exchanges,omitempty" json:"exchanges,omitempty"`
	Queues    []Queue    `yaml:"queues,omitempty" json:"queues,omitempty"`
	Bindings  []Binding  `yaml:"bindings,omitempty" json:"bindings,omitempty"`
}

type options struct {
	logger                       xlog.Logger
	tlsConfig                    *tls.Config
	resolver                     EndpointResolver
	name                         string
	networkRecoveryInterval      time.Duration
	topologyRecovery             bool
	triggerPolicy                RecoveryTriggerPolicy
	requestedConnectionTimeout   time.Duration
	handshakeContinuationTimeout time.Duration
	heartbeat                    time.Duration
	clientProvidedName           string
	metricsRegisterer            prometheus.Registerer
	topology                     DeclarativeTopology
}

func defaultOptions() options {
	return options{
		name:                         "amqpx",
		networkRecoveryInterval:      5 * time.Second,
		topologyRecovery:             true,
		requestedConnectionTimeout:   30 * time.Second,
		handshakeContinuationTimeout: 10 * time.Second,
		heartbeat:                    10 * time.Second,
	}
}

// Option adjusts the configuration of a Connection produced by Dial or
// DialWithResolver.
type Option func(*options)

// WithLogger sets the structured logger used for recovery diagnostics.
// Defaults to a discard logger when not provided.
func WithLogger(log xlog.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithClientProvidedName sets the connection_name property the broker
// management UI will display for this connection.
func WithClientProvidedName(name string) Option {
	return func(o *options) { o.clientProvidedName = name; o.name = name }
}

// WithTLSConfig sets the TLS configuration used when the resolved endpoint
// scheme is amqps. It is applied only to the StaticResolver that Dial builds
// from its URI list; endpoints from a custom resolver (WithResolver,
// DialWithResolver) are dialed with their own Endpoint.TLSConfig.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) { o.tlsConfig = cfg }
}

// WithResolver overrides the endpoint resolver; Dial ordinarily builds a
// StaticResolver from its URI list, so this is mainly useful when calling
// Dial for its option-parsing convenience while still wanting a custom
// resolver such as ConsulResolver (equivalent to calling DialWithResolver
// directly).
func WithResolver(r EndpointResolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithNetworkRecoveryInterval sets the fixed delay between recovery
// attempts. Defaults to 5 seconds.
func WithNetworkRecoveryInterval(d time.Duration) Option {
	return func(o *options) { o.networkRecoveryInterval = d }
}

// WithTopologyRecovery toggles whether the ledger is replayed after a
// transport is re-established. Defaults to true; disable it when the
// application prefers to re-declare its own topology manually in a
// RecoverySucceeded handler instead.
func WithTopologyRecovery(enabled bool) Option {
	return func(o *options) { o.topologyRecovery = enabled }
}

// WithRecoveryTriggerPolicy overrides which shutdown causes trigger
// automatic recovery. Defaults to recovering on any cause except an
// application-initiated Close/Abort.
func WithRecoveryTriggerPolicy(p RecoveryTriggerPolicy) Option {
	return func(o *options) { o.triggerPolicy = p }
}

// WithRequestedConnectionTimeout bounds how long a single dial attempt may
// take before failing.
func WithRequestedConnectionTimeout(d time.Duration) Option {
	return func(o *options) { o.requestedConnectionTimeout = d }
}

// WithHandshakeContinuationTimeout bounds Abort's wait on the
// supervisor-terminated latch. Abort is the disposal path an application
// reaches for when it wants the connection gone now, so it gets its own
// (typically shorter) bound than the one Close uses
// (requestedConnectionTimeout); on timeout a warning is logged and Abort
// proceeds regardless. Defaults to 10 seconds.
func WithHandshakeContinuationTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeContinuationTimeout = d }
}

// WithHeartbeat sets the AMQP heartbeat interval negotiated with the broker.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

// WithMetrics enables Prometheus instrumentation, registering the
// connection's recovery vectors against reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.metricsRegisterer = reg }
}

// WithTopology declares a static exchange/queue/binding layout to be applied
// once Dial's initial transport is established.
func WithTopology(t DeclarativeTopology) Option {
	return func(o *options) { o.topology = t }
}
