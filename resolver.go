package amqpx

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"

	consulapi "github.com/hashicorp/consul/api"
	"go.bryk.io/pkg/errors"
)

// Endpoint is a single broker address a Connection may dial or redial.
type Endpoint struct {
	URI       string
	TLSConfig *tls.Config
}

// EndpointResolver supplies the next candidate endpoint to dial, both on
// initial connect and on every recovery attempt. Implementations are
// expected to be safe for concurrent use: the supervisor calls Next from its
// own goroutine, but Connection.Endpoint() may be read concurrently from
// application code.
type EndpointResolver interface {
	Next(ctx context.Context) (Endpoint, error)
}

// StaticResolver round-robins over a fixed, pre-resolved list of endpoints.
// It is the default resolver used by Dial when given a plain list of URIs.
type StaticResolver struct {
	endpoints []Endpoint
	cursor    uint64
}

// NewStaticResolver builds a StaticResolver over the given broker URIs,
// applying tlsConfig (which may be nil for amqp:// endpoints) to each.
func NewStaticResolver(uris []string, tlsConfig *tls.Config) (*StaticResolver, error) {
	if len(uris) == 0 {
		return nil, errors.New("at least one broker URI is required")
	}
	endpoints := make([]Endpoint, len(uris))
	for i, u := range uris {
		endpoints[i] = Endpoint{URI: u, TLSConfig: tlsConfig}
	}
	return &StaticResolver{endpoints: endpoints}, nil
}

// Next returns the next endpoint in round-robin order.
func (r *StaticResolver) Next(_ context.Context) (Endpoint, error) {
	i := atomic.AddUint64(&r.cursor, 1) - 1
	return r.endpoints[i%uint64(len(r.endpoints))], nil
}

// ConsulResolver resolves the next endpoint from the healthy instances of a
// Consul service, so a connection recovering against a multi-node cluster
// always redials a node the catalog currently reports as passing, rather
// than the (possibly still-down) node it was last attached to.
type ConsulResolver struct {
	client      *consulapi.Client
	service     string
	tag         string
	scheme      string
	vhost       string
	credentials string // "user:pass", empty for none
	tlsConfig   *tls.Config
	cursor      uint64
}

// ConsulResolverConfig configures a ConsulResolver.
type ConsulResolverConfig struct {
	// Address of the Consul HTTP API, e.g. "127.0.0.1:8500".
	Address string
	// Service is the name registered in Consul's catalog for the broker
	// cluster, e.g. "rabbitmq".
	Service string
	// Tag optionally restricts resolution to instances carrying this tag.
	Tag string
	// Scheme is "amqp" or "amqps"; defaults to "amqp".
	Scheme string
	// VHost is appended to every resolved URI; defaults to "/".
	VHost string
	// Credentials, formatted "user:pass", embedded in every resolved URI.
	Credentials string
	TLSConfig   *tls.Config
}

// NewConsulResolver builds a ConsulResolver against the given Consul agent.
func NewConsulResolver(cfg ConsulResolverConfig) (*ConsulResolver, error) {
	conf := consulapi.DefaultConfig()
	if cfg.Address != "" {
		conf.Address = cfg.Address
	}
	client, err := consulapi.NewClient(conf)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build consul client")
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "amqp"
	}
	vhost := cfg.VHost
	if vhost == "" {
		vhost = "/"
	}
	if cfg.Service == "" {
		return nil, errors.New("consul service name is required")
	}
	return &ConsulResolver{
		client:      client,
		service:     cfg.Service,
		tag:         cfg.Tag,
		scheme:      scheme,
		vhost:       vhost,
		credentials: cfg.Credentials,
		tlsConfig:   cfg.TLSConfig,
	}, nil
}

// Next queries Consul's health catalog for passing instances of the
// configured service and round-robins across whatever is currently healthy.
func (r *ConsulResolver) Next(ctx context.Context) (Endpoint, error) {
	entries, _, err := r.client.Health().Service(r.service, r.tag, true, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return Endpoint{}, errors.Wrap(err, "consul health query failed")
	}
	if len(entries) == 0 {
		return Endpoint{}, errors.Errorf("no healthy instances of service %q found in consul", r.service)
	}
	i := atomic.AddUint64(&r.cursor, 1) - 1
	entry := entries[i%uint64(len(entries))]
	addr := entry.Service.Address
	if addr == "" {
		addr = entry.Node.Address
	}
	uri := fmt.Sprintf("%s://", r.scheme)
	if r.credentials != "" {
		uri += r.credentials + "@"
	}
	uri += fmt.Sprintf("%s:%d%s", addr, entry.Service.Port, r.vhost)
	return Endpoint{URI: uri, TLSConfig: r.tlsConfig}, nil
}
