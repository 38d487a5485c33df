package amqpx

import (
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.bryk.io/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is an env-driven description of how to dial and tune a Connection.
// Nothing in the package reads it on its own: the Connection/Option API takes
// explicit values so library code never depends on process environment
// variables, but applications embedding amqpx commonly want exactly this
// envconfig-backed shape for their own main(), loaded via LoadConfig.
type Config struct {
	URIs                         []string      `envconfig:"AMQPX_URIS" required:"true"`
	ClientProvidedName           string        `envconfig:"AMQPX_CLIENT_NAME" default:"amqpx"`
	NetworkRecoveryInterval      time.Duration `envconfig:"AMQPX_NETWORK_RECOVERY_INTERVAL" default:"5s"`
	TopologyRecovery             bool          `envconfig:"AMQPX_TOPOLOGY_RECOVERY" default:"true"`
	RequestedConnectionTimeout   time.Duration `envconfig:"AMQPX_CONNECTION_TIMEOUT" default:"30s"`
	HandshakeContinuationTimeout time.Duration `envconfig:"AMQPX_HANDSHAKE_CONTINUATION_TIMEOUT" default:"10s"`
	Heartbeat                    time.Duration `envconfig:"AMQPX_HEARTBEAT" default:"10s"`

	ConsulEnabled bool   `envconfig:"AMQPX_CONSUL_ENABLED" default:"false"`
	ConsulAddress string `envconfig:"AMQPX_CONSUL_ADDRESS" default:"127.0.0.1:8500"`
	ConsulService string `envconfig:"AMQPX_CONSUL_SERVICE" default:"rabbitmq"`

	MetricsEnabled bool `envconfig:"AMQPX_METRICS_ENABLED" default:"false"`

	// TopologyFile, when set, names a YAML file describing the declarative
	// topology to apply at Dial time (see LoadDeclarativeTopology).
	TopologyFile string `envconfig:"AMQPX_TOPOLOGY_FILE" default:""`
}

// LoadConfig populates a Config from environment variables prefixed per the
// envconfig tags above.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDeclarativeTopology reads a YAML-encoded DeclarativeTopology from path,
// the on-disk counterpart to WithTopology for deployments that prefer to keep
// their exchange/queue/binding layout out of code.
func LoadDeclarativeTopology(path string) (DeclarativeTopology, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return DeclarativeTopology{}, errors.Wrapf(err, "failed to read topology file %q", path)
	}
	var t DeclarativeTopology
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return DeclarativeTopology{}, errors.Wrapf(err, "failed to parse topology file %q", path)
	}
	return t, nil
}
