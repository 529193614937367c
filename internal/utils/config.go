package utils

import (
	"os"
	"time"

	"github.com/benmeehan/tunnel-agent/pkg/file"
)

// Config represents the structure of the configuration file.
type Config struct {
	MQTT struct {
		Broker        string `yaml:"broker"`         // MQTT broker address
		ClientID      string `yaml:"client_id"`      // MQTT client ID prefix
		CACertificate string `yaml:"ca_certificate"` // Path to the CA certificate, empty disables TLS
		Username      string `yaml:"username"`       // Broker username, empty disables authentication
		Password      string `yaml:"password"`       // Broker password, supports ${ENV_VAR} references
	} `yaml:"mqtt"`

	Identity struct {
		AgentFile string `yaml:"agent_file"` // Path to the agent identity file
	} `yaml:"identity"`

	SSH struct {
		Server            string        `yaml:"server"`             // SSH server address, port defaults to 22
		User              string        `yaml:"user"`               // SSH username
		PrivateKeyPath    string        `yaml:"private_key_path"`   // Path to the agent's private key
		Password          string        `yaml:"password"`           // SSH password, supports ${ENV_VAR} references
		HostKeyPath       string        `yaml:"host_key_path"`      // Path to the server host key, empty disables verification
		ConnectTimeout    time.Duration `yaml:"connect_timeout"`    // Timeout for establishing a tunnel (in seconds)
		KeepaliveInterval time.Duration `yaml:"keepalive_interval"` // Interval between keepalive probes (in seconds)
	} `yaml:"ssh"`

	Services struct {
		Tunnel TunnelConfig `yaml:"tunnel"`
		Status StatusConfig `yaml:"status"`
	} `yaml:"services"`
}

// TunnelConfig configures the tunnel control plane.
type TunnelConfig struct {
	Enabled        bool           `yaml:"enabled"`         // Enable/disable the tunnel service
	RequestTopic   string         `yaml:"request_topic"`   // Base topic tunnel requests arrive on
	ReplyTopic     string         `yaml:"reply_topic"`     // Base topic request replies are published to
	EventsTopic    string         `yaml:"events_topic"`    // Topic for session closed events
	QOS            int            `yaml:"qos"`             // MQTT QoS level for tunnel messages
	MaxTunnels     int            `yaml:"max_tunnels"`     // Maximum number of concurrently open sessions
	VerifyTarget   bool           `yaml:"verify_target"`   // Check target connectivity before binding
	StatusDir      string         `yaml:"status_dir"`      // Server-side directory for status markers, empty disables them
	AllowedTargets []string       `yaml:"allowed_targets"` // host:port whitelist, empty allows any target
	Static         []StaticTunnel `yaml:"static"`          // Tunnels opened at startup
}

// StaticTunnel declares a tunnel the agent opens at startup.
type StaticTunnel struct {
	BindAddress string `yaml:"bind_address"`  // Listen address on the server
	BindPortMin int    `yaml:"bind_port_min"` // Lowest acceptable remote port, 0 means ephemeral
	BindPortMax int    `yaml:"bind_port_max"` // Highest acceptable remote port
	BindPortTry int    `yaml:"bind_port_try"` // Remote port attempted first
	Target      string `yaml:"target"`        // host:port the tunnel forwards to
}

// StatusConfig configures the periodic agent status report.
type StatusConfig struct {
	Enabled        bool          `yaml:"enabled"`         // Enable/disable the status service
	Topic          string        `yaml:"topic"`           // MQTT topic status reports are published to
	Interval       time.Duration `yaml:"interval"`        // Interval between reports (in seconds)
	QOS            int           `yaml:"qos"`             // MQTT QoS level for status messages
	MetricsTimeout time.Duration `yaml:"metrics_timeout"` // Timeout for one metrics pass (in seconds)
}

// LoadConfig loads the YAML configuration from the specified file.
// ${ENV_VAR} references in the secret fields are expanded so credentials
// can live in the environment instead of the file.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	if err := fileClient.ReadYamlFile(filename, &config); err != nil {
		return nil, err
	}

	config.MQTT.Password = os.ExpandEnv(config.MQTT.Password)
	config.SSH.Password = os.ExpandEnv(config.SSH.Password)

	return &config, nil
}

// SliceToSet converts a slice of any comparable type to a set represented
// by a map[T]struct{}.
func SliceToSet[T comparable](slice []T) map[T]struct{} {
	set := make(map[T]struct{}, len(slice))
	for _, item := range slice {
		set[item] = struct{}{}
	}
	return set
}
