// Package config provides configuration parsing and validation for the DHT node.
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete node configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Network   NetworkConfig   `yaml:"network"`
	Storage   StorageConfig   `yaml:"storage"`
	Bootstrap []BootstrapNode `yaml:"bootstrap"`
	Messaging MessagingConfig `yaml:"messaging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// NodeConfig defines the node's identity and logging.
type NodeConfig struct {
	// KeyFile is the path to the node's Ed25519 signing key. Generated on
	// first start if it does not exist.
	KeyFile   string `yaml:"key_file"`
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
	LogFile   string `yaml:"log_file"`   // empty means stderr
}

// NetworkConfig defines the UDP listeners for the two Kademlia stacks.
type NetworkConfig struct {
	// Addr4 is the IPv4 listen address, e.g. "0.0.0.0:4242".
	Addr4 string `yaml:"addr4"`
	// Addr6 is the IPv6 listen address, e.g. "[::]:4242". Empty disables
	// the IPv6 stack and the node runs v4-only.
	Addr6 string `yaml:"addr6"`
}

// StorageConfig defines where DHT state is persisted.
type StorageConfig struct {
	// Path is the sqlite database file holding stored key/value records
	// and the peer table.
	Path string `yaml:"path"`
	// RoutingDir holds the routing table snapshots (routing-v4.bin,
	// routing-v6.bin).
	RoutingDir string `yaml:"routing_dir"`
}

// BootstrapNode is a well-known peer used to seed the routing table on
// first start.
type BootstrapNode struct {
	ID        string `yaml:"id"`         // hex-encoded node id
	Addr4     string `yaml:"addr4"`      // optional
	Addr6     string `yaml:"addr6"`      // optional
	PublicKey string `yaml:"public_key"` // hex-encoded Ed25519 public key
}

// MessagingConfig configures the secure messaging overlay client.
type MessagingConfig struct {
	Enabled bool `yaml:"enabled"`
	// BrokerURL is the websocket endpoint, e.g. "wss://broker.example/ws".
	BrokerURL string `yaml:"broker_url"`
	// APIURL is the base URL of the registration/contacts/profile REST API.
	APIURL string `yaml:"api_url"`
	// DeviceName is the human-readable label sent during device registration.
	DeviceName string `yaml:"device_name"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			KeyFile:   "./data/node.key",
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Network: NetworkConfig{
			Addr4: "0.0.0.0:4242",
			Addr6: "",
		},
		Storage: StorageConfig{
			Path:       "./data/dht.db",
			RoutingDir: "./data",
		},
		Bootstrap: []BootstrapNode{},
		Messaging: MessagingConfig{
			Enabled: false,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Node.DataDir == "" {
		errs = append(errs, "node.data_dir is required")
	}
	if !isValidLogLevel(c.Node.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Node.LogLevel))
	}
	if !isValidLogFormat(c.Node.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Node.LogFormat))
	}

	if c.Network.Addr4 == "" && c.Network.Addr6 == "" {
		errs = append(errs, "network.addr4 or network.addr6 must be set")
	}
	if c.Network.Addr4 != "" {
		if err := validateUDPAddr(c.Network.Addr4); err != nil {
			errs = append(errs, fmt.Sprintf("network.addr4: %v", err))
		}
	}
	if c.Network.Addr6 != "" {
		if err := validateUDPAddr(c.Network.Addr6); err != nil {
			errs = append(errs, fmt.Sprintf("network.addr6: %v", err))
		}
	}

	if c.Storage.Path == "" {
		errs = append(errs, "storage.path is required")
	}
	if c.Storage.RoutingDir == "" {
		errs = append(errs, "storage.routing_dir is required")
	}

	for i, b := range c.Bootstrap {
		if err := validateBootstrapNode(b); err != nil {
			errs = append(errs, fmt.Sprintf("bootstrap[%d]: %v", i, err))
		}
	}

	if c.Messaging.Enabled {
		if c.Messaging.BrokerURL == "" {
			errs = append(errs, "messaging.broker_url is required when messaging.enabled is true")
		}
		if c.Messaging.APIURL == "" {
			errs = append(errs, "messaging.api_url is required when messaging.enabled is true")
		}
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when metrics.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateUDPAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	if host != "" && net.ParseIP(host) == nil {
		return fmt.Errorf("invalid host in %q", addr)
	}
	return nil
}

func validateBootstrapNode(b BootstrapNode) error {
	if b.ID == "" {
		return fmt.Errorf("id is required")
	}
	if _, err := hex.DecodeString(b.ID); err != nil {
		return fmt.Errorf("id must be hex-encoded: %w", err)
	}
	if b.Addr4 == "" && b.Addr6 == "" {
		return fmt.Errorf("addr4 or addr6 is required")
	}
	if b.PublicKey != "" {
		if _, err := hex.DecodeString(b.PublicKey); err != nil {
			return fmt.Errorf("public_key must be hex-encoded: %w", err)
		}
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}
