package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Node.DataDir != "./data" {
		t.Errorf("Node.DataDir = %s, want ./data", cfg.Node.DataDir)
	}
	if cfg.Node.LogLevel != "info" {
		t.Errorf("Node.LogLevel = %s, want info", cfg.Node.LogLevel)
	}
	if cfg.Network.Addr4 != "0.0.0.0:4242" {
		t.Errorf("Network.Addr4 = %s, want 0.0.0.0:4242", cfg.Network.Addr4)
	}
	if cfg.Storage.Path == "" {
		t.Errorf("Storage.Path must not be empty")
	}
	if cfg.Messaging.Enabled {
		t.Errorf("Messaging.Enabled should default to false")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
node:
  key_file: "./data/node.key"
  data_dir: "./data"
  log_level: "debug"
  log_format: "json"

network:
  addr4: "0.0.0.0:4433"
  addr6: "[::]:4433"

storage:
  path: "./data/dht.db"
  routing_dir: "./data"

bootstrap:
  - id: "abc123def456789012345678901234ab"
    addr4: "192.168.1.50:4433"
    public_key: "abc123def456789012345678901234abcdef0123456789012345678901234abc"

messaging:
  enabled: true
  broker_url: "wss://broker.example/ws"
  api_url: "https://broker.example/api"
  device_name: "laptop"

metrics:
  enabled: true
  address: ":9090"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Node.LogLevel != "debug" {
		t.Errorf("Node.LogLevel = %s, want debug", cfg.Node.LogLevel)
	}
	if cfg.Network.Addr6 != "[::]:4433" {
		t.Errorf("Network.Addr6 = %s, want [::]:4433", cfg.Network.Addr6)
	}
	if len(cfg.Bootstrap) != 1 {
		t.Fatalf("expected 1 bootstrap node, got %d", len(cfg.Bootstrap))
	}
	if !cfg.Messaging.Enabled || cfg.Messaging.BrokerURL != "wss://broker.example/ws" {
		t.Errorf("unexpected messaging config: %+v", cfg.Messaging)
	}
}

func TestParse_InvalidLogLevel(t *testing.T) {
	yamlConfig := `
node:
  data_dir: "./data"
  log_level: "verbose"
network:
  addr4: "0.0.0.0:4242"
storage:
  path: "./data/dht.db"
  routing_dir: "./data"
`
	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Fatal("expected validation error for invalid log_level")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestParse_MissingNetworkAddr(t *testing.T) {
	yamlConfig := `
node:
  data_dir: "./data"
storage:
  path: "./data/dht.db"
  routing_dir: "./data"
network:
  addr4: ""
  addr6: ""
`
	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Fatal("expected validation error when neither addr4 nor addr6 is set")
	}
}

func TestParse_MessagingRequiresURLsWhenEnabled(t *testing.T) {
	yamlConfig := `
node:
  data_dir: "./data"
network:
  addr4: "0.0.0.0:4242"
storage:
  path: "./data/dht.db"
  routing_dir: "./data"
messaging:
  enabled: true
`
	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Fatal("expected validation error for messaging enabled without broker_url/api_url")
	}
	if !strings.Contains(err.Error(), "broker_url") {
		t.Errorf("error should mention broker_url, got: %v", err)
	}
}

func TestParse_InvalidBootstrapID(t *testing.T) {
	yamlConfig := `
node:
  data_dir: "./data"
network:
  addr4: "0.0.0.0:4242"
storage:
  path: "./data/dht.db"
  routing_dir: "./data"
bootstrap:
  - id: "not-hex!!"
    addr4: "1.2.3.4:4242"
`
	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Fatal("expected validation error for non-hex bootstrap id")
	}
}

func TestLoad_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "node:\n  data_dir: \"./data\"\nnetwork:\n  addr4: \"0.0.0.0:4242\"\nstorage:\n  path: \"./data/dht.db\"\n  routing_dir: \"./data\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Network.Addr4 != "0.0.0.0:4242" {
		t.Errorf("Network.Addr4 = %s, want 0.0.0.0:4242", cfg.Network.Addr4)
	}
}

func TestExpandEnvVars(t *testing.T) {
	os.Setenv("DHT_TEST_ADDR", "0.0.0.0:9999")
	defer os.Unsetenv("DHT_TEST_ADDR")

	yamlConfig := `
node:
  data_dir: "./data"
network:
  addr4: "${DHT_TEST_ADDR}"
storage:
  path: "./data/dht.db"
  routing_dir: "./data"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Network.Addr4 != "0.0.0.0:9999" {
		t.Errorf("Network.Addr4 = %s, want 0.0.0.0:9999", cfg.Network.Addr4)
	}
}
