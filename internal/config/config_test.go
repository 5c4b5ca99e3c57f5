package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	result := Validate(DefaultConfig())
	if !result.IsValid() {
		t.Errorf("Validate(DefaultConfig()) errors = %v", result.Errors)
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Path() != filepath.Join(dir, DefaultConfigFile) {
		t.Errorf("Path() = %s", cfg.Path())
	}
	if _, err := os.Stat(cfg.Path()); err != nil {
		t.Errorf("default config not written: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFile)
	if err := os.WriteFile(path, []byte(`{"network":{"max_connections":7}}`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	n := cfg.GetNetwork()
	if n.MaxConnections != 7 {
		t.Errorf("MaxConnections = %d, want 7", n.MaxConnections)
	}
	if n.ReceiveBufferSize != DefaultConfig().Network.ReceiveBufferSize {
		t.Errorf("ReceiveBufferSize = %d, default not kept", n.ReceiveBufferSize)
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "history_capacity") {
		t.Error("re-saved config is missing default fields")
	}
}

func TestLoadRejectsBadJSON(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{"), 0644)
	if _, err := Load(dir); err == nil {
		t.Error("Load() accepted malformed JSON")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad listen address", func(c *Config) { c.Network.ListenAddress = "nope" }, "network.listen_address"},
		{"tiny buffer", func(c *Config) { c.Network.ReceiveBufferSize = 8 }, "network.receive_buffer_size"},
		{"bad flate level", func(c *Config) { c.Protocol.CompressionLevel = 11 }, "protocol.compression_level"},
		{"shard without ipv4", func(c *Config) { c.Protocol.Shards[0].Address = "::1" }, "protocol.shards[0].address"},
		{"shard port", func(c *Config) { c.Protocol.Shards[0].Port = 70000 }, "protocol.shards[0].port"},
		{"tls without cert", func(c *Config) { c.API.TLSEnabled = true }, "api.tls_cert_file"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker_url"},
		{"no database", func(c *Config) { c.Database.Path = " " }, "database.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			result := Validate(cfg)
			if result.IsValid() {
				t.Fatal("Validate() reported no errors")
			}
			found := false
			for _, e := range result.Errors {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("errors = %v, want one for %s", result.Errors, tt.field)
			}
		})
	}
}

func TestEphemeralPortAllowed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Network.ListenAddress = "127.0.0.1:0"
	if r := Validate(cfg); !r.IsValid() {
		t.Errorf("errors = %v", r.Errors)
	}
}
