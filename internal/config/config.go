// Package config handles configuration loading, validation, and persistence
// for the shard server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "shard.json"
	DefaultGamePort   = 2593
	DefaultAPIPort    = 5000
)

// Config is the root configuration structure for the shard.
type Config struct {
	mu   sync.RWMutex
	path string

	Network  NetworkConfig  `json:"network"`
	Protocol ProtocolConfig `json:"protocol"`
	API      APIConfig      `json:"api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
}

// NetworkConfig holds listener and connection settings.
type NetworkConfig struct {
	ListenAddress     string `json:"listen_address"`
	ReceiveBufferSize int    `json:"receive_buffer_size"`
	HistoryCapacity   int    `json:"history_capacity"`
	WriteTimeout      int    `json:"write_timeout_sec"`
	IdleTimeout       int    `json:"idle_timeout_sec"`
	ReapInterval      int    `json:"reap_interval_sec"`
	MaxConnections    int    `json:"max_connections"`
}

// ProtocolConfig holds login flow and stream transform settings.
type ProtocolConfig struct {
	CompressAfterLogin bool          `json:"compress_after_login"`
	CompressionLevel   int           `json:"compression_level"`
	EncryptionSecret   string        `json:"encryption_secret"`
	TraceTraffic       bool          `json:"trace_traffic"`
	OutboxSize         int           `json:"outbox_size"`
	Shards             []ShardConfig `json:"shards"`
}

// ShardConfig is one entry of the server list sent after account login.
type ShardConfig struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Timezone int    `json:"timezone"`
}

// APIConfig holds the HTTP diagnostics API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Address        string   `json:"address"`
	Token          string   `json:"token"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled       bool   `json:"enabled"`
	BrokerURL     string `json:"broker_url"`
	Port          int    `json:"port"`
	UseTLS        bool   `json:"use_tls"`
	ClientID      string `json:"client_id"`
	TopicPrefix   string `json:"topic_prefix"`
	StatsInterval int    `json:"stats_interval_sec"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path          string `json:"path"`
	AuditSessions bool   `json:"audit_sessions"`
	AutoCreate    bool   `json:"auto_create_accounts"`
	RetentionDays int    `json:"session_retention_days"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			ListenAddress:     fmt.Sprintf("0.0.0.0:%d", DefaultGamePort),
			ReceiveBufferSize: 4096,
			HistoryCapacity:   64 * 1024,
			WriteTimeout:      10,
			IdleTimeout:       300,
			ReapInterval:      30,
			MaxConnections:    1024,
		},
		Protocol: ProtocolConfig{
			CompressAfterLogin: true,
			CompressionLevel:   1,
			OutboxSize:         1024,
			Shards: []ShardConfig{
				{Name: "Shard", Address: "127.0.0.1", Port: DefaultGamePort},
			},
		},
		API: APIConfig{
			Enabled:      true,
			Address:      fmt.Sprintf("127.0.0.1:%d", DefaultAPIPort),
			RateLimitRPS: 100,
		},
		MQTT: MQTTConfig{
			Enabled:       false,
			Port:          1883,
			TopicPrefix:   "shard",
			StatsInterval: 30,
		},
		Database: DatabaseConfig{
			Path:          "shard.db",
			AuditSessions: true,
			RetentionDays: 30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from a JSON file in configDir, creating it
// with defaults if it does not exist.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so the file always lists every option.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetNetwork returns a copy of the network configuration.
func (c *Config) GetNetwork() NetworkConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Network
}

// GetProtocol returns a copy of the protocol configuration.
func (c *Config) GetProtocol() ProtocolConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := c.Protocol
	p.Shards = append([]ShardConfig(nil), c.Protocol.Shards...)
	return p
}

// GetAPI returns a copy of the API configuration.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API
}

// GetMQTT returns a copy of the MQTT configuration.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetDatabase returns a copy of the database configuration.
func (c *Config) GetDatabase() DatabaseConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Database
}

// GetLogging returns a copy of the logging configuration.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// SetNetwork updates the network configuration.
func (c *Config) SetNetwork(n NetworkConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Network = n
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// Seconds converts a *_sec setting to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
