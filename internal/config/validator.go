package config

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateNetwork(cfg.GetNetwork(), result)
	validateProtocol(cfg.GetProtocol(), result)
	validateAPI(cfg.GetAPI(), result)
	validateMQTT(cfg.GetMQTT(), result)

	if strings.TrimSpace(cfg.GetDatabase().Path) == "" {
		result.AddError("database.path", "database path is required")
	}

	return result
}

func validateNetwork(n NetworkConfig, result *ValidationResult) {
	validateAddress(n.ListenAddress, "network.listen_address", result)

	if n.ReceiveBufferSize < 64 {
		result.AddError("network.receive_buffer_size", "receive buffer must be at least 64 bytes")
	}
	if n.HistoryCapacity < 0 {
		result.AddError("network.history_capacity", "history capacity cannot be negative")
	}
	if n.HistoryCapacity == 0 {
		result.AddWarning("network.history_capacity", "history disabled, peek and replay will return nothing")
	}
	if n.WriteTimeout < 1 {
		result.AddWarning("network.write_timeout_sec", "no write timeout, a stalled client can block its senders")
	}
	if n.IdleTimeout > 0 && n.ReapInterval < 1 {
		result.AddError("network.reap_interval_sec", "reap interval is required when an idle timeout is set")
	}
	if n.MaxConnections < 0 {
		result.AddError("network.max_connections", "cannot be negative")
	}
}

func validateProtocol(p ProtocolConfig, result *ValidationResult) {
	if p.CompressionLevel < -2 || p.CompressionLevel > 9 {
		result.AddError("protocol.compression_level",
			fmt.Sprintf("invalid flate level %d (must be -2..9)", p.CompressionLevel))
	}
	if p.EncryptionSecret != "" && len(p.EncryptionSecret) < 16 {
		result.AddWarning("protocol.encryption_secret", "secret shorter than 16 bytes")
	}
	if p.OutboxSize < 1 {
		result.AddError("protocol.outbox_size", "outbox must hold at least 1 message")
	}

	if len(p.Shards) == 0 {
		result.AddWarning("protocol.shards", "no shards configured, account login will list nothing")
	}
	for i, s := range p.Shards {
		field := fmt.Sprintf("protocol.shards[%d]", i)
		if strings.TrimSpace(s.Name) == "" {
			result.AddError(field+".name", "shard name is required")
		}
		if len(s.Name) > 32 {
			result.AddWarning(field+".name", "shard name longer than 32 characters will be truncated")
		}
		if addr, err := netip.ParseAddr(s.Address); err != nil || !addr.Is4() {
			result.AddError(field+".address", fmt.Sprintf("not an IPv4 address: %q", s.Address))
		}
		validatePort(s.Port, field+".port", result)
		if s.Timezone < -12 || s.Timezone > 14 {
			result.AddWarning(field+".timezone", "timezone outside -12..14")
		}
	}
}

func validateAPI(a APIConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validateAddress(a.Address, "api.address", result)

	if a.TLSEnabled {
		if strings.TrimSpace(a.TLSCertFile) == "" {
			result.AddError("api.tls_cert_file", "TLS certificate file is required when TLS is enabled")
		}
		if strings.TrimSpace(a.TLSKeyFile) == "" {
			result.AddError("api.tls_key_file", "TLS key file is required when TLS is enabled")
		}
	}
	if a.Token == "" {
		result.AddWarning("api.token", "no API token, admin routes are unauthenticated")
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
}

func validateMQTT(m MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if m.StatsInterval < 5 {
		result.AddWarning("mqtt.stats_interval_sec", "stats interval less than 5s may cause excessive traffic")
	}
}

func validateAddress(addr, field string, result *ValidationResult) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		result.AddError(field, fmt.Sprintf("invalid address %q: %v", addr, err))
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		result.AddError(field, fmt.Sprintf("invalid port %q", portStr))
		return
	}
	if port == 0 {
		return // ephemeral
	}
	validatePort(port, field, result)
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
