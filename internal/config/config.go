// Package config provides TOML configuration file loading for livesync.
// The configuration file lives at ~/.livesync/config.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the configuration file structure.
// The broker and endpoint tables are independent: a machine that only runs
// `livesync host` never reads the [broker] table.
type Config struct {
	Broker   BrokerConfig   `toml:"broker"`
	Endpoint EndpointConfig `toml:"endpoint"`
}

// BrokerConfig configures the relay broker process.
type BrokerConfig struct {
	// Addr is the host:port the relay listens on.
	// Default: 127.0.0.1:7171
	Addr string `toml:"addr"`

	// PublicURL is the ws:// or wss:// URL guests use to reach this broker.
	// It is recorded as the session owner in the directory and advertised
	// over mDNS. Default: derived from Addr.
	PublicURL string `toml:"public_url"`

	// TLSCert and TLSKey enable wss:// when both are set.
	TLSCert string `toml:"tls_cert"`
	TLSKey  string `toml:"tls_key"`

	// TLSSelfSigned generates (or reuses) a self-signed certificate under
	// ~/.livesync/certs when no TLSCert/TLSKey pair is configured.
	// Endpoints pin its fingerprint.
	TLSSelfSigned bool `toml:"tls_self_signed"`

	// MetricsDB is the SQLite file for operational counters.
	// Empty disables metrics collection.
	MetricsDB string `toml:"metrics_db"`

	// RedisAddr selects the Redis session directory when set.
	// Empty keeps session ownership in process memory.
	RedisAddr string `toml:"redis_addr"`

	// RedisTTLSeconds bounds how long a session claim survives a crashed broker.
	// Default: 86400
	RedisTTLSeconds int `toml:"redis_ttl_seconds"`

	// MdnsEnabled advertises the broker on the local network.
	// Default: false
	MdnsEnabled bool `toml:"mdns_enabled"`

	// MessagesPerSecond and MessageBurst rate-limit each connection.
	// Default: 200 / 400
	MessagesPerSecond int `toml:"messages_per_second"`
	MessageBurst      int `toml:"message_burst"`

	// MaxMessageBytes is the largest envelope accepted from a connection.
	// Default: 8 MiB (full-file snapshots travel through the relay).
	MaxMessageBytes int64 `toml:"max_message_bytes"`
}

// EndpointConfig configures a host or guest endpoint.
type EndpointConfig struct {
	// BrokerURL is the relay base URL, e.g. ws://127.0.0.1:7171.
	BrokerURL string `toml:"broker_url"`

	// BrokerFingerprint pins the broker's self-signed certificate
	// ("AA:BB:..." SHA-256). Empty verifies wss:// against the system roots.
	BrokerFingerprint string `toml:"broker_fingerprint"`

	// UserName is the display name shown to other participants.
	// Default: $USER
	UserName string `toml:"user_name"`

	// AllowGuestEdit is the session-wide edit policy when hosting.
	// A pointer so an absent key keeps the default (true).
	AllowGuestEdit *bool `toml:"allow_guest_edit"`

	BatchWindowMs    int `toml:"batch_window_ms"`
	CursorDebounceMs int `toml:"cursor_debounce_ms"`
	ApplyTimeoutMs   int `toml:"apply_timeout_ms"`
	ReloadInitialMs  int `toml:"reload_initial_ms"`
	ReloadMaxMs      int `toml:"reload_max_ms"`
	DedupeCapacity   int `toml:"dedupe_capacity"`
	PollIntervalMs   int `toml:"poll_interval_ms"`
}

// DefaultConfigPath returns the default config file location: ~/.livesync/config.toml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".livesync", "config.toml"), nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts the default location. A missing default
//     file yields an empty Config without error.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// WithDefaults returns a copy of the broker config with zero values replaced.
func (b BrokerConfig) WithDefaults() BrokerConfig {
	if b.Addr == "" {
		b.Addr = DefaultBrokerAddr
	}
	if b.PublicURL == "" {
		scheme := "ws"
		if (b.TLSCert != "" && b.TLSKey != "") || b.TLSSelfSigned {
			scheme = "wss"
		}
		b.PublicURL = scheme + "://" + b.Addr
	}
	if b.RedisTTLSeconds <= 0 {
		b.RedisTTLSeconds = DefaultRedisTTLSeconds
	}
	if b.MessagesPerSecond <= 0 {
		b.MessagesPerSecond = DefaultMessagesPerSecond
	}
	if b.MessageBurst <= 0 {
		b.MessageBurst = DefaultMessageBurst
	}
	if b.MaxMessageBytes <= 0 {
		b.MaxMessageBytes = DefaultMaxMessageBytes
	}
	return b
}

// WithDefaults returns a copy of the endpoint config with zero values replaced.
func (e EndpointConfig) WithDefaults() EndpointConfig {
	if e.BrokerURL == "" {
		e.BrokerURL = DefaultBrokerURL
	}
	if e.UserName == "" {
		e.UserName = os.Getenv("USER")
	}
	if e.UserName == "" {
		e.UserName = "anonymous"
	}
	if e.AllowGuestEdit == nil {
		allow := true
		e.AllowGuestEdit = &allow
	}
	if e.BatchWindowMs <= 0 {
		e.BatchWindowMs = DefaultBatchWindowMs
	}
	if e.CursorDebounceMs <= 0 {
		e.CursorDebounceMs = DefaultCursorDebounceMs
	}
	if e.ApplyTimeoutMs <= 0 {
		e.ApplyTimeoutMs = DefaultApplyTimeoutMs
	}
	if e.ReloadInitialMs <= 0 {
		e.ReloadInitialMs = DefaultReloadInitialMs
	}
	if e.ReloadMaxMs <= 0 {
		e.ReloadMaxMs = DefaultReloadMaxMs
	}
	if e.ReloadMaxMs < e.ReloadInitialMs {
		e.ReloadMaxMs = e.ReloadInitialMs
	}
	if e.DedupeCapacity <= 0 {
		e.DedupeCapacity = DefaultDedupeCapacity
	}
	if e.PollIntervalMs <= 0 {
		e.PollIntervalMs = DefaultPollIntervalMs
	}
	return e
}

// Millis converts a millisecond config value to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
