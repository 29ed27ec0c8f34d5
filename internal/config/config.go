// Package config manages utmd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/lattice-mesh/utmd/internal/transport"
)

// valueDecodingFailed wraps a malformed configuration value as the same
// sentinel error type the transport package uses for malformed
// authenticator properties, so callers can match on one error shape
// regardless of which layer rejected the value.
func valueDecodingFailed(key, value string) error {
	return &transport.ValueDecodingFailedError{Key: key, Value: value}
}

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete utmd configuration.
type Config struct {
	Admin          AdminConfig   `koanf:"admin"`
	Metrics        MetricsConfig `koanf:"metrics"`
	Log            LogConfig     `koanf:"log"`
	Unicast        UnicastConfig `koanf:"unicast"`
	Listeners      []string      `koanf:"listeners"`
	Peers          []PeerConfig  `koanf:"peers"`
	Authenticators AuthConfig    `koanf:"authenticators"`
}

// AdminConfig holds the admin-space HTTP front end configuration.
type AdminConfig struct {
	// Addr is the HTTP listen address for the admin-space front end (e.g., ":8080").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// UnicastConfig holds the transport manager's builder parameters.
type UnicastConfig struct {
	LinkLease     time.Duration `koanf:"link_lease"`
	LinkKeepAlive time.Duration `koanf:"link_keep_alive"`
	OpenTimeout   time.Duration `koanf:"open_timeout"`
	OpenPending   int           `koanf:"open_pending"`
	MaxTransports int           `koanf:"max_transports"`
	MaxLinks      int           `koanf:"max_links"`
}

// PeerConfig describes a declarative peer from the configuration file.
// Each entry drives an outbound transport open on daemon startup and on
// SIGHUP reload; entries removed from the file on reload tear down the
// corresponding transport.
type PeerConfig struct {
	// Locator is the peer's dial address, e.g. "tcp/198.51.100.7:7447".
	Locator string `koanf:"locator"`
}

// LocatorKey returns the identity used to diff peer entries across
// SIGHUP reloads.
func (pc PeerConfig) LocatorKey() string {
	return pc.Locator
}

// AuthConfig names the authenticator chains to build by tag, plus any
// shared secret material the named authenticators need.
type AuthConfig struct {
	Link      []string `koanf:"link"`
	Peer      []string `koanf:"peer"`
	PSKSecret string   `koanf:"psk_secret"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Admin: AdminConfig{
			Addr: ":8080",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Unicast: UnicastConfig{
			LinkLease:     10 * time.Second,
			LinkKeepAlive: 2500 * time.Millisecond,
			OpenTimeout:   10 * time.Second,
			OpenPending:   100,
			MaxTransports: 0,
			MaxLinks:      1,
		},
		Authenticators: AuthConfig{
			Link: []string{"noop"},
			Peer: []string{"noop"},
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for utmd configuration.
// Variables are named UTM_<section>_<key>, e.g., UTM_ADMIN_ADDR.
const envPrefix = "UTM_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (UTM_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	UTM_ADMIN_ADDR           -> admin.addr
//	UTM_METRICS_ADDR         -> metrics.addr
//	UTM_METRICS_PATH         -> metrics.path
//	UTM_LOG_LEVEL            -> log.level
//	UTM_LOG_FORMAT           -> log.format
//	UTM_UNICAST_OPEN_PENDING -> unicast.open_pending
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := decodeDurations(k, cfg); err != nil {
		return nil, err
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// decodeDurations re-parses the unicast.* duration fields directly so that
// an unparseable value (e.g. "10seconds" instead of "10s") surfaces as
// transport.ValueDecodingFailedError naming the offending key, rather than
// koanf's generic mapstructure error.
func decodeDurations(k *koanf.Koanf, cfg *Config) error {
	fields := []struct {
		key string
		dst *time.Duration
	}{
		{"unicast.link_lease", &cfg.Unicast.LinkLease},
		{"unicast.link_keep_alive", &cfg.Unicast.LinkKeepAlive},
		{"unicast.open_timeout", &cfg.Unicast.OpenTimeout},
	}

	for _, f := range fields {
		raw := k.String(f.key)
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return valueDecodingFailed(f.key, raw)
		}
		*f.dst = d
	}

	return nil
}

// envKeyMapper transforms UTM_ADMIN_ADDR -> admin.addr.
// Strips the UTM_ prefix, lowercases, and replaces the first _ with . so
// keys that contain underscores (open_pending) keep them.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"admin.addr":              defaults.Admin.Addr,
		"metrics.addr":            defaults.Metrics.Addr,
		"metrics.path":            defaults.Metrics.Path,
		"log.level":               defaults.Log.Level,
		"log.format":              defaults.Log.Format,
		"unicast.link_lease":      defaults.Unicast.LinkLease.String(),
		"unicast.link_keep_alive": defaults.Unicast.LinkKeepAlive.String(),
		"unicast.open_timeout":    defaults.Unicast.OpenTimeout.String(),
		"unicast.open_pending":    defaults.Unicast.OpenPending,
		"unicast.max_transports":  defaults.Unicast.MaxTransports,
		"unicast.max_links":       defaults.Unicast.MaxLinks,
		"authenticators.link":     defaults.Authenticators.Link,
		"authenticators.peer":     defaults.Authenticators.Peer,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyAdminAddr indicates the admin-space listen address is empty.
	ErrEmptyAdminAddr = errors.New("admin.addr must not be empty")

	// ErrInvalidOpenPending indicates unicast.open_pending is negative.
	ErrInvalidOpenPending = errors.New("unicast.open_pending must be >= 0")

	// ErrInvalidMaxLinks indicates unicast.max_links is not positive.
	ErrInvalidMaxLinks = errors.New("unicast.max_links must be >= 1")

	// ErrInvalidPeerLocator indicates a declarative peer has no locator.
	ErrInvalidPeerLocator = errors.New("peer locator must not be empty")

	// ErrDuplicatePeerLocator indicates two declarative peers share a locator.
	ErrDuplicatePeerLocator = errors.New("duplicate peer locator")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Admin.Addr == "" {
		return ErrEmptyAdminAddr
	}

	if cfg.Unicast.OpenPending < 0 {
		return ErrInvalidOpenPending
	}

	if cfg.Unicast.MaxLinks < 1 {
		return ErrInvalidMaxLinks
	}

	if err := validatePeers(cfg.Peers); err != nil {
		return err
	}

	return nil
}

// validatePeers checks each declarative peer entry for correctness.
func validatePeers(peers []PeerConfig) error {
	seen := make(map[string]struct{}, len(peers))

	for i, p := range peers {
		if p.Locator == "" {
			return fmt.Errorf("peers[%d]: %w", i, ErrInvalidPeerLocator)
		}
		key := p.LocatorKey()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("peers[%d] locator %q: %w", i, p.Locator, ErrDuplicatePeerLocator)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
