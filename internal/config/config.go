// Package config provides YAML configuration loading and validation for
// telemetryd.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for telemetryd.
type Config struct {
	// ListenAddr is the HTTP/websocket listen address (e.g. ":8443").
	// Required.
	ListenAddr string `yaml:"listen_addr"`

	// Merkle configures the Merkle DAG log store and its async facade.
	Merkle MerkleConfig `yaml:"merkle"`

	// Categories lists the session-descriptor categories the engine
	// recognizes (e.g. "student", "tool", "course"). Defaults are applied
	// when omitted.
	Categories []string `yaml:"categories"`

	// Blacklist configures the blacklist evaluator's rule set.
	Blacklist BlacklistConfig `yaml:"blacklist"`

	// Auth selects and configures the auth resolver.
	Auth AuthConfig `yaml:"auth"`

	// DedupCapacity is the per-connection dedup LRU size. Defaults to 256
	// when omitted.
	DedupCapacity int `yaml:"dedup_capacity"`

	// LegacyLogDir, when non-empty, enables the flat-file legacy logger
	// (internal/decoder's LegacyLogger) in place of the Merkle chain; the
	// Merkle logger is used only if the legacy log file cannot be opened.
	LegacyLogDir string `yaml:"legacy_log_dir"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`
}

// MerkleConfig configures the stream-storage backend and the async
// facade's worker pool.
type MerkleConfig struct {
	// Store selects the stream-storage backend: "memory", "filesystem", or
	// "postgres". Required.
	Store string `yaml:"store"`

	// Dir is the filesystem backend's storage directory. Required when
	// Store == "filesystem".
	Dir string `yaml:"dir"`

	// IndexPath is the filesystem backend's durable filename-index SQLite
	// path. Required when Store == "filesystem".
	IndexPath string `yaml:"index_path"`

	// ConnString is the postgres backend's connection string. Required
	// when Store == "postgres".
	ConnString string `yaml:"conn_string"`

	// Workers is the async facade's goroutine pool size. Defaults to 4
	// when omitted.
	Workers int `yaml:"workers"`

	// HashTruncate is parsed but not applied: telemetryd builds the Merkle
	// engine with the default codec, so node hashes are never truncated.
	// Truncation exists only as codec.Codec's constructor-time Truncate
	// field (SPEC_FULL.md §10), not as a mutable package global.
	HashTruncate int `yaml:"hash_truncate"`
}

// BlacklistConfig configures the blacklist evaluator.
type BlacklistConfig struct {
	// Rules overrides the default rule set (blacklist.DefaultRules) when
	// non-empty.
	Rules []BlacklistRule `yaml:"rules"`
}

// BlacklistRule mirrors blacklist.Rule in YAML-friendly form.
type BlacklistRule struct {
	Action   string             `yaml:"action"`
	Priority int                `yaml:"priority"`
	Patterns []BlacklistPattern `yaml:"patterns"`
}

// BlacklistPattern mirrors blacklist.Pattern in YAML-friendly form.
type BlacklistPattern struct {
	Field    string   `yaml:"field"`
	Patterns []string `yaml:"patterns"`
}

// AuthConfig selects and configures the auth resolver.
type AuthConfig struct {
	// Mode is "jwt" or "fixture". Defaults to "fixture" when omitted.
	Mode string `yaml:"mode"`

	// JWTPublicKeyPath is the PEM-encoded RSA public key path used to
	// verify authenticate tokens. Required when Mode == "jwt".
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validStores = map[string]bool{
	"memory":     true,
	"filesystem": true,
	"postgres":   true,
}

var validAuthModes = map[string]bool{
	"jwt":     true,
	"fixture": true,
}

var validBlacklistActions = map[string]bool{
	"allow":             true,
	"deny":              true,
	"deny_for_two_days": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config,
// applies defaults, and validates all required fields. It returns a typed
// error describing every validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Merkle.Workers <= 0 {
		cfg.Merkle.Workers = 4
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = 256
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "fixture"
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = []string{"teacher", "student", "school", "classroom", "course", "assignment", "tool"}
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	if !validStores[cfg.Merkle.Store] {
		errs = append(errs, fmt.Errorf("merkle.store %q must be one of: memory, filesystem, postgres", cfg.Merkle.Store))
	}
	switch cfg.Merkle.Store {
	case "filesystem":
		if cfg.Merkle.Dir == "" {
			errs = append(errs, errors.New(`merkle.dir is required when merkle.store is "filesystem"`))
		}
		if cfg.Merkle.IndexPath == "" {
			errs = append(errs, errors.New(`merkle.index_path is required when merkle.store is "filesystem"`))
		}
	case "postgres":
		if cfg.Merkle.ConnString == "" {
			errs = append(errs, errors.New(`merkle.conn_string is required when merkle.store is "postgres"`))
		}
	}

	if !validAuthModes[cfg.Auth.Mode] {
		errs = append(errs, fmt.Errorf("auth.mode %q must be one of: jwt, fixture", cfg.Auth.Mode))
	}
	if cfg.Auth.Mode == "jwt" && cfg.Auth.JWTPublicKeyPath == "" {
		errs = append(errs, errors.New(`auth.jwt_public_key_path is required when auth.mode is "jwt"`))
	}

	for i, r := range cfg.Blacklist.Rules {
		prefix := fmt.Sprintf("blacklist.rules[%d]", i)
		if !validBlacklistActions[r.Action] {
			errs = append(errs, fmt.Errorf("%s: action %q must be one of: allow, deny, deny_for_two_days", prefix, r.Action))
		}
		if len(r.Patterns) == 0 {
			errs = append(errs, fmt.Errorf("%s: patterns must be non-empty", prefix))
		}
	}

	return errors.Join(errs...)
}
