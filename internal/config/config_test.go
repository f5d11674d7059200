package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arglab/telemetry/internal/config"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
listen_addr: ":8443"
log_level: debug
merkle:
  store: filesystem
  dir: "/var/lib/telemetryd/streams"
  index_path: "/var/lib/telemetryd/index.sqlite"
  workers: 8
categories: ["student", "tool", "course"]
auth:
  mode: jwt
  jwt_public_key_path: "/etc/telemetryd/jwt.pub"
blacklist:
  rules:
    - action: deny
      patterns:
        - field: email
          patterns: ["^.*@ncsu\\.edu$"]
`

func TestLoadConfigValid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenAddr != ":8443" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Merkle.Store != "filesystem" || cfg.Merkle.Workers != 8 {
		t.Errorf("Merkle = %+v", cfg.Merkle)
	}
	if cfg.Auth.Mode != "jwt" || cfg.Auth.JWTPublicKeyPath == "" {
		t.Errorf("Auth = %+v", cfg.Auth)
	}
	if len(cfg.Blacklist.Rules) != 1 || cfg.Blacklist.Rules[0].Action != "deny" {
		t.Errorf("Blacklist = %+v", cfg.Blacklist)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	yaml := `
listen_addr: ":8443"
merkle:
  store: memory
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.Merkle.Workers != 4 {
		t.Errorf("default Merkle.Workers = %d, want 4", cfg.Merkle.Workers)
	}
	if cfg.DedupCapacity != 256 {
		t.Errorf("default DedupCapacity = %d, want 256", cfg.DedupCapacity)
	}
	if cfg.Auth.Mode != "fixture" {
		t.Errorf("default Auth.Mode = %q, want fixture", cfg.Auth.Mode)
	}
	if len(cfg.Categories) == 0 {
		t.Errorf("expected default categories to be populated")
	}
}

func TestLoadConfigMissingListenAddr(t *testing.T) {
	yaml := `
merkle:
  store: memory
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing listen_addr, got nil")
	}
	if !strings.Contains(err.Error(), "listen_addr") {
		t.Errorf("error %q does not mention listen_addr", err.Error())
	}
}

func TestLoadConfigFilesystemStoreRequiresDirAndIndex(t *testing.T) {
	yaml := `
listen_addr: ":8443"
merkle:
  store: filesystem
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for filesystem store missing dir/index_path")
	}
	if !strings.Contains(err.Error(), "merkle.dir") || !strings.Contains(err.Error(), "merkle.index_path") {
		t.Errorf("error %q does not mention both missing fields", err.Error())
	}
}

func TestLoadConfigPostgresStoreRequiresConnString(t *testing.T) {
	yaml := `
listen_addr: ":8443"
merkle:
  store: postgres
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for postgres store missing conn_string")
	}
	if !strings.Contains(err.Error(), "conn_string") {
		t.Errorf("error %q does not mention conn_string", err.Error())
	}
}

func TestLoadConfigJWTModeRequiresPublicKeyPath(t *testing.T) {
	yaml := `
listen_addr: ":8443"
merkle:
  store: memory
auth:
  mode: jwt
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for jwt mode missing jwt_public_key_path")
	}
	if !strings.Contains(err.Error(), "jwt_public_key_path") {
		t.Errorf("error %q does not mention jwt_public_key_path", err.Error())
	}
}

func TestLoadConfigInvalidBlacklistAction(t *testing.T) {
	yaml := `
listen_addr: ":8443"
merkle:
  store: memory
blacklist:
  rules:
    - action: nuke
      patterns:
        - field: email
          patterns: ["^.*$"]
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid blacklist action")
	}
	if !strings.Contains(err.Error(), "nuke") {
		t.Errorf("error %q does not mention invalid action", err.Error())
	}
}

func TestLoadConfigFileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}
