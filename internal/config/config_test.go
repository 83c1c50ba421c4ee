package config

import (
	"path/filepath"
	"testing"

	"github.com/op15/bridge/internal/session"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := &Config{
		ServerURL:    "wss://bridge.example.com/api/bridge",
		UserID:       "u1",
		SharedSecret: "s3cr3t",
		HTTPPort:     4001,
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ServerURL != cfg.ServerURL || loaded.UserID != cfg.UserID || loaded.SharedSecret != cfg.SharedSecret {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for empty config")
	}
}

func TestHTTPPortOrDefault(t *testing.T) {
	cfg := &Config{}
	if got := cfg.HTTPPortOrDefault(); got != defaultHTTPPort {
		t.Fatalf("HTTPPortOrDefault = %d, want %d", got, defaultHTTPPort)
	}
}

func TestPermissionPolicyClampRemovesDisallowedCapabilities(t *testing.T) {
	readOnly, err := ParsePermissionPolicyPreset("read_only")
	if err != nil {
		t.Fatalf("preset: %v", err)
	}

	perms := session.Permissions{
		Mode:              session.ModeUnrestricted,
		AllowedOperations: map[string]bool{"read": true, "write": true, "delete": true, "exec": true},
	}
	clamped := readOnly.Clamp(perms)

	if !clamped.AllowedOperations["read"] {
		t.Fatalf("read should survive clamp")
	}
	if clamped.AllowedOperations["write"] || clamped.AllowedOperations["delete"] || clamped.AllowedOperations["exec"] {
		t.Fatalf("write/delete/exec should be clamped away: %+v", clamped.AllowedOperations)
	}
}
