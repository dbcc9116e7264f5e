package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadFromFileValid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"identity": {"user": "alice", "userId": "u-1"}, "session": {"network": "slack"}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Session.Network != "slack" {
		t.Errorf("expected network %q, got %q", "slack", cfg.Session.Network)
	}
}

func TestLoadFromFileInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("{not valid json"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFromFile(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestEnvOverrideNetwork(t *testing.T) {
	t.Setenv("SESSIOND_SESSION_NETWORK", "discord")

	cfg, err := LoadFromReader(strings.NewReader(minimal))
	if err != nil {
		t.Fatalf("LoadFromReader failed: %v", err)
	}
	if cfg.Session.Network != "discord" {
		t.Errorf("expected env override %q, got %q", "discord", cfg.Session.Network)
	}
}

func TestEnvOverrideNumeric(t *testing.T) {
	t.Setenv("SESSIOND_GATEWAY_PORT", "9191")
	t.Setenv("SESSIOND_SESSION_RECONNECTDELAY", "not-a-number")

	cfg, err := LoadFromReader(strings.NewReader(minimal))
	if err != nil {
		t.Fatalf("LoadFromReader failed: %v", err)
	}
	if cfg.Gateway.Port != 9191 {
		t.Errorf("expected port 9191, got %d", cfg.Gateway.Port)
	}
	if cfg.Session.ReconnectDelay != 5 {
		t.Errorf("bad numeric override should keep default, got %d", cfg.Session.ReconnectDelay)
	}
}

func TestEnvOverrideEmptyIgnored(t *testing.T) {
	t.Setenv("SESSIOND_SESSION_DATADIR", "")

	cfg, err := LoadFromReader(strings.NewReader(`{"identity": {"user": "a", "userId": "b"}, "session": {"dataDir": "/from/file"}}`))
	if err != nil {
		t.Fatalf("LoadFromReader failed: %v", err)
	}
	if cfg.Session.DataDir != "/from/file" {
		t.Errorf("expected file value to be kept, got %q", cfg.Session.DataDir)
	}
}

func TestTildeExpansion(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	cfg, err := LoadFromReader(strings.NewReader(minimal))
	if err != nil {
		t.Fatalf("LoadFromReader failed: %v", err)
	}
	cases := map[string]string{
		"session.dataDir":   cfg.Session.DataDir,
		"pairing.path":      cfg.Pairing.Path,
		"dispatch.mediaDir": cfg.Dispatch.MediaDir,
		"schedules.store":   cfg.Schedules.Store,
	}
	for name, got := range cases {
		if !strings.HasPrefix(got, home) {
			t.Errorf("%s: expected expansion under %q, got %q", name, home, got)
		}
	}
}

func TestNoTildeExpansionForAbsolutePath(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`{"identity": {"user": "a", "userId": "b"}, "pairing": {"path": "/abs/qr.png"}}`))
	if err != nil {
		t.Fatalf("LoadFromReader failed: %v", err)
	}
	if cfg.Pairing.Path != "/abs/qr.png" {
		t.Errorf("expected %q unchanged, got %q", "/abs/qr.png", cfg.Pairing.Path)
	}
}
