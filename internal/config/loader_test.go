package config

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

const minimal = `{"identity": {"user": "alice", "userId": "u-1"}}`

func TestLoadFromReader(t *testing.T) {
	jsonData := `{
		"identity": {"user": "alice", "userId": "u-1"},
		"session": {
			"network": "telegram",
			"dataDir": "/tmp/sessions",
			"maxReconnectAttempts": 5,
			"reconnectDelay": 10
		},
		"networks": {
			"telegram": {"token": "123:abc"}
		},
		"gateway": {
			"host": "127.0.0.1",
			"port": 9090
		}
	}`

	cfg, err := LoadFromReader(strings.NewReader(jsonData))
	if err != nil {
		t.Fatalf("LoadFromReader failed: %v", err)
	}

	if cfg.Identity.User != "alice" || cfg.Identity.UserID != "u-1" {
		t.Errorf("unexpected identity %+v", cfg.Identity)
	}
	if cfg.Session.Network != "telegram" {
		t.Errorf("expected network telegram, got %s", cfg.Session.Network)
	}
	if cfg.Session.ReconnectDelayDuration() != 10*time.Second {
		t.Errorf("expected 10s reconnect delay, got %s", cfg.Session.ReconnectDelayDuration())
	}
	if cfg.Gateway.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Gateway.Port)
	}
	if got := string(cfg.NetworkConfig()); got != `{"token": "123:abc"}` {
		t.Errorf("unexpected network config %s", got)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Session.Network != "bridge" {
		t.Errorf("expected network bridge, got %s", cfg.Session.Network)
	}
	if cfg.Session.MaxReconnectAttempts != 3 {
		t.Errorf("expected 3 reconnect attempts, got %d", cfg.Session.MaxReconnectAttempts)
	}
	if cfg.Session.ReconnectDelay != 5 {
		t.Errorf("expected reconnect delay 5, got %d", cfg.Session.ReconnectDelay)
	}
	if cfg.Pairing.Path != "~/.sessiond/qr.png" {
		t.Errorf("expected pairing path ~/.sessiond/qr.png, got %s", cfg.Pairing.Path)
	}
	if cfg.Gateway.Host != "0.0.0.0" {
		t.Errorf("expected gateway host 0.0.0.0, got %s", cfg.Gateway.Host)
	}
	if cfg.Gateway.Port != 8080 {
		t.Errorf("expected gateway port 8080, got %d", cfg.Gateway.Port)
	}
}

func TestEnvOverride(t *testing.T) {
	os.Setenv("SESSIOND_USER", "env-user")
	defer os.Unsetenv("SESSIOND_USER")
	os.Setenv("SESSIOND_USER_ID", "env-id")
	defer os.Unsetenv("SESSIOND_USER_ID")

	cfg, err := LoadFromReader(strings.NewReader(minimal))
	if err != nil {
		t.Fatalf("LoadFromReader failed: %v", err)
	}
	if cfg.Identity.User != "env-user" || cfg.Identity.UserID != "env-id" {
		t.Errorf("expected env identity, got %+v", cfg.Identity)
	}
}

func TestMissingFile(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestPartialConfig(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimal))
	if err != nil {
		t.Fatalf("LoadFromReader failed: %v", err)
	}
	if cfg.Session.Network != "bridge" {
		t.Errorf("expected default network bridge, got %s", cfg.Session.Network)
	}
	if cfg.Gateway.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Gateway.Port)
	}
	if got := string(cfg.NetworkConfig()); got != "{}" {
		t.Errorf("expected empty network config, got %s", got)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		json    string
		wantErr string
	}{
		{"no identity", `{}`, "identity.user"},
		{"no user id", `{"identity": {"user": "alice"}}`, "identity.userId"},
		{"blank network", `{"identity": {"user": "a", "userId": "b"}, "session": {"network": ""}}`, "session.network"},
		{"negative attempts", `{"identity": {"user": "a", "userId": "b"}, "session": {"maxReconnectAttempts": -1}}`, "maxReconnectAttempts"},
		{"bad port", `{"identity": {"user": "a", "userId": "b"}, "gateway": {"port": 70000}}`, "gateway.port"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFromReader(strings.NewReader(tc.json))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gateway.Port = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) || len(joined.Unwrap()) != 3 {
		t.Fatalf("expected 3 joined errors, got %v", err)
	}
}
