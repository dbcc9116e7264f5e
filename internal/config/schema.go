package config

import (
	"encoding/json"
	"time"
)

// Config is the top-level configuration
type Config struct {
	Identity  IdentityConfig             `json:"identity"`
	Session   SessionConfig              `json:"session"`
	Pairing   PairingConfig              `json:"pairing"`
	Dispatch  DispatchConfig             `json:"dispatch"`
	Schedules SchedulesConfig            `json:"schedules"`
	Gateway   GatewayConfig              `json:"gateway"`
	Networks  map[string]json.RawMessage `json:"networks"`
}

// IdentityConfig is the single caller allowed to use the session.
type IdentityConfig struct {
	User   string `json:"user"`
	UserID string `json:"userId"`
}

type SessionConfig struct {
	Network              string `json:"network"`
	DataDir              string `json:"dataDir"`
	MaxReconnectAttempts int    `json:"maxReconnectAttempts"`
	ReconnectDelay       int    `json:"reconnectDelay"` // seconds
	SettleDelay          int    `json:"settleDelay"`    // seconds
	ConnectTimeout       int    `json:"connectTimeout"` // seconds
}

type PairingConfig struct {
	Path string `json:"path"`
	Size int    `json:"size"`
}

type DispatchConfig struct {
	MediaDir      string `json:"mediaDir"`
	ItemTimeout   int    `json:"itemTimeout"` // seconds, 0 disables
	MaxMediaBytes int64  `json:"maxMediaBytes"`
}

type SchedulesConfig struct {
	Enabled bool   `json:"enabled"`
	Store   string `json:"store"`
	Timeout int    `json:"timeout"` // seconds per scheduled batch
}

type GatewayConfig struct {
	Host             string `json:"host"`
	Port             int    `json:"port"`
	MetricsNamespace string `json:"metricsNamespace"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c SessionConfig) ReconnectDelayDuration() time.Duration { return seconds(c.ReconnectDelay) }
func (c SessionConfig) SettleDelayDuration() time.Duration    { return seconds(c.SettleDelay) }
func (c SessionConfig) ConnectTimeoutDuration() time.Duration { return seconds(c.ConnectTimeout) }
func (c DispatchConfig) ItemTimeoutDuration() time.Duration   { return seconds(c.ItemTimeout) }
func (c SchedulesConfig) TimeoutDuration() time.Duration      { return seconds(c.Timeout) }

// NetworkConfig returns the driver section for the configured network, or an
// empty object when there is none.
func (c *Config) NetworkConfig() json.RawMessage {
	if raw, ok := c.Networks[c.Session.Network]; ok && len(raw) > 0 {
		return raw
	}
	return json.RawMessage(`{}`)
}

// DefaultConfig returns a Config with sensible defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			Network:              "bridge",
			DataDir:              "~/.sessiond/sessions",
			MaxReconnectAttempts: 3,
			ReconnectDelay:       5,
			SettleDelay:          2,
			ConnectTimeout:       60,
		},
		Pairing: PairingConfig{
			Path: "~/.sessiond/qr.png",
			Size: 256,
		},
		Dispatch: DispatchConfig{
			MediaDir:      "~/.sessiond/media",
			ItemTimeout:   60,
			MaxMediaBytes: 64 << 20,
		},
		Schedules: SchedulesConfig{
			Enabled: true,
			Store:   "~/.sessiond/schedules.json",
			Timeout: 300,
		},
		Gateway: GatewayConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			MetricsNamespace: "sessiond",
		},
	}
}
