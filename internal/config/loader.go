package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultPath is ~/.sessiond/config.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".sessiond", "config.json"), nil
}

// Load loads config from the default path. A missing file yields the
// defaults plus environment overrides.
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return LoadFromReader(strings.NewReader("{}"))
	}
	return LoadFromFile(path)
}

// LoadFromFile loads config from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader loads config from an io.Reader, applying defaults and env
// overrides, then validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	if err := json.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies SESSIOND_-prefixed environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]*string{
		"SESSIOND_USER":              &cfg.Identity.User,
		"SESSIOND_USER_ID":           &cfg.Identity.UserID,
		"SESSIOND_SESSION_NETWORK":   &cfg.Session.Network,
		"SESSIOND_SESSION_DATADIR":   &cfg.Session.DataDir,
		"SESSIOND_PAIRING_PATH":      &cfg.Pairing.Path,
		"SESSIOND_DISPATCH_MEDIADIR": &cfg.Dispatch.MediaDir,
		"SESSIOND_SCHEDULES_STORE":   &cfg.Schedules.Store,
		"SESSIOND_GATEWAY_HOST":      &cfg.Gateway.Host,
	}
	for env, ptr := range envMap {
		if val := os.Getenv(env); val != "" {
			*ptr = val
		}
	}

	intMap := map[string]*int{
		"SESSIOND_GATEWAY_PORT":                 &cfg.Gateway.Port,
		"SESSIOND_SESSION_MAXRECONNECTATTEMPTS": &cfg.Session.MaxReconnectAttempts,
		"SESSIOND_SESSION_RECONNECTDELAY":       &cfg.Session.ReconnectDelay,
	}
	for env, ptr := range intMap {
		val := os.Getenv(env)
		if val == "" {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			slog.Warn("config: ignoring non-numeric override", "env", env, "value", val)
			continue
		}
		*ptr = n
	}
}

// expandPaths expands a leading ~ in every path setting.
func expandPaths(cfg *Config) {
	for _, p := range []*string{
		&cfg.Session.DataDir,
		&cfg.Pairing.Path,
		&cfg.Dispatch.MediaDir,
		&cfg.Schedules.Store,
	} {
		*p = expandHome(*p)
	}
}

func expandHome(p string) string {
	if len(p) >= 2 && p[0] == '~' && p[1] == '/' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Identity.User) == "" {
		errs = append(errs, errors.New("identity.user is required (or SESSIOND_USER)"))
	}
	if strings.TrimSpace(c.Identity.UserID) == "" {
		errs = append(errs, errors.New("identity.userId is required (or SESSIOND_USER_ID)"))
	}
	if c.Session.Network == "" {
		errs = append(errs, errors.New("session.network is required"))
	}
	if c.Session.DataDir == "" {
		errs = append(errs, errors.New("session.dataDir is required"))
	}
	if c.Session.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("session.maxReconnectAttempts must not be negative"))
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range", c.Gateway.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
