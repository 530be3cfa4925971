// Package config loads leasenet settings from defaults, an optional YAML
// file and LEASENET_* environment variables, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "LEASENET_"

// Default returns the protocol's standard settings.
func Default() Config {
	return Config{
		Relay: RelayConfig{
			Address:          "127.0.0.1:5000",
			ProbeTimeout:     2 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Server: ServerConfig{
			ID:            1,
			Base:          "192.168",
			OfferHold:     210 * time.Second,
			LeaseHold:     200 * time.Second,
			SweepInterval: time.Second,
		},
		Client: ClientConfig{
			SelectionWindow:  5 * time.Second,
			LeaseDuration:    200 * time.Second,
			NotNeededSpacing: 100 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path (skipped when
// path is empty) and then the environment, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var err error

	cfg.Relay.Address = getEnv("RELAY_ADDRESS", cfg.Relay.Address)
	if cfg.Relay.ProbeTimeout, err = getEnvDuration("RELAY_PROBE_TIMEOUT", cfg.Relay.ProbeTimeout); err != nil {
		return err
	}
	if cfg.Relay.HandshakeTimeout, err = getEnvDuration("RELAY_HANDSHAKE_TIMEOUT", cfg.Relay.HandshakeTimeout); err != nil {
		return err
	}
	if cfg.Relay.Secure, err = getEnvBool("RELAY_SECURE", cfg.Relay.Secure); err != nil {
		return err
	}

	if cfg.Server.ID, err = getEnvInt("SERVER_ID", cfg.Server.ID); err != nil {
		return err
	}
	cfg.Server.Base = getEnv("SERVER_BASE", cfg.Server.Base)
	if cfg.Server.OfferHold, err = getEnvDuration("SERVER_OFFER_HOLD", cfg.Server.OfferHold); err != nil {
		return err
	}
	if cfg.Server.LeaseHold, err = getEnvDuration("SERVER_LEASE_HOLD", cfg.Server.LeaseHold); err != nil {
		return err
	}
	if cfg.Server.SweepInterval, err = getEnvDuration("SERVER_SWEEP_INTERVAL", cfg.Server.SweepInterval); err != nil {
		return err
	}

	cfg.Client.Name = getEnv("CLIENT_NAME", cfg.Client.Name)
	if cfg.Client.SelectionWindow, err = getEnvDuration("CLIENT_SELECTION_WINDOW", cfg.Client.SelectionWindow); err != nil {
		return err
	}
	if cfg.Client.LeaseDuration, err = getEnvDuration("CLIENT_LEASE_DURATION", cfg.Client.LeaseDuration); err != nil {
		return err
	}
	if cfg.Client.NotNeededSpacing, err = getEnvDuration("CLIENT_NOT_NEEDED_SPACING", cfg.Client.NotNeededSpacing); err != nil {
		return err
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
	cfg.Metrics.Listen = getEnv("METRICS_LISTEN", cfg.Metrics.Listen)
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Relay.Address); err != nil {
		return fmt.Errorf("invalid relay address %q: %w", c.Relay.Address, err)
	}
	if c.Relay.ProbeTimeout <= 0 {
		return fmt.Errorf("relay probe_timeout must be positive, got %s", c.Relay.ProbeTimeout)
	}
	if c.Relay.HandshakeTimeout <= 0 {
		return fmt.Errorf("relay handshake_timeout must be positive, got %s", c.Relay.HandshakeTimeout)
	}

	if c.Server.ID < 0 || c.Server.ID > 255 {
		return fmt.Errorf("server id %d is outside the valid range 0-255", c.Server.ID)
	}
	if err := validateBase(c.Server.Base); err != nil {
		return err
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"server offer_hold", c.Server.OfferHold},
		{"server lease_hold", c.Server.LeaseHold},
		{"server sweep_interval", c.Server.SweepInterval},
		{"client selection_window", c.Client.SelectionWindow},
		{"client lease_duration", c.Client.LeaseDuration},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	if c.Client.NotNeededSpacing < 0 {
		return fmt.Errorf("client not_needed_spacing must not be negative, got %s", c.Client.NotNeededSpacing)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.Log.Format)
	}

	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("invalid metrics listen address %q: %w", c.Metrics.Listen, err)
		}
	}
	return nil
}

// validateBase accepts the first two octets of an IPv4 address.
func validateBase(base string) error {
	parts := strings.Split(base, ".")
	if len(parts) != 2 {
		return fmt.Errorf("server base %q must have two octets", base)
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return fmt.Errorf("server base %q has invalid octet %q", base, p)
		}
	}
	return nil
}

// ApplyLogging configures the standard logrus logger.
func ApplyLogging(c LogConfig) error {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	switch c.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s%s: %q", EnvPrefix, key, v)
	}
	return b, nil
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s%s: %q", EnvPrefix, key, v)
	}
	return i, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s%s: %q", EnvPrefix, key, v)
	}
	return d, nil
}
