package config

import "time"

// Config is the full runtime configuration shared by every command.
type Config struct {
	Relay   RelayConfig   `yaml:"relay"`
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// RelayConfig describes where the relay listens (and where peers dial) and
// how it probes for unknown routes.
type RelayConfig struct {
	Address          string        `yaml:"address"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	Secure           bool          `yaml:"secure"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// ServerConfig is one address server's identity and hold times.
type ServerConfig struct {
	ID            int           `yaml:"id"`
	Base          string        `yaml:"base"`
	OfferHold     time.Duration `yaml:"offer_hold"`
	LeaseHold     time.Duration `yaml:"lease_hold"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ClientConfig is one client's timing.
type ClientConfig struct {
	Name             string        `yaml:"name"`
	SelectionWindow  time.Duration `yaml:"selection_window"`
	LeaseDuration    time.Duration `yaml:"lease_duration"`
	NotNeededSpacing time.Duration `yaml:"not_needed_spacing"`
}

// LogConfig selects the logrus level and formatter.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}
