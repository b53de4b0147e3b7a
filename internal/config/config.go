// Package config loads cluster configuration from an optional YAML file,
// fills in defaults, and applies environment variable overrides so single
// processes can be repointed without editing the file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	AppName string `yaml:"app_name"`
	Debug   bool   `yaml:"debug" env:"REDE_DEBUG"`
	LogDir  string `yaml:"log_dir" env:"REDE_LOG_DIR"`

	Broker    BrokerConfig    `yaml:"broker"`
	DataStore DataStoreConfig `yaml:"datastore"`
	Server    ServerConfig    `yaml:"server"`
}

// BrokerConfig holds the broker's listen addresses and liveness tuning.
// The same addresses double as dial targets for servers and clients.
type BrokerConfig struct {
	FrontendAddr  string `yaml:"frontend_addr" env:"BROKER_FRONTEND_ADDR"`
	BackendAddr   string `yaml:"backend_addr" env:"BROKER_BACKEND_ADDR"`
	ControlAddr   string `yaml:"control_addr" env:"BROKER_CONTROL_ADDR"`
	NotifyAddr    string `yaml:"notify_addr" env:"BROKER_NOTIFY_ADDR"`
	HeartbeatAddr string `yaml:"heartbeat_addr" env:"BROKER_HEARTBEAT_ADDR"`
	MetricsAddr   string `yaml:"metrics_addr" env:"BROKER_METRICS_ADDR"`

	HeartbeatTimeoutSeconds int `yaml:"heartbeat_timeout_seconds" env:"BROKER_HEARTBEAT_TIMEOUT_SECONDS"`
	SweepIntervalSeconds    int `yaml:"sweep_interval_seconds" env:"BROKER_SWEEP_INTERVAL_SECONDS"`
	RequestTimeoutSeconds   int `yaml:"request_timeout_seconds" env:"BROKER_REQUEST_TIMEOUT_SECONDS"`
}

type DataStoreConfig struct {
	Addr string `yaml:"addr" env:"DATASTORE_ADDR"`
}

// ServerConfig tunes the app server's periodic loops. Values are seconds.
type ServerConfig struct {
	HeartbeatIntervalSeconds   int `yaml:"heartbeat_interval_seconds" env:"SERVER_HEARTBEAT_INTERVAL_SECONDS"`
	MembershipIntervalSeconds  int `yaml:"membership_interval_seconds" env:"SERVER_MEMBERSHIP_INTERVAL_SECONDS"`
	ElectionIntervalSeconds    int `yaml:"election_interval_seconds" env:"SERVER_ELECTION_INTERVAL_SECONDS"`
	DriftIntervalSeconds       int `yaml:"drift_interval_seconds" env:"SERVER_DRIFT_INTERVAL_SECONDS"`
	ClockReportIntervalSeconds int `yaml:"clock_report_interval_seconds" env:"SERVER_CLOCK_REPORT_INTERVAL_SECONDS"`
	RequestTimeoutSeconds      int `yaml:"request_timeout_seconds" env:"SERVER_REQUEST_TIMEOUT_SECONDS"`
}

// Default returns the configuration matching the documented port layout.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the YAML file, applies defaults for unset fields, overlays
// environment variables, and validates the result.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.AppName == "" {
		c.AppName = "redesocial"
	}
	if c.Broker.FrontendAddr == "" {
		c.Broker.FrontendAddr = "localhost:5555"
	}
	if c.Broker.BackendAddr == "" {
		c.Broker.BackendAddr = "localhost:6000"
	}
	if c.Broker.ControlAddr == "" {
		c.Broker.ControlAddr = "localhost:6001"
	}
	if c.Broker.NotifyAddr == "" {
		c.Broker.NotifyAddr = "localhost:6010"
	}
	if c.Broker.HeartbeatAddr == "" {
		c.Broker.HeartbeatAddr = "localhost:6015"
	}
	if c.Broker.MetricsAddr == "" {
		c.Broker.MetricsAddr = "localhost:9100"
	}
	if c.Broker.HeartbeatTimeoutSeconds == 0 {
		c.Broker.HeartbeatTimeoutSeconds = 4
	}
	if c.Broker.SweepIntervalSeconds == 0 {
		c.Broker.SweepIntervalSeconds = 1
	}
	if c.Broker.RequestTimeoutSeconds == 0 {
		// Generous: one relayed request covers data store round-trips plus
		// the notification fan-out.
		c.Broker.RequestTimeoutSeconds = 30
	}
	if c.DataStore.Addr == "" {
		c.DataStore.Addr = "localhost:6011"
	}
	if c.Server.HeartbeatIntervalSeconds == 0 {
		c.Server.HeartbeatIntervalSeconds = 2
	}
	if c.Server.MembershipIntervalSeconds == 0 {
		c.Server.MembershipIntervalSeconds = 10
	}
	if c.Server.ElectionIntervalSeconds == 0 {
		c.Server.ElectionIntervalSeconds = 12
	}
	if c.Server.DriftIntervalSeconds == 0 {
		c.Server.DriftIntervalSeconds = 5
	}
	if c.Server.ClockReportIntervalSeconds == 0 {
		c.Server.ClockReportIntervalSeconds = 10
	}
	if c.Server.RequestTimeoutSeconds == 0 {
		c.Server.RequestTimeoutSeconds = 5
	}
}

func (c *Config) validate() error {
	if c.Broker.HeartbeatTimeoutSeconds < 0 {
		return fmt.Errorf("heartbeat timeout seconds cannot be negative: %d", c.Broker.HeartbeatTimeoutSeconds)
	}
	if c.Broker.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("sweep interval seconds must be positive: %d", c.Broker.SweepIntervalSeconds)
	}
	if c.Broker.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("broker request timeout seconds must be positive: %d", c.Broker.RequestTimeoutSeconds)
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("request timeout seconds must be positive: %d", c.Server.RequestTimeoutSeconds)
	}
	return nil
}

func (c *BrokerConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

func (c *BrokerConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *BrokerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c *ServerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c *ServerConfig) MembershipInterval() time.Duration {
	return time.Duration(c.MembershipIntervalSeconds) * time.Second
}

func (c *ServerConfig) ElectionInterval() time.Duration {
	return time.Duration(c.ElectionIntervalSeconds) * time.Second
}

func (c *ServerConfig) DriftInterval() time.Duration {
	return time.Duration(c.DriftIntervalSeconds) * time.Second
}

func (c *ServerConfig) ClockReportInterval() time.Duration {
	return time.Duration(c.ClockReportIntervalSeconds) * time.Second
}

func (c *ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}
