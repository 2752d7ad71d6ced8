// Package config loads the bridge configuration from YAML with WEBBRIDGE_*
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"webbridge-rpc/protocol"
)

// Config is the top-level bridge configuration.
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	// Namespace is the callsign the bridge clones itself to and the service
	// channel it serves.
	Namespace string          `yaml:"namespace"`
	Transport TransportConfig `yaml:"transport"`
	Router    RouterConfig    `yaml:"router"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logger    LoggerConfig    `yaml:"logger"`
}

// ControllerConfig locates the Thunder controller when discovery is off.
type ControllerConfig struct {
	Scheme   string `yaml:"scheme"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Callsign string `yaml:"callsign"` // own identity passed to clone
}

type TransportConfig struct {
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"` // 0 disables pings
	KeepAliveTimeout  time.Duration `yaml:"keepalive_timeout"`
	ReadLimit         int64         `yaml:"read_limit"`
}

type RouterConfig struct {
	RateLimit      float64       `yaml:"rate_limit"` // calls per second, 0 = unlimited
	RateBurst      int           `yaml:"rate_burst"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"` // 0 = none
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// DiscoveryConfig enables controller lookup, from etcd when Endpoints is
// set or else from the Static list. Publication needs etcd. Discovery is
// off when both are empty.
type DiscoveryConfig struct {
	Endpoints         []string           `yaml:"endpoints"`
	Static            []StaticController `yaml:"static"`
	DialTimeout       time.Duration      `yaml:"dial_timeout"`
	ControllerService string             `yaml:"controller_service"`
	Balancer          string             `yaml:"balancer"`
	TTL               int64              `yaml:"ttl"` // seconds
	Publish           bool               `yaml:"publish"`
}

// StaticController is one fixed controller address the balancer picks from.
type StaticController struct {
	Addr   string `yaml:"addr"` // host:port
	Scheme string `yaml:"scheme"`
	Weight int    `yaml:"weight"`
}

// Enabled reports whether controllers are looked up instead of taken from
// the controller section.
func (d DiscoveryConfig) Enabled() bool { return len(d.Endpoints) > 0 || len(d.Static) > 0 }

type LoggerConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Defaults returns a config pointing at a controller on localhost.
func Defaults() *Config {
	return &Config{
		Controller: ControllerConfig{
			Scheme:   "ws",
			Host:     "127.0.0.1",
			Port:     9998,
			Callsign: protocol.DefaultCallsign,
		},
		Transport: TransportConfig{
			DialTimeout:       10 * time.Second,
			KeepAliveInterval: 30 * time.Second,
			KeepAliveTimeout:  10 * time.Second,
			ReadLimit:         1 << 20,
		},
		Router: RouterConfig{
			RateBurst:    1,
			WriteTimeout: 10 * time.Second,
		},
		Discovery: DiscoveryConfig{
			DialTimeout:       5 * time.Second,
			ControllerService: "Controller",
			Balancer:          "round_robin",
			TTL:               10,
		},
		Logger: LoggerConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file, applies env var overrides and validates
// the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that adjust the result
// before calling Validate themselves.
func Read(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps WEBBRIDGE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("WEBBRIDGE_CONTROLLER_SCHEME"); v != "" {
		cfg.Controller.Scheme = v
	}
	if v := os.Getenv("WEBBRIDGE_CONTROLLER_HOST"); v != "" {
		cfg.Controller.Host = v
	}
	if v := os.Getenv("WEBBRIDGE_CONTROLLER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WEBBRIDGE_CONTROLLER_PORT: %w", err)
		}
		cfg.Controller.Port = port
	}
	if v := os.Getenv("WEBBRIDGE_CONTROLLER_CALLSIGN"); v != "" {
		cfg.Controller.Callsign = v
	}
	if v := os.Getenv("WEBBRIDGE_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if v := os.Getenv("WEBBRIDGE_TRANSPORT_KEEPALIVE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("WEBBRIDGE_TRANSPORT_KEEPALIVE_INTERVAL: %w", err)
		}
		cfg.Transport.KeepAliveInterval = d
	}
	if v := os.Getenv("WEBBRIDGE_ROUTER_RATE_LIMIT"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("WEBBRIDGE_ROUTER_RATE_LIMIT: %w", err)
		}
		cfg.Router.RateLimit = r
	}
	if v := os.Getenv("WEBBRIDGE_DISCOVERY_ENDPOINTS"); v != "" {
		cfg.Discovery.Endpoints = splitList(v)
	}
	if v := os.Getenv("WEBBRIDGE_DISCOVERY_STATIC"); v != "" {
		cfg.Discovery.Static = nil
		for _, addr := range splitList(v) {
			cfg.Discovery.Static = append(cfg.Discovery.Static, StaticController{Addr: addr})
		}
	}
	if v := os.Getenv("WEBBRIDGE_DISCOVERY_BALANCER"); v != "" {
		cfg.Discovery.Balancer = v
	}
	if v := os.Getenv("WEBBRIDGE_DISCOVERY_PUBLISH"); v != "" {
		cfg.Discovery.Publish = v == "true"
	}
	if v := os.Getenv("WEBBRIDGE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
