package config

import (
	"fmt"
	"net"
	"strings"

	"webbridge-rpc/loadbalance"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a
// *ValidationError listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateController(cfg, ve)
	validateTransport(cfg, ve)
	validateRouter(cfg, ve)
	validateDiscovery(cfg, ve)
	validateLogger(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateController(cfg *Config, ve *ValidationError) {
	if cfg.Namespace == "" {
		ve.Add("namespace is required")
	} else if strings.ContainsAny(cfg.Namespace, "./ ") {
		ve.Add("namespace %q must not contain '.', '/' or spaces", cfg.Namespace)
	}
	switch cfg.Controller.Scheme {
	case "ws", "wss":
	default:
		ve.Add("controller.scheme must be ws or wss, got %q", cfg.Controller.Scheme)
	}
	if cfg.Controller.Callsign == "" {
		ve.Add("controller.callsign is required")
	}
	if cfg.Discovery.Enabled() {
		return
	}
	if cfg.Controller.Host == "" {
		ve.Add("controller.host is required without discovery")
	}
	if cfg.Controller.Port <= 0 || cfg.Controller.Port > 65535 {
		ve.Add("controller.port must be in 1..65535, got %d", cfg.Controller.Port)
	}
}

func validateTransport(cfg *Config, ve *ValidationError) {
	if cfg.Transport.DialTimeout <= 0 {
		ve.Add("transport.dial_timeout must be > 0")
	}
	if cfg.Transport.KeepAliveInterval < 0 {
		ve.Add("transport.keepalive_interval must be >= 0")
	}
	if cfg.Transport.KeepAliveInterval > 0 && cfg.Transport.KeepAliveTimeout <= 0 {
		ve.Add("transport.keepalive_timeout must be > 0 when keepalive is on")
	}
	if cfg.Transport.ReadLimit < 0 {
		ve.Add("transport.read_limit must be >= 0")
	}
}

func validateRouter(cfg *Config, ve *ValidationError) {
	if cfg.Router.RateLimit < 0 {
		ve.Add("router.rate_limit must be >= 0")
	}
	if cfg.Router.RateLimit > 0 && cfg.Router.RateBurst <= 0 {
		ve.Add("router.rate_burst must be > 0 when rate_limit is set")
	}
	if cfg.Router.HandlerTimeout < 0 {
		ve.Add("router.handler_timeout must be >= 0")
	}
	if cfg.Router.WriteTimeout <= 0 {
		ve.Add("router.write_timeout must be > 0")
	}
}

func validateDiscovery(cfg *Config, ve *ValidationError) {
	d := cfg.Discovery
	if d.Publish && len(d.Endpoints) == 0 {
		ve.Add("discovery.publish needs discovery.endpoints")
	}
	for i, sc := range d.Static {
		if _, port, err := net.SplitHostPort(sc.Addr); err != nil || port == "" {
			ve.Add("discovery.static[%d].addr must be host:port, got %q", i, sc.Addr)
		}
		switch sc.Scheme {
		case "", "ws", "wss":
		default:
			ve.Add("discovery.static[%d].scheme must be ws or wss, got %q", i, sc.Scheme)
		}
		if sc.Weight < 0 {
			ve.Add("discovery.static[%d].weight must be >= 0", i)
		}
	}
	if !d.Enabled() {
		return
	}
	if d.ControllerService == "" {
		ve.Add("discovery.controller_service is required")
	}
	if _, err := loadbalance.New(d.Balancer); err != nil {
		ve.Add("discovery.balancer: %v", err)
	}
	if d.Publish && d.TTL <= 0 {
		ve.Add("discovery.ttl must be > 0 when publishing")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "error":
	default:
		ve.Add("logger.level must be debug, info, warn or error, got %q", cfg.Logger.Level)
	}
}
