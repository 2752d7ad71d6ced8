package bridge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"webbridge-rpc/client"
	"webbridge-rpc/config"
	"webbridge-rpc/loadbalance"
	"webbridge-rpc/middleware"
	"webbridge-rpc/registry"
	"webbridge-rpc/server"
	"webbridge-rpc/transport"
)

// OpenConfig extracts the Open parameters from a loaded configuration.
// With discovery enabled the host is left empty so Open looks it up.
func OpenConfig(cfg *config.Config) Config {
	oc := Config{
		Scheme:    cfg.Controller.Scheme,
		Host:      cfg.Controller.Host,
		Port:      cfg.Controller.Port,
		Namespace: cfg.Namespace,
		Callsign:  cfg.Controller.Callsign,
	}
	if cfg.Discovery.Enabled() {
		oc.Host, oc.Port = "", 0
	}
	return oc
}

// NewFromConfig wires a Manager from cfg: websocket dialer, keepalive,
// router middlewares and, when configured, discovery from etcd or from the
// static controller list. The returned
// release func closes what NewFromConfig created beyond the manager itself;
// call it after Close.
func NewFromConfig(cfg *config.Config, logger *zap.Logger, extra ...Option) (*Manager, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	router := server.NewRouter(server.WithLogger(logger), server.WithWriteTimeout(cfg.Router.WriteTimeout))
	router.Use(middleware.LoggingMiddleware(logger))
	if cfg.Router.RateLimit > 0 {
		router.Use(middleware.RateLimitMiddleware(cfg.Router.RateLimit, cfg.Router.RateBurst))
	}
	if cfg.Router.HandlerTimeout > 0 {
		router.Use(middleware.TimeOutMiddleware(cfg.Router.HandlerTimeout))
	}

	opts := []Option{
		WithLogger(logger),
		WithRouter(router),
		WithDialer(&transport.WebSocketDialer{
			Subprotocols: []string{"json"},
			ReadLimit:    cfg.Transport.ReadLimit,
			Timeout:      cfg.Transport.DialTimeout,
		}),
		WithClientOptions(client.WithKeepAlive(cfg.Transport.KeepAliveInterval, cfg.Transport.KeepAliveTimeout)),
	}

	release := func() error { return nil }
	if cfg.Discovery.Enabled() {
		bal, err := loadbalance.New(cfg.Discovery.Balancer)
		if err != nil {
			return nil, nil, err
		}
		var reg registry.Registry
		if len(cfg.Discovery.Endpoints) > 0 {
			reg, err = registry.NewEtcdRegistry(cfg.Discovery.Endpoints, cfg.Discovery.DialTimeout, logger)
			if err != nil {
				return nil, nil, fmt.Errorf("bridge: discovery: %w", err)
			}
			if cfg.Discovery.Publish {
				opts = append(opts, WithPublish(cfg.Discovery.TTL))
			}
		} else {
			reg, err = staticRegistry(cfg)
			if err != nil {
				return nil, nil, fmt.Errorf("bridge: discovery: %w", err)
			}
		}
		opts = append(opts, WithDiscovery(reg, bal, cfg.Discovery.ControllerService))
		release = reg.Close
	}

	return New(append(opts, extra...)...), release, nil
}

// staticRegistry lists the configured controllers under the controller
// service name so the balancer can pick one of them.
func staticRegistry(cfg *config.Config) (*registry.MemoryRegistry, error) {
	reg := registry.NewMemoryRegistry()
	for _, sc := range cfg.Discovery.Static {
		scheme := sc.Scheme
		if scheme == "" {
			scheme = cfg.Controller.Scheme
		}
		weight := sc.Weight
		if weight == 0 {
			weight = 1
		}
		inst := registry.ServiceInstance{Addr: sc.Addr, Scheme: scheme, Weight: weight}
		if err := reg.Register(context.Background(), cfg.Discovery.ControllerService, inst, 0); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
