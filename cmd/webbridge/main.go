// Command webbridge clones the WebBridge plugin on a Thunder controller and
// serves a diagnostics service through it until interrupted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"webbridge-rpc/bridge"
	"webbridge-rpc/config"
	"webbridge-rpc/logging"
	"webbridge-rpc/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "webbridge.yaml", "path to the YAML config file")
	namespace := flag.String("namespace", "", "callsign to clone (overrides the config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *namespace)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logger.Level, cfg.Logger.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	m, release, err := bridge.NewFromConfig(cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	diag, err := server.NewReceiverService("Diagnostics", 1, &diagnostics{started: time.Now()})
	if err != nil {
		return err
	}
	m.RegisterService(diag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, cfg.Transport.DialTimeout*3)
	err = m.Open(openCtx, bridge.OpenConfig(cfg))
	cancel()
	if err != nil {
		return err
	}
	logger.Info("webbridge running", zap.String("namespace", cfg.Namespace), zap.Strings("services", []string{diag.Name()}))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-m.Done():
		logger.Warn("service channel lost")
	}
	return m.Close()
}

// loadConfig validates after the flag override so a namespace given only
// on the command line is accepted.
// loadConfig reads path and lets a non-empty -namespace flag win over the
// file and the environment.
func loadConfig(path, namespace string) (*config.Config, error) {
	cfg, err := config.Read(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if namespace != "" {
		cfg.Namespace = namespace
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// diagnostics is exposed as the Diagnostics service.
type diagnostics struct {
	started time.Time
}

func (d *diagnostics) Ping(ctx context.Context, params json.RawMessage) (map[string]bool, error) {
	return map[string]bool{"pong": true}, nil
}

func (d *diagnostics) Echo(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	if len(params) == 0 {
		return json.RawMessage("null"), nil
	}
	return params, nil
}

func (d *diagnostics) Uptime(ctx context.Context, params json.RawMessage) (map[string]string, error) {
	return map[string]string{"uptime": time.Since(d.started).Round(time.Second).String()}, nil
}
