// Package bridge attaches a set of local services to a Thunder controller.
//
// Open runs the handshake
//
//	dial /jsonrpc ─→ Controller.1.clone ─→ Controller.1.activate ─→ dial /Service/<namespace>
//
// and then serves relayed calls for the cloned callsign until Close.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"webbridge-rpc/client"
	"webbridge-rpc/loadbalance"
	"webbridge-rpc/message"
	"webbridge-rpc/middleware"
	"webbridge-rpc/protocol"
	"webbridge-rpc/registry"
	"webbridge-rpc/server"
	"webbridge-rpc/transport"
)

// Config says where the controller is and which namespace to clone.
type Config struct {
	Scheme    string // ws (default) or wss
	Host      string // empty selects a controller through discovery
	Port      int
	Namespace string
	// Callsign is the bridge's own identity passed to clone, default
	// org.rdk.WebBridge.
	Callsign string
}

// Manager runs the bootstrap handshake and owns both connections.
type Manager struct {
	dialer          transport.Dialer
	logger          *zap.Logger
	router          *server.Router
	clientOpts      []client.Option
	shutdownTimeout time.Duration

	registry          registry.Registry
	balancer          loadbalance.Balancer
	controllerService string
	publishTTL        int64 // > 0 publishes the namespace after connecting

	mu          sync.Mutex
	state       State
	opening     bool // an Open is between its guard and its outcome
	cfg         Config
	control     *client.Client
	service     transport.Conn
	published   *registry.ServiceInstance
	cancel      context.CancelFunc
	done        chan struct{} // closed when the service channel stops
	watchCancel context.CancelFunc
	watchDone   chan struct{} // closed when watchPublished returns
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the websocket dialer used for both connections.
func WithDialer(d transport.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRouter serves the service channel with r instead of a fresh router.
func WithRouter(r *server.Router) Option {
	return func(m *Manager) { m.router = r }
}

// WithClientOptions passes options to the control connection's client.
func WithClientOptions(opts ...client.Option) Option {
	return func(m *Manager) { m.clientOpts = append(m.clientOpts, opts...) }
}

// WithDiscovery looks the controller up under controllerService in reg
// when Config.Host is empty, picking one with bal.
func WithDiscovery(reg registry.Registry, bal loadbalance.Balancer, controllerService string) Option {
	return func(m *Manager) {
		m.registry = reg
		m.balancer = bal
		m.controllerService = controllerService
	}
}

// WithPublish registers the bridged namespace in the discovery registry
// with a lease of ttl seconds once the service channel is up.
func WithPublish(ttl int64) Option {
	return func(m *Manager) { m.publishTTL = ttl }
}

// WithShutdownTimeout bounds how long Close waits for running handlers.
func WithShutdownTimeout(d time.Duration) Option {
	return func(m *Manager) { m.shutdownTimeout = d }
}

// New creates a closed manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		logger:          zap.NewNop(),
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		m.dialer = &transport.WebSocketDialer{Subprotocols: []string{"json"}}
	}
	if m.router == nil {
		m.router = server.NewRouter(server.WithLogger(m.logger))
	}
	if m.balancer == nil {
		m.balancer = &loadbalance.RoundRobinBalancer{}
	}
	return m
}

// RegisterService makes svc callable through the bridge.
func (m *Manager) RegisterService(svc *server.Service) {
	m.router.RegisterService(svc)
}

// RegisterMethod adds a method to the named service, creating the service
// on first use.
func (m *Manager) RegisterMethod(service, name string, version int, handler server.Handler) {
	svc, ok := m.router.Service(service)
	if !ok {
		svc = server.NewService(service)
		m.router.RegisterService(svc)
	}
	svc.RegisterMethod(name, version, handler)
}

// Use adds a middleware around every relayed call.
func (m *Manager) Use(mw middleware.Middleware) {
	m.router.Use(mw)
}

// Router returns the router serving the service channel.
func (m *Manager) Router() *server.Router { return m.router }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Control returns the control connection's client, nil before Open.
func (m *Manager) Control() *client.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.control
}

// Done is closed when the service channel stops serving. It is nil before
// a successful Open.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Open runs the handshake. It returns once the service channel is being
// served, or with a *BootstrapError naming the step that failed; a failed
// handshake leaves nothing open and is not retried.
func (m *Manager) Open(ctx context.Context, cfg Config) error {
	m.mu.Lock()
	if m.opening || (m.state != StateClosed && m.state != StateFailed) {
		m.mu.Unlock()
		return ErrAlreadyOpen
	}
	if cfg.Namespace == "" {
		m.mu.Unlock()
		return fmt.Errorf("bridge: open: namespace is required")
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "ws"
	}
	if cfg.Callsign == "" {
		cfg.Callsign = protocol.DefaultCallsign
	}
	m.cfg = cfg
	m.state = StateClosed
	m.opening = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.opening = false
		m.mu.Unlock()
	}()

	if cfg.Host == "" {
		resolved, err := m.resolveController(ctx, cfg)
		if err != nil {
			return m.fail(StateClosed, nil, err)
		}
		cfg = resolved
		m.mu.Lock()
		m.cfg = cfg
		m.mu.Unlock()
	}
	log := m.logger.With(zap.String("namespace", cfg.Namespace))

	// CLOSED → CONTROL_OPEN
	control := client.New(m.dialer, protocol.ControlEndpoint(cfg.Scheme, cfg.Host, cfg.Port),
		append([]client.Option{client.WithLogger(m.logger)}, m.clientOpts...)...)
	if err := control.Open(ctx); err != nil {
		return m.fail(StateClosed, nil, err)
	}
	m.mu.Lock()
	m.control = control
	m.mu.Unlock()
	m.setState(StateControlOpen)

	// CONTROL_OPEN → CLONED
	reply, err := control.Call(ctx, protocol.MethodClone,
		protocol.CloneParams{Callsign: cfg.Callsign, NewCallsign: cfg.Namespace}, cfg.Namespace)
	if err != nil {
		return m.fail(StateControlOpen, nil, fmt.Errorf("clone: %w", err))
	}
	if !reply.Response.Truthy() {
		return m.fail(StateControlOpen, reply.Response, ErrCloneRejected)
	}
	log.Info("bridge: cloned", zap.String("from", cfg.Callsign))
	m.setState(StateCloned)

	// CLONED → ACTIVATED
	reply, err = control.Call(ctx, protocol.MethodActivate,
		protocol.ActivateParams{Callsign: cfg.Namespace}, cfg.Namespace)
	if err != nil {
		return m.fail(StateCloned, nil, fmt.Errorf("activate: %w", err))
	}
	if reply.Response.Error != nil {
		return m.fail(StateCloned, reply.Response, ErrActivateRejected)
	}
	log.Info("bridge: activated")
	m.setState(StateActivated)

	// ACTIVATED → SERVICE_CONNECTED
	endpoint := protocol.ServiceEndpoint(cfg.Scheme, cfg.Host, cfg.Port, cfg.Namespace)
	conn, err := m.dialer.Dial(ctx, endpoint)
	if err != nil {
		return m.fail(StateActivated, nil, fmt.Errorf("connect service %s: %w", endpoint, err))
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.mu.Lock()
	m.service = conn
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()
	go m.serve(serveCtx, conn, done)
	m.setState(StateServiceConnected)
	log.Info("bridge: service connected", zap.String("endpoint", endpoint))

	if m.publishTTL > 0 && m.registry != nil {
		inst := registry.ServiceInstance{
			Addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Scheme:  cfg.Scheme,
			Weight:  1,
			Version: "1",
		}
		if err := m.registry.Register(ctx, cfg.Namespace, inst, m.publishTTL); err != nil {
			return m.fail(StateServiceConnected, nil, fmt.Errorf("publish: %w", err))
		}
		watchCtx, stopWatch := context.WithCancel(context.Background())
		updates := m.registry.Watch(watchCtx, cfg.Namespace)
		watchDone := make(chan struct{})
		m.mu.Lock()
		m.published = &inst
		m.watchCancel = stopWatch
		m.watchDone = watchDone
		m.mu.Unlock()
		go m.watchPublished(watchCtx, updates, cfg.Namespace, inst, watchDone)
	}
	return nil
}

// watchPublished registers inst again whenever it disappears from the
// registry, e.g. after its lease expired during a network partition.
func (m *Manager) watchPublished(ctx context.Context, updates <-chan []registry.ServiceInstance, namespace string, inst registry.ServiceInstance, done chan struct{}) {
	defer close(done)
	for list := range updates {
		if ctx.Err() != nil {
			return
		}
		if hasAddr(list, inst.Addr) {
			continue
		}
		m.logger.Warn("bridge: published entry vanished, registering again",
			zap.String("namespace", namespace), zap.String("addr", inst.Addr))
		if err := m.registry.Register(ctx, namespace, inst, m.publishTTL); err != nil && ctx.Err() == nil {
			m.logger.Error("bridge: republish failed", zap.String("namespace", namespace), zap.Error(err))
		}
	}
}

func hasAddr(list []registry.ServiceInstance, addr string) bool {
	for _, inst := range list {
		if inst.Addr == addr {
			return true
		}
	}
	return false
}

func (m *Manager) serve(ctx context.Context, conn transport.Conn, done chan struct{}) {
	defer close(done)
	if err := m.router.Serve(ctx, conn); err != nil {
		m.logger.Warn("bridge: service channel stopped", zap.Error(err))
		return
	}
	m.logger.Info("bridge: service channel closed")
}

// resolveController fills host, port and scheme from the registry.
func (m *Manager) resolveController(ctx context.Context, cfg Config) (Config, error) {
	if m.registry == nil {
		return cfg, fmt.Errorf("no controller host and no discovery configured")
	}
	instances, err := m.registry.Discover(ctx, m.controllerService)
	if err != nil {
		return cfg, fmt.Errorf("discover %s: %w", m.controllerService, err)
	}
	inst, err := m.balancer.Pick(instances, cfg.Namespace)
	if err != nil {
		return cfg, fmt.Errorf("pick %s: %w", m.controllerService, err)
	}
	host, portStr, err := net.SplitHostPort(inst.Addr)
	if err != nil {
		return cfg, fmt.Errorf("controller address %q: %w", inst.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return cfg, fmt.Errorf("controller address %q: %w", inst.Addr, err)
	}
	cfg.Host, cfg.Port = host, port
	if inst.Scheme != "" {
		cfg.Scheme = inst.Scheme
	}
	m.logger.Info("bridge: controller selected",
		zap.String("addr", inst.Addr), zap.String("balancer", m.balancer.Name()))
	return cfg, nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// fail tears down whatever the handshake opened and reports the step.
func (m *Manager) fail(reached State, resp *message.Response, err error) error {
	berr := &BootstrapError{State: reached, Response: resp, Err: err}
	m.logger.Error("bridge: bootstrap failed", zap.Stringer("state", reached), zap.Error(err),
		zap.ByteString("response", responseForLog(resp)))
	if cerr := m.teardown(); cerr != nil {
		m.logger.Warn("bridge: teardown after failure", zap.Error(cerr))
	}
	m.setState(StateFailed)
	return berr
}

// Close deregisters the namespace and closes both connections. Errors from
// every step are combined.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	err := m.teardown()
	m.setState(StateClosed)
	return err
}

func (m *Manager) teardown() error {
	m.mu.Lock()
	control, service, cancel, done, published, cfg := m.control, m.service, m.cancel, m.done, m.published, m.cfg
	watchCancel, watchDone := m.watchCancel, m.watchDone
	m.control, m.service, m.cancel, m.published = nil, nil, nil, nil
	m.watchCancel, m.watchDone = nil, nil
	m.mu.Unlock()

	// the watcher must be gone before Deregister or it would publish again
	if watchCancel != nil {
		watchCancel()
		<-watchDone
	}

	var err error
	if published != nil {
		ctx, stop := context.WithTimeout(context.Background(), m.shutdownTimeout)
		err = multierr.Append(err, m.registry.Deregister(ctx, cfg.Namespace, published.Addr))
		stop()
	}
	if service != nil {
		err = multierr.Append(err, service.Close())
		cancel()
		<-done
		err = multierr.Append(err, m.router.Shutdown(m.shutdownTimeout))
	}
	if control != nil {
		err = multierr.Append(err, control.Close())
	}
	return err
}

func responseForLog(resp *message.Response) []byte {
	if resp == nil {
		return nil
	}
	data, _ := json.Marshal(resp)
	return data
}
