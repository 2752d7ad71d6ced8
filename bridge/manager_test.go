package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"webbridge-rpc/message"
	"webbridge-rpc/registry"
	"webbridge-rpc/server"
	"webbridge-rpc/transport"
)

// fakeController answers clone and activate on /jsonrpc and hands the far
// end of every /Service/ connection to the test.
type fakeController struct {
	cloneResult   string // raw JSON result of clone
	activateError bool
	serviceErr    error

	mu      sync.Mutex
	dials   []string
	methods []string
	params  map[string]json.RawMessage

	services chan transport.Conn
}

func newFakeController() *fakeController {
	return &fakeController{
		cloneResult: `"WebApp"`,
		params:      make(map[string]json.RawMessage),
		services:    make(chan transport.Conn, 1),
	}
}

func (f *fakeController) Dial(ctx context.Context, url string) (transport.Conn, error) {
	f.mu.Lock()
	f.dials = append(f.dials, url)
	f.mu.Unlock()

	switch {
	case strings.HasSuffix(url, "/jsonrpc"):
		local, remote := transport.Pipe()
		go f.serveControl(remote)
		return local, nil
	case strings.Contains(url, "/Service/"):
		if f.serviceErr != nil {
			return nil, f.serviceErr
		}
		local, remote := transport.Pipe()
		f.services <- remote
		return local, nil
	}
	return nil, fmt.Errorf("unexpected url %s", url)
}

func (f *fakeController) serveControl(conn transport.Conn) {
	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		var req message.Request
		if err := json.Unmarshal(data, &req); err != nil || req.ID == nil {
			continue
		}
		f.mu.Lock()
		f.methods = append(f.methods, req.Method)
		f.params[req.Method] = req.Params
		cloneResult := f.cloneResult
		f.mu.Unlock()

		var reply string
		switch {
		case req.Method == "Controller.1.clone":
			reply = fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, *req.ID, cloneResult)
		case req.Method == "Controller.1.activate" && f.activateError:
			reply = fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":2,"message":"ERROR_UNAVAILABLE"}}`, *req.ID)
		default:
			reply = fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":null}`, *req.ID)
		}
		if err := conn.Write(context.Background(), []byte(reply)); err != nil {
			return
		}
	}
}

func (f *fakeController) paramsOf(method string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.params[method])
}

func (f *fakeController) seen() (dials, methods []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dials...), append([]string(nil), f.methods...)
}

func pingManager(t *testing.T, fc *fakeController, opts ...Option) *Manager {
	m := New(append([]Option{WithDialer(fc), WithLogger(zaptest.NewLogger(t))}, opts...)...)
	m.RegisterMethod("Svc", "Ping", 1, func(ctx context.Context, params json.RawMessage) (any, error) {
		return map[string]bool{"pong": true}, nil
	})
	return m
}

func openConfig() Config {
	return Config{Host: "127.0.0.1", Port: 9998, Namespace: "WebApp"}
}

func TestOpenHandshake(t *testing.T) {
	fc := newFakeController()
	m := pingManager(t, fc)

	require.NoError(t, m.Open(context.Background(), openConfig()))
	assert.Equal(t, StateServiceConnected, m.State())
	require.NotNil(t, m.Control())
	assert.Equal(t, "ws://127.0.0.1:9998/jsonrpc", m.Control().URL())

	dials, methods := fc.seen()
	assert.Equal(t, []string{"ws://127.0.0.1:9998/jsonrpc", "ws://127.0.0.1:9998/Service/WebApp"}, dials)
	assert.Equal(t, []string{"Controller.1.clone", "Controller.1.activate"}, methods)
	assert.JSONEq(t, `{"callsign":"org.rdk.WebBridge","newcallsign":"WebApp"}`, fc.paramsOf("Controller.1.clone"))
	assert.JSONEq(t, `{"callsign":"WebApp"}`, fc.paramsOf("Controller.1.activate"))

	// a relayed call on the service channel reaches the registered method
	svc := <-fc.services
	require.NoError(t, svc.Write(context.Background(), []byte(
		`{"jsonrpc":"2.0","id":12,"method":"Controller.1.relay","params":{"context":"c1","request":{"jsonrpc":"2.0","id":7,"method":"Controller.1.relay.Svc.Ping.1","params":{}}}}`)))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := svc.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"jsonrpc":"2.0","id":12,"result":{"context":"c1","response":{"jsonrpc":"2.0","id":7,"result":{"pong":true}}}}`,
		string(data))

	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, m.State())
	assert.Nil(t, m.Control())
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("service channel still served after Close")
	}
	assert.NoError(t, m.Close())
}

func TestOpenFalsyCloneAborts(t *testing.T) {
	for _, result := range []string{`false`, `null`, `""`, `0`} {
		t.Run(result, func(t *testing.T) {
			fc := newFakeController()
			fc.cloneResult = result
			m := pingManager(t, fc)

			err := m.Open(context.Background(), openConfig())
			var berr *BootstrapError
			require.True(t, errors.As(err, &berr))
			assert.Equal(t, StateControlOpen, berr.State)
			assert.ErrorIs(t, err, ErrCloneRejected)
			require.NotNil(t, berr.Response)
			assert.Equal(t, result, string(berr.Response.Result))

			dials, methods := fc.seen()
			assert.Equal(t, []string{"Controller.1.clone"}, methods, "activate must not be sent")
			assert.Len(t, dials, 1, "service channel must not be dialed")
			assert.Equal(t, StateFailed, m.State())
			assert.Nil(t, m.Control())
		})
	}
}

func TestOpenActivateErrorAborts(t *testing.T) {
	fc := newFakeController()
	fc.activateError = true
	m := pingManager(t, fc)

	err := m.Open(context.Background(), openConfig())
	var berr *BootstrapError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, StateCloned, berr.State)
	assert.ErrorIs(t, err, ErrActivateRejected)
	require.NotNil(t, berr.Response.Error)
	assert.Equal(t, 2, berr.Response.Error.Code)
	assert.Contains(t, err.Error(), "ERROR_UNAVAILABLE")

	dials, _ := fc.seen()
	assert.Len(t, dials, 1)
	assert.Equal(t, StateFailed, m.State())
}

func TestOpenControlDialFailure(t *testing.T) {
	refused := errors.New("connection refused")
	m := New(WithDialer(transport.DialerFunc(func(ctx context.Context, url string) (transport.Conn, error) {
		return nil, refused
	})))

	err := m.Open(context.Background(), openConfig())
	var berr *BootstrapError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, StateClosed, berr.State)
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, StateFailed, m.State())
}

func TestOpenServiceDialFailure(t *testing.T) {
	fc := newFakeController()
	fc.serviceErr = errors.New("404")
	m := pingManager(t, fc)

	err := m.Open(context.Background(), openConfig())
	var berr *BootstrapError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, StateActivated, berr.State)
	assert.ErrorIs(t, err, fc.serviceErr)
	assert.Contains(t, err.Error(), "/Service/WebApp")
}

func TestOpenCustomCallsign(t *testing.T) {
	fc := newFakeController()
	m := pingManager(t, fc)

	cfg := openConfig()
	cfg.Callsign = "com.example.Bridge"
	require.NoError(t, m.Open(context.Background(), cfg))
	defer m.Close()
	assert.JSONEq(t, `{"callsign":"com.example.Bridge","newcallsign":"WebApp"}`, fc.paramsOf("Controller.1.clone"))
}

func TestOpenTwice(t *testing.T) {
	fc := newFakeController()
	m := pingManager(t, fc)
	require.NoError(t, m.Open(context.Background(), openConfig()))
	defer m.Close()

	assert.ErrorIs(t, m.Open(context.Background(), openConfig()), ErrAlreadyOpen)
}

func TestOpenConcurrentCallsAreRejected(t *testing.T) {
	fc := newFakeController()
	entered := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	dialer := transport.DialerFunc(func(ctx context.Context, url string) (transport.Conn, error) {
		if strings.HasSuffix(url, "/jsonrpc") {
			once.Do(func() {
				close(entered)
				<-gate
			})
		}
		return fc.Dial(ctx, url)
	})
	m := New(WithDialer(dialer), WithLogger(zaptest.NewLogger(t)))

	first := make(chan error, 1)
	go func() { first <- m.Open(context.Background(), openConfig()) }()
	<-entered

	// the first Open is still dialing the controller
	assert.ErrorIs(t, m.Open(context.Background(), openConfig()), ErrAlreadyOpen)
	assert.ErrorIs(t, m.Open(context.Background(), openConfig()), ErrAlreadyOpen)

	close(gate)
	require.NoError(t, <-first)
	assert.Equal(t, StateServiceConnected, m.State())

	dials, methods := fc.seen()
	assert.Equal(t, []string{"ws://127.0.0.1:9998/jsonrpc", "ws://127.0.0.1:9998/Service/WebApp"}, dials)
	assert.Equal(t, []string{"Controller.1.clone", "Controller.1.activate"}, methods)
	require.NoError(t, m.Close())
}

func TestOpenAfterFailure(t *testing.T) {
	fc := newFakeController()
	fc.cloneResult = `false`
	m := pingManager(t, fc)
	require.Error(t, m.Open(context.Background(), openConfig()))

	fc.mu.Lock()
	fc.cloneResult = `true`
	fc.mu.Unlock()
	require.NoError(t, m.Open(context.Background(), openConfig()))
	assert.Equal(t, StateServiceConnected, m.State())
	require.NoError(t, m.Close())
}

func TestOpenRequiresNamespace(t *testing.T) {
	m := New(WithDialer(newFakeController()))
	assert.Error(t, m.Open(context.Background(), Config{Host: "h", Port: 1}))
	assert.Equal(t, StateClosed, m.State())
}

func TestOpenDiscoversControllerAndPublishes(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	require.NoError(t, reg.Register(context.Background(), "Controller",
		registry.ServiceInstance{Addr: "10.1.1.1:8080", Scheme: "wss", Weight: 1}, 0))

	fc := newFakeController()
	m := pingManager(t, fc, WithDiscovery(reg, nil, "Controller"), WithPublish(10))

	require.NoError(t, m.Open(context.Background(), Config{Namespace: "WebApp"}))
	dials, _ := fc.seen()
	assert.Equal(t, []string{"wss://10.1.1.1:8080/jsonrpc", "wss://10.1.1.1:8080/Service/WebApp"}, dials)

	published, err := reg.Discover(context.Background(), "WebApp")
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.Equal(t, "10.1.1.1:8080", published[0].Addr)
	assert.Equal(t, "wss", published[0].Scheme)

	// an entry lost behind the bridge's back is published again
	require.NoError(t, reg.Deregister(context.Background(), "WebApp", "10.1.1.1:8080"))
	assert.Eventually(t, func() bool {
		list, _ := reg.Discover(context.Background(), "WebApp")
		return len(list) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Close())
	published, err = reg.Discover(context.Background(), "WebApp")
	require.NoError(t, err)
	assert.Empty(t, published, "Close deregisters without the watcher publishing again")
}

func TestOpenDiscoveryFailures(t *testing.T) {
	m := New(WithDialer(newFakeController()))
	err := m.Open(context.Background(), Config{Namespace: "WebApp"})
	var berr *BootstrapError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, StateClosed, berr.State)

	m = New(WithDialer(newFakeController()), WithDiscovery(registry.NewMemoryRegistry(), nil, "Controller"))
	err = m.Open(context.Background(), Config{Namespace: "WebApp"})
	assert.ErrorIs(t, err, registry.ErrNoInstances)
}

func TestRegisterMethodCreatesService(t *testing.T) {
	m := New()
	m.RegisterMethod("A", "x", 1, func(ctx context.Context, params json.RawMessage) (any, error) { return 1, nil })
	m.RegisterMethod("A", "y", 2, func(ctx context.Context, params json.RawMessage) (any, error) { return 2, nil })

	svc, ok := m.Router().Service("A")
	require.True(t, ok)
	assert.Equal(t, []string{"1.x", "2.y"}, svc.Methods())

	m.RegisterService(server.NewService("A"))
	svc, _ = m.Router().Service("A")
	assert.Empty(t, svc.Methods(), "RegisterService replaces a service of the same name")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CONTROL_OPEN", StateControlOpen.String())
	assert.Equal(t, "SERVICE_CONNECTED", StateServiceConnected.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
