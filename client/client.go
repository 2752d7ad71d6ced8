// Package client implements the request side of a JSON-RPC connection:
// it numbers outgoing requests and matches each response back to the caller
// that is waiting for it.
//
//	goroutine-1 ──SendRequest(id=1)──┐
//	goroutine-2 ──SendRequest(id=2)──┼──→ single Conn ──→ controller
//	goroutine-3 ──SendRequest(id=3)──┘
//
//	recvLoop: ←── response(id=2) → pending[2].done ← reply → goroutine-2 wakes up
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"webbridge-rpc/codec"
	"webbridge-rpc/message"
	"webbridge-rpc/transport"
)

var (
	// ErrNotOpen is returned when sending before Open succeeded.
	ErrNotOpen = errors.New("client: not open")
	// ErrClosed is returned when sending after the client was closed or
	// its connection was lost.
	ErrClosed = errors.New("client: closed")
	// ErrConnectionClosed rejects calls that were pending when the
	// connection went away.
	ErrConnectionClosed = errors.New("client: connection closed")
)

// Reply is the settled value of a request. Err is set only when the call
// was rejected without a response.
type Reply struct {
	Response *message.Response
	UserData any
	Err      error
}

// pendingCall lives in the pending table from send until its response
// arrives. Removal from the table is the settlement.
type pendingCall struct {
	id       uint64
	method   string
	userData any
	done     chan *Reply // buffered, receives exactly one reply
}

// Client correlates requests and responses over one Conn.
type Client struct {
	dialer      transport.Dialer
	url         string
	codec       codec.Codec
	logger      *zap.Logger
	keepAlive   time.Duration
	pingTimeout time.Duration

	sending sync.Mutex // serializes id allocation and writes so ids hit the wire in order
	seq     uint64     // last allocated id, protected by sending

	mu      sync.Mutex
	conn    transport.Conn
	pending map[uint64]*pendingCall
	closed  bool
	err     error // why the connection went away
	cancel  context.CancelFunc
	done    chan struct{} // closed when recvLoop exits
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithCodec replaces the default JSON codec.
func WithCodec(cd codec.Codec) Option {
	return func(c *Client) { c.codec = cd }
}

// WithKeepAlive pings the connection every interval when the transport
// supports it. A failed ping closes the connection.
func WithKeepAlive(interval, timeout time.Duration) Option {
	return func(c *Client) {
		c.keepAlive = interval
		c.pingTimeout = timeout
	}
}

// New creates a client for the endpoint url. Nothing is dialed until Open.
func New(dialer transport.Dialer, url string, opts ...Option) *Client {
	c := &Client{
		dialer:      dialer,
		url:         url,
		codec:       codec.Default,
		logger:      zap.NewNop(),
		pingTimeout: 10 * time.Second,
		pending:     make(map[uint64]*pendingCall),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the endpoint the client talks to.
func (c *Client) URL() string { return c.url }

// Open dials the endpoint and starts reading responses. It returns once
// the transport is open or has failed.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil || c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client: open %s: already used", c.url)
	}
	c.mu.Unlock()

	conn, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("client: open %s: %w", c.url, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.recvLoop(loopCtx, conn)
	if p, ok := conn.(transport.Pinger); ok && c.keepAlive > 0 {
		go c.keepAliveLoop(loopCtx, p, conn)
	}

	c.logger.Info("client opened", zap.String("url", c.url))
	return nil
}

// SendRequest sends method with params and returns a channel that
// receives exactly one Reply. userData is handed back untouched with the
// reply.
func (c *Client) SendRequest(ctx context.Context, method string, params any, userData any) (<-chan *Reply, error) {
	c.sending.Lock()
	defer c.sending.Unlock()

	conn, err := c.activeConn()
	if err != nil {
		return nil, err
	}

	c.seq++
	id := c.seq

	req, err := message.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	data, err := c.codec.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("client: encode %s: %w", method, err)
	}

	// Register before writing so a fast response cannot miss its entry.
	call := &pendingCall{id: id, method: method, userData: userData, done: make(chan *Reply, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, c.closedErr()
	}
	c.pending[id] = call
	c.mu.Unlock()

	c.logger.Debug(">>>", zap.String("url", c.url), zap.ByteString("msg", data))
	if err := conn.Write(ctx, data); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("client: send %s: %w", method, err)
	}
	return call.done, nil
}

// Call sends a request and waits for its reply. A rejected call returns
// the reply together with its Err. Giving up on ctx leaves the request
// pending until its response or the connection close settles it.
func (c *Client) Call(ctx context.Context, method string, params any, userData any) (*Reply, error) {
	ch, err := c.SendRequest(ctx, method, params, userData)
	if err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		return reply, reply.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify sends a request without id; no reply is expected.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	n, err := message.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.Send(ctx, n)
}

// Send encodes msg and writes it as is.
func (c *Client) Send(ctx context.Context, msg any) error {
	data, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("client: encode: %w", err)
	}

	c.sending.Lock()
	defer c.sending.Unlock()
	conn, err := c.activeConn()
	if err != nil {
		return err
	}
	c.logger.Debug(">>>", zap.String("url", c.url), zap.ByteString("msg", data))
	if err := conn.Write(ctx, data); err != nil {
		return fmt.Errorf("client: send: %w", err)
	}
	return nil
}

// Pending returns the number of requests awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed once the connection is gone and every pending call has
// been rejected. It is nil before Open.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns why the connection went away, nil while it is up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the connection down. Pending calls are rejected with
// ErrConnectionClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed && c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.err == nil {
		c.err = ErrClosed
	}
	conn, cancel, done := c.conn, c.cancel, c.done
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	cancel()
	<-done
	c.logger.Info("client closed", zap.String("url", c.url))
	return err
}

func (c *Client) activeConn() (transport.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, c.closedErr()
	}
	if c.conn == nil {
		return nil, ErrNotOpen
	}
	return c.conn, nil
}

// closedErr must be called with mu held.
func (c *Client) closedErr() error {
	if c.err != nil && !errors.Is(c.err, ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, c.err)
	}
	return ErrClosed
}

// recvLoop is the only reader of conn, so responses are handled one at a
// time in arrival order.
func (c *Client) recvLoop(ctx context.Context, conn transport.Conn) {
	defer close(c.done)
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.closeAllPending(err)
			return
		}
		c.onIncomingMessage(data)
	}
}

// onIncomingMessage settles the pending call matching the response id.
// Anything else is dropped.
func (c *Client) onIncomingMessage(data []byte) {
	c.logger.Debug("<<<", zap.String("url", c.url), zap.ByteString("msg", data))

	var env message.Envelope
	if err := c.codec.Decode(data, &env); err != nil {
		c.logger.Warn("client: undecodable message dropped", zap.String("url", c.url), zap.Error(err))
		return
	}
	if !env.IsResponse() {
		c.logger.Debug("client: non-response message dropped", zap.String("method", env.Method))
		return
	}

	c.mu.Lock()
	call, ok := c.pending[*env.ID]
	if ok {
		delete(c.pending, *env.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("client: response for unknown id dropped", zap.Uint64("id", *env.ID))
		return
	}
	call.done <- &Reply{Response: env.Response(), UserData: call.userData}
}

// closeAllPending runs when the connection breaks. Every waiting caller
// gets a rejection instead of blocking forever.
func (c *Client) closeAllPending(cause error) {
	c.mu.Lock()
	c.closed = true
	if c.err == nil {
		c.err = cause
	}
	calls := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.mu.Unlock()

	if len(calls) > 0 {
		c.logger.Warn("client: connection lost with pending calls",
			zap.String("url", c.url), zap.Int("pending", len(calls)), zap.Error(cause))
	}
	for _, call := range calls {
		call.done <- &Reply{
			UserData: call.userData,
			Err:      fmt.Errorf("%w: %s (id %d): %v", ErrConnectionClosed, call.method, call.id, cause),
		}
	}
}

func (c *Client) keepAliveLoop(ctx context.Context, p transport.Pinger, conn transport.Conn) {
	if err := transport.KeepAlive(ctx, p, c.keepAlive, c.pingTimeout); err != nil {
		c.logger.Warn("client: keepalive failed, closing connection", zap.String("url", c.url), zap.Error(err))
		conn.Close()
	}
}
