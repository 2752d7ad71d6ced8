package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

// WebSocketDialer dials websocket endpoints and exchanges text frames.
type WebSocketDialer struct {
	Subprotocols []string    // offered during the handshake, e.g. "json"
	Header       http.Header // extra handshake headers
	HTTPClient   *http.Client
	ReadLimit    int64         // max message size in bytes, 0 keeps the library default
	Timeout      time.Duration // bounds the handshake, 0 means ctx only
}

// Dial opens a websocket connection to url.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   d.Header,
		Subprotocols: d.Subprotocols,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}
	return NewWebSocketConn(ws), nil
}

// WebSocketConn adapts *websocket.Conn to Conn.
type WebSocketConn struct {
	ws *websocket.Conn
}

// NewWebSocketConn wraps an established websocket connection, dialed or
// accepted.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws}
}

func (c *WebSocketConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, mapCloseError(err)
	}
	return data, nil
}

func (c *WebSocketConn) Write(ctx context.Context, data []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return mapCloseError(err)
	}
	return nil
}

func (c *WebSocketConn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

func (c *WebSocketConn) Close() error {
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	if err != nil && websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return err
}

// Subprotocol returns the negotiated subprotocol.
func (c *WebSocketConn) Subprotocol() string {
	return c.ws.Subprotocol()
}

func mapCloseError(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
