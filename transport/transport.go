// Package transport abstracts the full-duplex, ordered message channel the
// RPC layer runs on. One Conn carries one logical endpoint; a single reader
// goroutine per Conn preserves arrival order.
//
//	client.Client ──Write──┐                  ┌──Read── server.Router
//	                       ├── Conn (ws/pipe) ─┤
//	client.recvLoop ──Read─┘                  └──Write── (response)
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed Conn.
var ErrClosed = errors.New("transport: connection closed")

// Conn is a message-oriented connection. Read must not be called
// concurrently with itself; Write may be called from several goroutines.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a Conn to the given endpoint URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}

// Pinger is implemented by connections that support liveness probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// KeepAlive pings conn every interval until ctx is done or a ping fails.
// The ping error is returned; a cancelled ctx returns nil.
// Pings only complete while another goroutine is reading from conn.
func KeepAlive(ctx context.Context, conn Pinger, interval, timeout time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}
