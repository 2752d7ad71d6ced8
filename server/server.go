// Package server answers relayed calls arriving on a service channel.
//
// Every inbound message is an outer envelope whose params carry an inner
// request. The router unwraps it, resolves the inner method path to a
// registered Service, runs the handler and answers with an outer response
// that mirrors the envelope:
//
//	Conn.Read → HandleMessage (reader goroutine: decode, parse route)
//	  → go dispatch: Middleware Chain → businessHandler (Service.Dispatch)
//	  → wrap inner response in outer response → Conn.Write
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"webbridge-rpc/codec"
	"webbridge-rpc/message"
	"webbridge-rpc/middleware"
	"webbridge-rpc/protocol"
	"webbridge-rpc/transport"
)

// Router dispatches relayed calls to registered services.
type Router struct {
	mu          sync.RWMutex
	services    map[string]*Service     // "WebApp" → *Service
	middlewares []middleware.Middleware // applied in registration order
	handler     middleware.HandlerFunc  // built on first use, reset by Use

	codec        codec.Codec
	logger       *zap.Logger
	writeTimeout time.Duration

	wg       sync.WaitGroup // in-flight dispatches
	shutdown atomic.Bool
}

// Option configures a Router.
type Option func(*Router)

func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.logger = l }
}

func WithCodec(c codec.Codec) Option {
	return func(r *Router) { r.codec = c }
}

// WithWriteTimeout bounds how long sending one response may take.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Router) { r.writeTimeout = d }
}

// NewRouter creates a router without services.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		services:     make(map[string]*Service),
		codec:        codec.Default,
		logger:       zap.NewNop(),
		writeTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterService makes svc reachable under its name. A later service with
// the same name replaces the earlier one.
func (r *Router) RegisterService(svc *Service) {
	r.mu.Lock()
	r.services[svc.Name()] = svc
	r.mu.Unlock()
}

// Service returns the service registered under name.
func (r *Router) Service(name string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Use appends a middleware around dispatch.
func (r *Router) Use(mw middleware.Middleware) {
	r.mu.Lock()
	r.middlewares = append(r.middlewares, mw)
	r.handler = nil
	r.mu.Unlock()
}

func (r *Router) chain() middleware.HandlerFunc {
	r.mu.RLock()
	h := r.handler
	r.mu.RUnlock()
	if h != nil {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handler == nil {
		r.handler = middleware.Chain(r.middlewares...)(r.businessHandler)
	}
	return r.handler
}

// Serve reads envelopes from conn until it closes or ctx is done.
// Envelopes are unwrapped one at a time in arrival order; handlers run
// concurrently and answer on conn as they finish. A Shutdown from an
// earlier session does not silence read errors of this one.
func (r *Router) Serve(ctx context.Context, conn transport.Conn) error {
	r.shutdown.Store(false)
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || r.shutdown.Load() || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return fmt.Errorf("router: read: %w", err)
		}
		r.HandleMessage(ctx, conn, data)
	}
}

// HandleMessage processes one raw envelope. Every envelope carrying an
// outer id gets exactly one response on conn; malformed input is logged
// and never takes the caller down.
func (r *Router) HandleMessage(ctx context.Context, conn transport.Conn, data []byte) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("router: envelope handling panicked", zap.Any("panic", p), zap.ByteString("msg", data))
		}
	}()
	r.logger.Debug("<<<", zap.ByteString("msg", data))

	var outer message.Request
	if err := r.codec.Decode(data, &outer); err != nil {
		r.logger.Warn("router: undecodable envelope", zap.Error(err))
		if json.Valid(data) {
			r.rejectEnvelope(conn, recoverID(data), message.CodeInvalidRequest, "invalid request")
		} else {
			r.rejectEnvelope(conn, recoverID(data), message.CodeParseError, "parse error")
		}
		return
	}
	if outer.ID == nil {
		r.logger.Warn("router: envelope without id ignored", zap.String("method", outer.Method))
		return
	}

	var params message.RelayParams
	if len(outer.Params) == 0 {
		r.rejectEnvelope(conn, outer.ID, message.CodeInvalidParams, "missing relay params")
		return
	}
	if err := r.codec.Decode(outer.Params, &params); err != nil || isNull(params.Request) {
		r.logger.Warn("router: envelope without relayed request", zap.Uint64("id", *outer.ID), zap.Error(err))
		r.rejectEnvelope(conn, outer.ID, message.CodeInvalidParams, "missing relayed request")
		return
	}
	var inner message.RelayedRequest
	if err := r.codec.Decode(params.Request, &inner); err != nil {
		r.logger.Warn("router: undecodable relayed request", zap.Uint64("id", *outer.ID), zap.Error(err))
		r.rejectEnvelope(conn, outer.ID, message.CodeInvalidParams, "invalid relayed request")
		return
	}

	outerResp := message.NewResponse(outer.ID)
	relay := &message.RelayResult{
		Context:  params.Context,
		Response: message.NewRelayedResponse(inner.ID),
	}

	route, err := protocol.ParseRelayMethod(outer.Method, inner.Method)
	if err != nil {
		r.logger.Warn("router: malformed relayed method", zap.Error(err))
		relay.Response.SetError(message.CodeServerError, err.Error())
		r.sendRelay(conn, outerResp, relay)
		return
	}

	call := &middleware.Call{
		ID:      inner.ID,
		Service: route.Service,
		Method:  route.Key(),
		Params:  inner.Params,
	}
	r.wg.Add(1)
	go r.dispatch(ctx, conn, outerResp, relay, call)
}

// dispatch runs the handler chain and answers. Any failure becomes the
// inner response's error; the outer envelope is always sent.
func (r *Router) dispatch(ctx context.Context, conn transport.Conn, outerResp *message.Response, relay *message.RelayResult, call *middleware.Call) {
	defer r.wg.Done()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("router: dispatch panicked", zap.String("method", call.FullMethod()), zap.Any("panic", p))
			relay.Response.SetError(message.CodeServerError, fmt.Sprint(p))
			r.sendRelay(conn, outerResp, relay)
		}
	}()

	result, err := r.chain()(ctx, call)
	if err == nil {
		err = relay.Response.SetResult(result)
	}
	if err != nil {
		relay.Response.SetError(message.CodeServerError, err.Error())
	}
	r.sendRelay(conn, outerResp, relay)
}

// businessHandler is the innermost handler of the chain.
func (r *Router) businessHandler(ctx context.Context, call *middleware.Call) (any, error) {
	svc, ok := r.Service(call.Service)
	if !ok {
		return nil, &ServiceNotFoundError{Service: call.Service}
	}
	return svc.Dispatch(ctx, call.Method, call.Params)
}

func (r *Router) sendRelay(conn transport.Conn, outerResp *message.Response, relay *message.RelayResult) {
	if err := outerResp.SetResult(relay); err != nil {
		r.logger.Error("router: encode relay result", zap.Error(err))
		outerResp.SetError(message.CodeInternalError, err.Error())
	}
	r.write(conn, outerResp)
}

func (r *Router) rejectEnvelope(conn transport.Conn, id *uint64, code int, msg string) {
	if id == nil {
		return
	}
	resp := message.NewResponse(id)
	resp.SetError(code, msg)
	r.write(conn, resp)
}

// write never fails the caller: a response that cannot be sent is logged
// and dropped.
func (r *Router) write(conn transport.Conn, resp *message.Response) {
	data, err := r.codec.Encode(resp)
	if err != nil {
		r.logger.Error("router: encode response", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()
	r.logger.Debug(">>>", zap.ByteString("msg", data))
	if err := conn.Write(ctx, data); err != nil {
		r.logger.Warn("router: send response failed", zap.Error(err))
	}
}

// Shutdown marks the router as stopping, so a read error ends Serve
// quietly, and waits for in-flight dispatches to finish.
func (r *Router) Shutdown(timeout time.Duration) error {
	r.shutdown.Store(true)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// recoverID digs the outer id out of an envelope that failed to decode.
func recoverID(data []byte) *uint64 {
	var probe struct {
		ID *uint64 `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil
	}
	return probe.ID
}
