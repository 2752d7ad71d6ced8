// Package middleware wraps the dispatch of relayed calls.
//
// Middlewares form an onion around the router's business handler:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//
// A middleware that fails a call returns an error; the router turns it
// into the inner response's error object like any handler failure.
package middleware

import (
	"context"
	"encoding/json"
)

// Call is one relayed inner call after routing.
type Call struct {
	ID      json.RawMessage // inner request id as sent, nil for none
	Service string
	Method  string // method-table key, "<version>.<name>"
	Params  json.RawMessage
}

// FullMethod returns "<service>.<version>.<name>".
func (c *Call) FullMethod() string {
	return c.Service + "." + c.Method
}

type HandlerFunc func(ctx context.Context, call *Call) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
