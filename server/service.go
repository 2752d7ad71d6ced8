package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"webbridge-rpc/protocol"
)

// ErrMethodNotFound matches every MethodNotFoundError.
var ErrMethodNotFound = errors.New("method not found")

// ErrServiceNotFound matches every ServiceNotFoundError.
var ErrServiceNotFound = errors.New("service not found")

// Handler serves one method. The returned value becomes the JSON result.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// MethodNotFoundError names the method key that has no handler.
type MethodNotFoundError struct {
	Service string
	Method  string
}

func (e *MethodNotFoundError) Error() string {
	return fmt.Sprintf("method %s not found", e.Method)
}

func (e *MethodNotFoundError) Is(target error) bool { return target == ErrMethodNotFound }

// ServiceNotFoundError names the service a relayed call addressed.
type ServiceNotFoundError struct {
	Service string
}

func (e *ServiceNotFoundError) Error() string {
	return fmt.Sprintf("service %s not found", e.Service)
}

func (e *ServiceNotFoundError) Is(target error) bool { return target == ErrServiceNotFound }

// PanicError is returned when a handler panics.
type PanicError struct {
	Method string
	Value  any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("method %s panicked: %v", e.Method, e.Value)
}

// Service is a named method table. Methods are keyed "<version>.<name>".
type Service struct {
	name string

	mu      sync.RWMutex
	methods map[string]Handler
}

// NewService creates an empty service.
func NewService(name string) *Service {
	return &Service{
		name:    name,
		methods: make(map[string]Handler),
	}
}

func (s *Service) Name() string { return s.name }

// RegisterMethod installs handler for name at version. Registering the
// same name and version again replaces the previous handler. Version 0 is
// valid; a negative version could never be routed and panics.
func (s *Service) RegisterMethod(name string, version int, handler Handler) {
	if version < 0 {
		panic(fmt.Sprintf("server: %s.%s: negative version %d", s.name, name, version))
	}
	s.mu.Lock()
	s.methods[protocol.MethodKey(name, version)] = handler
	s.mu.Unlock()
}

// Dispatch runs the handler registered under method ("<version>.<name>").
// A panicking handler is reported as a *PanicError.
func (s *Service) Dispatch(ctx context.Context, method string, params json.RawMessage) (result any, err error) {
	s.mu.RLock()
	handler, ok := s.methods[method]
	s.mu.RUnlock()
	if !ok {
		return nil, &MethodNotFoundError{Service: s.name, Method: method}
	}

	defer func() {
		if p := recover(); p != nil {
			result, err = nil, &PanicError{Method: method, Value: p}
		}
	}()
	return handler(ctx, params)
}

// Methods returns the registered method keys, sorted.
func (s *Service) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.methods))
	for k := range s.methods {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	rawType     = reflect.TypeOf(json.RawMessage(nil))
)

// NewReceiverService builds a service from the exported methods of rcvr
// that look like
//
//	func (r *T) Name(ctx context.Context, params json.RawMessage) (Result, error)
//
// Each one is registered under its Go name at version. Other methods are
// skipped.
func NewReceiverService(name string, version int, rcvr any) (*Service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: receiver for %s must be a pointer, got %T", name, rcvr)
	}
	val := reflect.ValueOf(rcvr)

	if version < 0 {
		return nil, fmt.Errorf("server: receiver for %s: negative version %d", name, version)
	}
	svc := NewService(name)
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 3 || mt.In(1) != contextType || mt.In(2) != rawType ||
			mt.NumOut() != 2 || mt.Out(1) != errorType {
			continue
		}
		fn := method.Func
		svc.RegisterMethod(method.Name, version, func(ctx context.Context, params json.RawMessage) (any, error) {
			out := fn.Call([]reflect.Value{val, reflect.ValueOf(ctx), reflect.ValueOf(params)})
			if errv := out[1]; !errv.IsNil() {
				return nil, errv.Interface().(error)
			}
			return out[0].Interface(), nil
		})
	}
	if len(svc.methods) == 0 {
		return nil, fmt.Errorf("server: %T has no methods usable by service %s", rcvr, name)
	}
	return svc, nil
}
