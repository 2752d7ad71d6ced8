// Package registry keeps track of where WebBridge endpoints live.
//
// It serves two purposes: a bridge looks up the Thunder controller it should
// clone itself on, and once its service channel is up it may publish the
// bridged namespace so other hosts can find it.
package registry

import (
	"context"
	"errors"
)

// ErrNoInstances is returned when a lookup finds nothing registered.
var ErrNoInstances = errors.New("registry: no instances available")

// ServiceInstance is one reachable endpoint.
type ServiceInstance struct {
	Addr    string `json:"addr"`             // host:port
	Scheme  string `json:"scheme,omitempty"` // ws or wss, empty means ws
	Weight  int    `json:"weight"`           // used by the weighted balancer
	Version string `json:"version,omitempty"`
}

type Registry interface {
	// Register publishes instance under serviceName. The entry expires ttl
	// seconds after the registry stops renewing it.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx is
	// done, then closes the channel.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
	Close() error
}
