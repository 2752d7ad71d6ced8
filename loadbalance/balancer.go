// Package loadbalance picks the controller a bridge attaches to when
// several are discovered.
//
// Three strategies are implemented:
//   - RoundRobin:      spread bridges evenly over equal controllers
//   - WeightedRandom:  controllers of different capacity
//   - ConsistentHash:  the same namespace always lands on the same controller
package loadbalance

import (
	"fmt"

	"webbridge-rpc/registry"
)

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one instance. key identifies the caller (the bridge
	// namespace); strategies without affinity ignore it. Must be
	// goroutine-safe.
	Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/config).
	Name() string
}

// New returns the balancer configured by name. The empty name selects
// round robin.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin", "RoundRobin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random", "WeightedRandom":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash", "ConsistentHash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown balancer %q", name)
	}
}
