// Package loadbalance picks the server instance a client call goes to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity instances
//   - WeightedRandom:  instances of different capacity, by ServiceInstance.Weight
//   - ConsistentHash:  sticky routing, so one worker keeps talking to one server
package loadbalance

import (
	"errors"

	"stratum-rpc/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects a target instance. The client calls Pick before each call.
type Balancer interface {
	// Pick selects one instance from the available list. key identifies the caller for
	// strategies that route by key; others ignore it. Must be goroutine-safe.
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/config).
	Name() string
}

// New returns the balancer registered under name: "round_robin" (also the default for
// ""), "weighted_random" or "consistent_hash".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, errors.New("loadbalance: unknown strategy " + name)
	}
}
