// Package registry announces Stratum RPC servers and lets clients find them.
package registry

import "context"

type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version,omitempty"`
	Framing string `json:"framing,omitempty"` // Framing scheme the instance speaks; empty means line
}

type Registry interface {
	// Register announces instance under serviceName for as long as the registration is
	// kept alive; ttl is in seconds.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx is done, then
	// closes the channel.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
	Close() error
}
