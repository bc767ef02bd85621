// Package client calls Stratum RPC methods on a fixed server or on servers found through a
// registry.
//
// Call pipeline:
//
//	Call → CreateRequest → middleware chain → roundTrip
//	  → pick instance (balancer) → pool.Get → SendMessage → ParseReply → id check → pool.Put
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"stratum-rpc/codec"
	"stratum-rpc/loadbalance"
	"stratum-rpc/message"
	"stratum-rpc/middleware"
	"stratum-rpc/protocol"
	"stratum-rpc/registry"
	"stratum-rpc/transport"
)

var (
	ErrIDMismatch   = errors.New("rpc: reply id does not match request id")
	ErrClientClosed = errors.New("rpc: client closed")
)

type Client struct {
	protocol    *protocol.Stratum
	handler     middleware.HandlerFunc
	middlewares []middleware.Middleware
	logger      *zap.Logger

	codecType  codec.CodecType
	codecOpts  codec.Options
	poolSize   int
	routingKey string

	addr string // Fixed target; empty in discovery mode

	registry    registry.Registry
	balancer    loadbalance.Balancer
	service     string
	stopWatch   context.CancelFunc
	watchDone   chan struct{}
	instancesMu sync.RWMutex
	instances   []registry.ServiceInstance

	mu     sync.Mutex
	pools  map[string]*transport.Pool // By address
	closed bool
}

type Option func(*Client)

// WithCodec selects the framing used to talk to servers whose registration does not
// name one.
func WithCodec(codecType codec.CodecType, opts codec.Options) Option {
	return func(c *Client) {
		c.codecType = codecType
		c.codecOpts = opts
	}
}

// WithPoolSize bounds the connections kept per server. Defaults to 4.
func WithPoolSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.poolSize = n
		}
	}
}

// WithMiddleware wraps every call, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) {
		c.middlewares = append(c.middlewares, mws...)
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRoutingKey is passed to the balancer on every pick. With a consistent hash balancer
// a worker name keeps the worker on one server.
func WithRoutingKey(key string) Option {
	return func(c *Client) {
		c.routingKey = key
	}
}

func newClient(opts []Option) *Client {
	c := &Client{
		protocol:  protocol.NewStratum(),
		logger:    zap.NewNop(),
		codecType: codec.CodecTypeLine,
		codecOpts: codec.DefaultOptions(),
		poolSize:  4,
		pools:     make(map[string]*transport.Pool),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.handler = middleware.Chain(c.middlewares...)(c.roundTrip)
	return c
}

// Dial returns a client for the server at addr. One connection is opened up front so that
// an unreachable server is reported here.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	c := newClient(opts)
	c.addr = addr

	pool := c.pool(addr, c.codecType)
	t, err := pool.Get(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	pool.Put(t)
	return c, nil
}

// NewDiscoveryClient returns a client for the instances of service in reg, chosen per call
// by bal. The instance list is kept current through reg.Watch until Close.
func NewDiscoveryClient(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, service string, opts ...Option) (*Client, error) {
	c := newClient(opts)
	c.registry = reg
	c.balancer = bal
	c.service = service

	instances, err := reg.Discover(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", service, err)
	}
	c.setInstances(instances)

	watchCtx, stop := context.WithCancel(context.Background())
	c.stopWatch = stop
	c.watchDone = make(chan struct{})
	updates := reg.Watch(watchCtx, service)
	go func() {
		defer close(c.watchDone)
		for instances := range updates {
			c.setInstances(instances)
		}
	}()
	return c, nil
}

func (c *Client) setInstances(instances []registry.ServiceInstance) {
	c.instancesMu.Lock()
	c.instances = instances
	c.instancesMu.Unlock()

	live := make(map[string]bool, len(instances))
	for _, inst := range instances {
		live[inst.Addr] = true
	}

	// Connections to servers that left are closed.
	c.mu.Lock()
	var gone []*transport.Pool
	for addr, pool := range c.pools {
		if !live[addr] {
			gone = append(gone, pool)
			delete(c.pools, addr)
		}
	}
	c.mu.Unlock()
	for _, pool := range gone {
		pool.Close()
	}

	c.logger.Debug("instances updated", zap.String("service", c.service), zap.Int("count", len(instances)))
}

// Call invokes method with positional args. An error reply is returned both as the
// Response and as its *message.Error.
func (c *Client) Call(ctx context.Context, method string, args ...any) (*message.Response, error) {
	req, err := c.protocol.CreateRequest(method, args, nil, false)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, req)
}

// CallKw invokes method with keyword parameters.
func (c *Client) CallKw(ctx context.Context, method string, kwargs map[string]any) (*message.Response, error) {
	req, err := c.protocol.CreateRequest(method, nil, kwargs, false)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, req)
}

// Notify sends a one-way request. Nothing is read back.
func (c *Client) Notify(ctx context.Context, method string, args ...any) error {
	req, err := c.protocol.CreateRequest(method, args, nil, true)
	if err != nil {
		return err
	}
	_, err = c.handler(ctx, req)
	return err
}

func (c *Client) do(ctx context.Context, req *message.Request) (*message.Response, error) {
	resp, err := c.handler(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: no reply to %s", message.ErrInvalidReply, req.Method)
	}
	if resp.Error != nil {
		return resp, resp.Error
	}
	return resp, nil
}

// roundTrip is the innermost handler: it sends req to one server and reads the reply.
func (c *Client) roundTrip(ctx context.Context, req *message.Request) (*message.Response, error) {
	data, err := c.protocol.SerializeRequest(req)
	if err != nil {
		return nil, err
	}

	addr, codecType, err := c.pick()
	if err != nil {
		return nil, err
	}
	pool := c.pool(addr, codecType)
	if pool == nil {
		return nil, ErrClientClosed
	}
	t, err := pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	defer pool.Put(t)

	reply, err := t.SendMessage(ctx, data, !req.IsOneWay())
	if err != nil || req.IsOneWay() {
		return nil, err
	}

	resp, err := c.protocol.ParseReply(reply)
	if err != nil {
		// The stream can no longer be trusted to line up replies with requests.
		t.Close()
		return nil, err
	}
	if !resp.ID.Equal(req.ID) {
		t.Close()
		return nil, fmt.Errorf("%w: sent %s, got %s", ErrIDMismatch, req.ID, resp.ID)
	}
	return resp, nil
}

// pick returns the target address and the framing it speaks.
func (c *Client) pick() (string, codec.CodecType, error) {
	if c.registry == nil {
		return c.addr, c.codecType, nil
	}

	c.instancesMu.RLock()
	instances := c.instances
	c.instancesMu.RUnlock()

	inst, err := c.balancer.Pick(c.routingKey, instances)
	if err != nil {
		return "", 0, fmt.Errorf("pick %s instance: %w", c.service, err)
	}
	if inst.Framing == "" {
		return inst.Addr, c.codecType, nil
	}
	codecType, err := codec.ParseCodecType(inst.Framing)
	if err != nil {
		return "", 0, fmt.Errorf("instance %s: %w", inst.Addr, err)
	}
	return inst.Addr, codecType, nil
}

// pool returns the connection pool for addr, creating it on first use. It returns nil
// once the client is closed.
func (c *Client) pool(addr string, codecType codec.CodecType) *transport.Pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if p, ok := c.pools[addr]; ok {
		return p
	}
	opts := c.codecOpts
	p := transport.NewPool(c.poolSize, func(ctx context.Context) (*transport.ClientTransport, error) {
		return transport.Dial(ctx, "tcp", addr, codecType, opts)
	})
	c.pools[addr] = p
	return p
}

// Close stops watching the registry and closes every pooled connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pools := c.pools
	c.pools = make(map[string]*transport.Pool)
	c.mu.Unlock()

	if c.stopWatch != nil {
		c.stopWatch()
		<-c.watchDone
	}

	var err error
	for _, p := range pools {
		err = multierr.Append(err, p.Close())
	}
	return err
}
