package registry

// etcd is used as a phonebook for services:
//
//	Key:   {prefix}{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the server crashes, the lease expires and the
// entry is removed on its own.

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const DefaultPrefix = "/stratum-rpc/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // Thread-safe, shared across goroutines
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]registration // By key, for the registrations made through this registry
}

type registration struct {
	lease  clientv3.LeaseID
	cancel context.CancelFunc // Stops the keep-alive
}

type EtcdOption func(*etcdOptions)

type etcdOptions struct {
	prefix      string
	dialTimeout time.Duration
	logger      *zap.Logger
}

func WithPrefix(prefix string) EtcdOption {
	return func(o *etcdOptions) {
		o.prefix = prefix
	}
}

func WithDialTimeout(d time.Duration) EtcdOption {
	return func(o *etcdOptions) {
		o.dialTimeout = d
	}
}

// WithLogger is used by the registry and handed to the etcd client.
func WithLogger(logger *zap.Logger) EtcdOption {
	return func(o *etcdOptions) {
		o.logger = logger
	}
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	o := etcdOptions{prefix: DefaultPrefix, dialTimeout: 5 * time.Second, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: o.dialTimeout,
		Logger:      o.logger,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{
		client: c,
		prefix: o.prefix,
		logger: o.logger,
		leases: make(map[string]registration),
	}, nil
}

func (r *EtcdRegistry) key(serviceName, addr string) string {
	return r.prefix + serviceName + "/" + addr
}

// Register puts the instance under a lease of ttl seconds and keeps the lease alive in
// the background until Deregister or Close. ctx bounds the setup only.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := r.key(serviceName, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// The keep-alive outlives ctx; it is stopped through the registration.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return err
	}

	r.mu.Lock()
	if old, ok := r.leases[key]; ok {
		old.cancel()
	}
	r.leases[key] = registration{lease: lease.ID, cancel: cancel}
	r.mu.Unlock()

	// Drain responses so the channel never fills up.
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keep-alive stopped", zap.String("key", key))
	}()
	return nil
}

// Deregister removes the instance at once, revoking its lease when this registry made
// the registration.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := r.key(serviceName, addr)

	r.mu.Lock()
	reg, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		reg.cancel()
		if _, err := r.client.Revoke(ctx, reg.lease); err != nil {
			r.logger.Warn("lease revoke failed", zap.String("key", key), zap.Error(err))
		}
	}
	_, err := r.client.Delete(ctx, key)
	return err
}

// Discover returns all currently registered instances of a service.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.prefix+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch uses etcd's server-push watch on the service prefix and re-reads the full list on
// every change.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := r.prefix + serviceName + "/"

	go func() {
		defer close(ch)
		for wresp := range r.client.Watch(ctx, prefix, clientv3.WithPrefix()) {
			if err := wresp.Err(); err != nil {
				r.logger.Warn("watch failed", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn("discover after watch event failed", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close revokes every lease granted through this registry, which removes its instances,
// and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	regs := r.leases
	r.leases = make(map[string]registration)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var err error
	for _, reg := range regs {
		reg.cancel()
		if _, rerr := r.client.Revoke(ctx, reg.lease); rerr != nil {
			err = multierr.Append(err, rerr)
		}
	}
	return multierr.Append(err, r.client.Close())
}
