package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is an in-process Registry for tests and single-host setups. Leases are
// honoured lazily: an instance whose ttl has run out without a renewal is dropped the
// next time the service is read. Register again to renew.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]memoryEntry // service → addr → entry
	watchers map[string][]chan []ServiceInstance
	now      func() time.Time
}

type memoryEntry struct {
	instance ServiceInstance
	expires  time.Time // Zero when ttl <= 0
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]memoryEntry),
		watchers: make(map[string][]chan []ServiceInstance),
		now:      time.Now,
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, ok := r.services[serviceName]
	if !ok {
		entries = make(map[string]memoryEntry)
		r.services[serviceName] = entries
	}
	e := memoryEntry{instance: instance}
	if ttl > 0 {
		e.expires = r.now().Add(time.Duration(ttl) * time.Second)
	}
	entries[instance.Addr] = e
	r.notifyLocked(serviceName)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.services[serviceName][addr]; ok {
		delete(r.services[serviceName], addr)
		r.notifyLocked(serviceName)
	}
	return nil
}

// Discover returns the live instances sorted by address.
func (r *MemoryRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(serviceName), nil
}

func (r *MemoryRegistry) snapshotLocked(serviceName string) []ServiceInstance {
	now := r.now()
	instances := make([]ServiceInstance, 0, len(r.services[serviceName]))
	for addr, e := range r.services[serviceName] {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(r.services[serviceName], addr)
			continue
		}
		instances = append(instances, e.instance)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances
}

// Watch delivers the latest list after each change. A slow reader sees only the most
// recent list, never a stale one.
func (r *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	r.mu.Lock()
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[serviceName]
		for i, w := range ws {
			if w == ch {
				r.watchers[serviceName] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (r *MemoryRegistry) notifyLocked(serviceName string) {
	snapshot := r.snapshotLocked(serviceName)
	for _, ch := range r.watchers[serviceName] {
		// Replace an unread list with the newer one.
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}

// Close drops every registration. Watches end with their contexts.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.services {
		delete(r.services, name)
		r.notifyLocked(name)
	}
	return nil
}
