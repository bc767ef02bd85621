package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"stratum-rpc/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring. The same key maps to
// the same instance until the instance set changes, and a change only moves the keys of
// the instances that came or went. Each instance owns replicas virtual nodes so that a
// few instances still split the ring evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
//
// The ring is rebuilt lazily when Pick sees a different instance list.
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	ring  []uint32          // Sorted hash values on the ring
	nodes map[uint32]string // Hash value → instance address
	set   string            // Addresses the ring was built from
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]string),
	}
}

// Add places an instance onto the ring.
func (b *ConsistentHashBalancer) Add(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(addr)
	b.sortLocked()
}

func (b *ConsistentHashBalancer) addLocked(addr string) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", addr, i)))
		if _, taken := b.nodes[hash]; taken {
			continue
		}
		b.ring = append(b.ring, hash)
		b.nodes[hash] = addr
	}
}

func (b *ConsistentHashBalancer) sortLocked() {
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Locate returns the address owning key, or "" on an empty ring.
func (b *ConsistentHashBalancer) Locate(key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locateLocked(key)
}

func (b *ConsistentHashBalancer) locateLocked(key string) string {
	if len(b.ring) == 0 {
		return ""
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	// First node clockwise from the key, wrapping past the top of the ring.
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]]
}

// Pick routes key to its instance among instances.
func (b *ConsistentHashBalancer) Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	set := strings.Join(addrs, ",")

	b.mu.Lock()
	if set != b.set {
		b.ring = b.ring[:0]
		b.nodes = make(map[uint32]string, len(addrs)*b.replicas)
		for _, addr := range addrs {
			b.addLocked(addr)
		}
		b.sortLocked()
		b.set = set
	}
	addr := b.locateLocked(key)
	b.mu.Unlock()

	for i := range instances {
		if instances[i].Addr == addr {
			return &instances[i], nil
		}
	}
	return nil, ErrNoInstances
}

func (b *ConsistentHashBalancer) Name() string {
	return "consistent_hash"
}
