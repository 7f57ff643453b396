package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"nats-rpc/discovery"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes).
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring,
// so that a handful of instances still split the ring evenly.
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
// The ring is rebuilt whenever Pick sees a different instance set.
type ConsistentHashBalancer struct {
	replicas int // Virtual nodes per real instance

	mu    sync.Mutex
	sig   string
	ring  []uint32          // Sorted hash values on the ring
	nodes map[uint32]string // Hash value → subject
	byKey map[string]discovery.Instance
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

func signature(instances []discovery.Instance) string {
	subjects := make([]string, len(instances))
	for i, inst := range instances {
		subjects[i] = inst.Subject
	}
	sort.Strings(subjects)
	return strings.Join(subjects, "\x00")
}

func (b *ConsistentHashBalancer) rebuild(instances []discovery.Instance) {
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]string, len(instances)*b.replicas)
	b.byKey = make(map[string]discovery.Instance, len(instances))
	for _, inst := range instances {
		b.byKey[inst.Subject] = inst
		// Each virtual node is hashed from "{subject}#{i}"
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Subject, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = inst.Subject
		}
	}
	// Keep the ring sorted for binary search in Pick()
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick finds the instance responsible for key: the first virtual node at or
// after the key's hash, wrapping around to the first node.
func (b *ConsistentHashBalancer) Pick(key string, instances []discovery.Instance) (*discovery.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sig := signature(instances); sig != b.sig {
		b.rebuild(instances)
		b.sig = sig
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	inst := b.byKey[b.nodes[b.ring[idx]]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
