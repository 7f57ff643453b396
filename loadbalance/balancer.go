// Package loadbalance provides strategies for choosing the subject a client
// sends to when several instances of a service are registered.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity instances
//   - WeightedRandom:  heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  key affinity, e.g. all calls of one correlation id to one instance
package loadbalance

import (
	"github.com/pkg/errors"

	"nats-rpc/discovery"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each RPC to select a target instance.
type Balancer interface {
	// Pick selects one instance from the available list. key identifies the
	// call; strategies without affinity ignore it.
	// Called on every RPC call — must be goroutine-safe.
	Pick(key string, instances []discovery.Instance) (*discovery.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// ByName returns the strategy called name: "round_robin" (also ""),
// "weighted_random" or "consistent_hash".
func ByName(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, errors.Errorf("loadbalance: unknown strategy %q", name)
}
