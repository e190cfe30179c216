// Package loadbalance picks the host endpoint a page connects to when several
// hosts serve the bridge.
//
// Two strategies are implemented:
//   - RoundRobin:     spread pages evenly, a reconnect moves to the next host
//   - ConsistentHash: the same page URL always lands on the same host while the
//     endpoint list is unchanged, so host-side state for the page is reused
package loadbalance

import (
	"errors"
	"fmt"
)

var ErrNoEndpoints = errors.New("loadbalance: no endpoints available")

// Balancer selects one endpoint for key. Pick must be goroutine-safe.
type Balancer interface {
	Pick(key string, endpoints []string) (string, error)
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "round_robin":
		return &RoundRobin{}, nil
	case "consistent_hash", "":
		return NewConsistentHash(), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
	}
}

// Order returns every endpoint, starting with the one b picks for key and
// continuing with the remaining ones as b would pick them. It is the failover
// order for dialing.
func Order(b Balancer, key string, endpoints []string) []string {
	remaining := append([]string(nil), endpoints...)
	ordered := make([]string, 0, len(endpoints))
	for len(remaining) > 0 {
		picked, err := b.Pick(key, remaining)
		if err != nil {
			break
		}
		ordered = append(ordered, picked)
		for i, e := range remaining {
			if e == picked {
				remaining = append(remaining[:i], remaining[i+1:]...)
				break
			}
		}
	}
	return ordered
}
