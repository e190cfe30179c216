package loadbalance

import "sync/atomic"

// RoundRobin ignores the key and cycles through the endpoints.
type RoundRobin struct {
	counter atomic.Uint64
}

func (b *RoundRobin) Pick(key string, endpoints []string) (string, error) {
	if len(endpoints) == 0 {
		return "", ErrNoEndpoints
	}
	index := (b.counter.Add(1) - 1) % uint64(len(endpoints))
	return endpoints[index], nil
}

func (b *RoundRobin) Name() string {
	return "round_robin"
}
