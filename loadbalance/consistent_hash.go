package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"
)

// ConsistentHash maps keys to endpoints on a hash ring. Each endpoint owns
// replicas virtual nodes, hashed from "{endpoint}#{i}", so a few endpoints still
// split the ring evenly. Removing an endpoint only moves the keys it owned.
type ConsistentHash struct {
	replicas int

	mu    sync.Mutex
	built string   // Endpoint list the ring was built from
	ring  []uint32 // Sorted virtual node hashes
	nodes map[uint32]string
}

func NewConsistentHash() *ConsistentHash {
	return &ConsistentHash{replicas: 100}
}

func (b *ConsistentHash) rebuild(endpoints []string) {
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]string, len(endpoints)*b.replicas)
	for _, e := range endpoints {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", e, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = e
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Pick hashes key and walks clockwise to the first virtual node, wrapping around
// past the largest one.
func (b *ConsistentHash) Pick(key string, endpoints []string) (string, error) {
	if len(endpoints) == 0 {
		return "", ErrNoEndpoints
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if id := strings.Join(endpoints, "\n"); id != b.built {
		b.rebuild(endpoints)
		b.built = id
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHash) Name() string {
	return "consistent_hash"
}
