// Package registry distributes bridge configuration documents (services ACLs, web
// filter lists) to running pages.
//
// A document is an opaque string stored under a key. Publishers put documents,
// pages Follow the keys they care about and re-apply the document on every change.
package registry

import (
	"context"
	"sync"
)

// Prefix is prepended to every key in the backing store.
const Prefix = "/jsbridge/"

// Change is one update of a watched key. Deleted documents have an empty Value.
type Change struct {
	Key     string
	Value   string
	Deleted bool
}

type Registry interface {
	// Publish stores value under key. With ttl > 0 the document expires unless the
	// publisher stays alive.
	Publish(ctx context.Context, key, value string, ttl int64) error
	Withdraw(ctx context.Context, key string) error
	// Fetch returns the current document and whether it exists.
	Fetch(ctx context.Context, key string) (string, bool, error)
	// Watch streams changes of key until ctx is done, then closes the channel.
	Watch(ctx context.Context, key string) <-chan Change
	Close() error
}

// Follow applies the current document of key and then every change to it, until
// ctx is done. A missing or deleted document is applied as "", which for a
// services ACL means every service is denied.
func Follow(ctx context.Context, reg Registry, key string, apply func(value string)) error {
	// Watch before fetching so no change between the two is lost.
	changes := reg.Watch(ctx, key)

	value, _, err := reg.Fetch(ctx, key)
	if err != nil {
		return err
	}
	apply(value)

	for {
		select {
		case change, ok := <-changes:
			if !ok {
				return ctx.Err()
			}
			apply(change.Value)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// MemoryRegistry keeps documents in process. It is used when no etcd endpoints
// are configured.
type MemoryRegistry struct {
	mu       sync.Mutex
	docs     map[string]string
	watchers map[string]map[chan Change]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		docs:     make(map[string]string),
		watchers: make(map[string]map[chan Change]struct{}),
	}
}

// Publish ignores ttl: documents live as long as the registry.
func (r *MemoryRegistry) Publish(ctx context.Context, key, value string, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[key] = value
	r.notify(Change{Key: key, Value: value})
	return nil
}

func (r *MemoryRegistry) Withdraw(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[key]; !ok {
		return nil
	}
	delete(r.docs, key)
	r.notify(Change{Key: key, Deleted: true})
	return nil
}

func (r *MemoryRegistry) Fetch(ctx context.Context, key string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	value, ok := r.docs[key]
	return value, ok, nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, key string) <-chan Change {
	ch := make(chan Change, 16)
	r.mu.Lock()
	if r.watchers[key] == nil {
		r.watchers[key] = make(map[chan Change]struct{})
	}
	r.watchers[key][ch] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.watchers[key], ch)
		close(ch)
		r.mu.Unlock()
	}()
	return ch
}

// notify must be called with r.mu held. A slow watcher loses intermediate
// changes but always receives the latest one.
func (r *MemoryRegistry) notify(change Change) {
	for ch := range r.watchers[change.Key] {
		select {
		case ch <- change:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- change:
		default:
		}
	}
}

func (r *MemoryRegistry) Close() error {
	return nil
}
