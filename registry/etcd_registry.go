package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdRegistry stores documents in etcd:
//
//	Key:   /jsbridge/{key}        e.g. /jsbridge/acl/default
//	Value: the document, verbatim
//
// Documents published with a ttl are bound to a lease kept alive by the publisher,
// so they disappear when the publisher dies and Follow applies "" (deny all).
type EtcdRegistry struct {
	client *clientv3.Client // Thread-safe, shared across goroutines
	logger *zap.Logger
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd %s: %w", strings.Join(endpoints, ","), err)
	}
	return &EtcdRegistry{client: c, logger: logger}, nil
}

// Publish puts the document, attached to a kept-alive lease when ttl > 0.
// The lease is a local variable so concurrent publishers sharing the registry
// do not race.
func (r *EtcdRegistry) Publish(ctx context.Context, key, value string, ttl int64) error {
	if ttl <= 0 {
		_, err := r.client.Put(ctx, Prefix+key, value)
		return err
	}

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	if _, err := r.client.Put(ctx, Prefix+key, value, clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// KeepAlive must outlive the request context.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()
	return nil
}

func (r *EtcdRegistry) Withdraw(ctx context.Context, key string) error {
	_, err := r.client.Delete(ctx, Prefix+key)
	return err
}

func (r *EtcdRegistry) Fetch(ctx context.Context, key string) (string, bool, error) {
	resp, err := r.client.Get(ctx, Prefix+key)
	if err != nil {
		return "", false, err
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// Watch uses etcd's server-push watch; each put or delete of the key becomes a Change.
func (r *EtcdRegistry) Watch(ctx context.Context, key string) <-chan Change {
	ch := make(chan Change, 1)
	go func() {
		defer close(ch)
		for resp := range r.client.Watch(ctx, Prefix+key) {
			if err := resp.Err(); err != nil {
				r.logger.Warn("watch failed", zap.String("key", key), zap.Error(err))
				continue
			}
			for _, ev := range resp.Events {
				change := Change{Key: key}
				switch ev.Type {
				case clientv3.EventTypePut:
					change.Value = string(ev.Kv.Value)
				case clientv3.EventTypeDelete:
					change.Deleted = true
				}
				select {
				case ch <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
