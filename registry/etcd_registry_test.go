package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newEtcd connects to a local etcd, skipping the test when none is running.
func newEtcd(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{"localhost:2379"}, time.Second, nil)
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, err := reg.Fetch(ctx, "ping"); err != nil {
		reg.Close()
		t.Skipf("etcd not available: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestEtcdPublishAndFollow(t *testing.T) {
	reg := newEtcd(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := "test/acl-" + time.Now().Format("150405.000000")

	require.NoError(t, reg.Publish(ctx, key, `{"player":[".*"]}`, 0))
	value, ok, err := reg.Fetch(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"player":[".*"]}`, value)

	rec := &recorder{}
	followCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- Follow(followCtx, reg, key, rec.apply) }()
	require.Eventually(t, func() bool { v, _ := rec.last(); return v == `{"player":[".*"]}` }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, reg.Withdraw(ctx, key))
	require.Eventually(t, func() bool { v, n := rec.last(); return v == "" && n >= 2 }, 2*time.Second, 10*time.Millisecond)

	stop()
	<-done
}

func TestEtcdLeasedDocument(t *testing.T) {
	reg := newEtcd(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := "test/leased-" + time.Now().Format("150405.000000")

	require.NoError(t, reg.Publish(ctx, key, "[]", 10))
	_, ok, err := reg.Fetch(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, reg.Withdraw(ctx, key))
}
