package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects the documents applied by Follow.
type recorder struct {
	mu     sync.Mutex
	values []string
}

func (r *recorder) apply(value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, value)
}

func (r *recorder) last() (string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.values) == 0 {
		return "", 0
	}
	return r.values[len(r.values)-1], len(r.values)
}

func TestMemoryPublishFetchWithdraw(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	_, ok, err := reg.Fetch(ctx, "acl/default")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, reg.Publish(ctx, "acl/default", `{"player":[".*"]}`, 0))
	value, ok, err := reg.Fetch(ctx, "acl/default")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"player":[".*"]}`, value)

	require.NoError(t, reg.Withdraw(ctx, "acl/default"))
	_, ok, _ = reg.Fetch(ctx, "acl/default")
	assert.False(t, ok)
}

func TestMemoryWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewMemoryRegistry()
	changes := reg.Watch(ctx, "acl/default")

	require.NoError(t, reg.Publish(ctx, "acl/other", "x", 0))
	require.NoError(t, reg.Publish(ctx, "acl/default", "v1", 0))
	require.NoError(t, reg.Withdraw(ctx, "acl/default"))

	assert.Equal(t, Change{Key: "acl/default", Value: "v1"}, <-changes)
	assert.Equal(t, Change{Key: "acl/default", Deleted: true}, <-changes)

	cancel()
	for range changes {
	}
}

func TestMemoryWatchKeepsLatest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := NewMemoryRegistry()
	changes := reg.Watch(ctx, "k")

	for i := 0; i < 100; i++ {
		require.NoError(t, reg.Publish(ctx, "k", "v"+string(rune('a'+i%26)), 0))
	}
	require.NoError(t, reg.Publish(ctx, "k", "final", 0))

	var last Change
	for len(changes) > 0 {
		last = <-changes
	}
	assert.Equal(t, "final", last.Value)
}

func TestFollow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewMemoryRegistry()
	require.NoError(t, reg.Publish(ctx, "acl/default", "v1", 0))

	rec := &recorder{}
	done := make(chan error, 1)
	go func() { done <- Follow(ctx, reg, "acl/default", rec.apply) }()

	require.Eventually(t, func() bool { v, _ := rec.last(); return v == "v1" }, time.Second, 5*time.Millisecond)

	require.NoError(t, reg.Publish(ctx, "acl/default", "v2", 0))
	require.Eventually(t, func() bool { v, _ := rec.last(); return v == "v2" }, time.Second, 5*time.Millisecond)

	require.NoError(t, reg.Withdraw(ctx, "acl/default"))
	require.Eventually(t, func() bool { v, n := rec.last(); return v == "" && n >= 3 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestFollowMissingDocumentAppliesEmpty(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	done := make(chan error, 1)
	go func() { done <- Follow(ctx, NewMemoryRegistry(), "acl/none", rec.apply) }()

	require.Eventually(t, func() bool { _, n := rec.last(); return n == 1 }, time.Second, 5*time.Millisecond)
	v, _ := rec.last()
	assert.Equal(t, "", v)

	cancel()
	<-done
}
