package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLookup(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(0)

	_, ok, err := Lookup(ctx, c, "task-1", "1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "task-1", Entry{Value: []byte("snapshot"), Token: "1"}))
	value, ok, err := Lookup(ctx, c, "task-1", "1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("snapshot"), value)

	_, ok, err = Lookup(ctx, c, "task-1", "2")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, _ = c.Get(ctx, "task-1")
	assert.False(t, ok, "stale entry is invalidated")
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "k", Entry{Value: []byte("v"), Token: "t"}))
	_, ok, _ := c.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestNoop(t *testing.T) {
	ctx := context.Background()
	var c Cache = Noop{}
	require.NoError(t, c.Set(ctx, "k", Entry{Value: []byte("v")}))
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisKeyHasSingleSeparator(t *testing.T) {
	for _, prefix := range []string{"kiln:task", "kiln:task:"} {
		r := NewRedis(nil, prefix, time.Minute)
		assert.Equal(t, "kiln:task:abc", r.key("abc"), prefix)
	}
}
