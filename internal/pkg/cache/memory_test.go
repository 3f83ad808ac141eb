package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_SetGet(t *testing.T) {
	c := NewMemoryCache("payment")
	ctx := context.Background()

	key := c.GenerateKey("refund", "abc")
	assert.Equal(t, "payment:refund:abc", key)

	val, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, val)

	require.NoError(t, c.Set(ctx, key, []byte(`{"ok":true}`), time.Hour))
	val, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, val)

	require.NoError(t, c.Delete(ctx, key))
	val, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, val)
}

func TestMemoryCache_SetNX(t *testing.T) {
	c := NewMemoryCache("order")
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "k", "first", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "k", "second", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	val, _ := c.Get(ctx, "k")
	assert.Equal(t, "first", val)
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache("order").(*memoryCache)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Second))
	now = now.Add(2 * time.Second)

	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, val)

	ok, err := c.SetNX(ctx, "k", "again", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}
