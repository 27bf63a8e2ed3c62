package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"compass/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	c, err := New(context.Background(),
		config.RedisConfig{Addr: mr.Addr()},
		config.CacheConfig{Version: 1, DefaultTTLS: 300, SearchTTLS: 60})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestGetSetRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, found, err := c.Get(ctx, NamespaceTool, "weather")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, NamespaceTool, "weather", []byte(`{"id":1}`), 0))

	val, found, err := c.Get(ctx, NamespaceTool, "weather")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte(`{"id":1}`), val)
}

func TestNamespaceTTLs(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, NamespaceTool, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, NamespaceSearch, "q", []byte("2"), 0))

	assert.Equal(t, 300*time.Second, mr.TTL(c.key(NamespaceTool, "a")))
	assert.Equal(t, 60*time.Second, mr.TTL(c.key(NamespaceSearch, "q")))
}

func TestInvalidatePattern(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Set(ctx, NamespaceToolList, fmt.Sprintf("page-%d", i), []byte("x"), 0))
	}
	require.NoError(t, c.Set(ctx, NamespaceSkill, "calendar", []byte("y"), 0))

	removed, err := c.InvalidatePattern(ctx, NamespaceToolList, "*")
	require.NoError(t, err)
	assert.Equal(t, 10, removed)

	// Other namespaces are untouched.
	_, found, err := c.Get(ctx, NamespaceSkill, "calendar")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestBumpVersionInvalidatesEverything(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, NamespaceTool, "weather", []byte("1"), 0))
	require.Equal(t, int64(1), c.Version())

	v, err := c.BumpVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	// The old key is invisible under the new version.
	_, found, err := c.Get(ctx, NamespaceTool, "weather")
	require.NoError(t, err)
	assert.False(t, found)

	// New writes land under the new prefix and are readable.
	require.NoError(t, c.Set(ctx, NamespaceTool, "weather", []byte("2"), 0))
	val, found, err := c.Get(ctx, NamespaceTool, "weather")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("2"), val)
}

func TestRestartKeepsNewestVersion(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	c1, err := New(ctx, config.RedisConfig{Addr: mr.Addr()}, config.CacheConfig{Version: 1, DefaultTTLS: 300, SearchTTLS: 60})
	require.NoError(t, err)
	_, err = c1.BumpVersion(ctx)
	require.NoError(t, err)
	c1.Close()

	// A restart with the older configured version must not fall back to v1.
	c2, err := New(ctx, config.RedisConfig{Addr: mr.Addr()}, config.CacheConfig{Version: 1, DefaultTTLS: 300, SearchTTLS: 60})
	require.NoError(t, err)
	defer c2.Close()
	assert.Equal(t, int64(2), c2.Version())
}
