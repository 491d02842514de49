package cache

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "test", slog.Default()), mr
}

func TestCacheRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, c.Set(ctx, "k1", payload{Name: "flour", Count: 3}, time.Minute))

	var got payload
	hit, err := c.Get(ctx, "k1", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, payload{Name: "flour", Count: 3}, got)
}

func TestCacheMiss(t *testing.T) {
	c, _ := newTestCache(t)

	var got map[string]any
	hit, err := c.Get(context.Background(), "absent", &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCacheTTLExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", "v", time.Second))
	mr.FastForward(2 * time.Second)

	var got string
	hit, err := c.Get(ctx, "short", &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestIsReady(t *testing.T) {
	c, mr := newTestCache(t)
	assert.True(t, c.IsReady(context.Background()))

	mr.Close()
	assert.False(t, c.IsReady(context.Background()))

	var nilCache *Cache
	assert.False(t, nilCache.IsReady(context.Background()))
}

func TestNilCacheIsInert(t *testing.T) {
	var c *Cache
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	var got string
	hit, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestFileProcessingKeyIsDeterministic(t *testing.T) {
	var gen KeyGenerator
	mod := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	k1 := gen.FileProcessing("/imports/a.html", 120, mod, []byte("<html/>"))
	k2 := gen.FileProcessing("/imports/a.html", 120, mod, []byte("<html/>"))
	assert.Equal(t, k1, k2)

	assert.NotEqual(t, k1, gen.FileProcessing("/imports/b.html", 120, mod, []byte("<html/>")))
	assert.NotEqual(t, k1, gen.FileProcessing("/imports/a.html", 121, mod, []byte("<html/>")))
	assert.NotEqual(t, k1, gen.FileProcessing("/imports/a.html", 120, mod, []byte("<html>x</html>")))
}

func TestActionResultKey(t *testing.T) {
	var gen KeyGenerator
	k1 := gen.ActionResult("parse_html", []byte(`{"noteId":"n1"}`))
	k2 := gen.ActionResult("parse_html", []byte(`{"noteId":"n1"}`))
	k3 := gen.ActionResult("clean_html", []byte(`{"noteId":"n1"}`))
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}
