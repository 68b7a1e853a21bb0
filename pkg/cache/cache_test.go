package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

// A nil Cache must be a safe no-op so callers can run without Redis.
func TestNilCacheIsSafe(t *testing.T) {
	var c *Cache
	ctx := context.Background()

	var out map[string]any
	assert.ErrorIs(t, c.Get(ctx, "key", &out), ErrMiss)
	assert.NoError(t, c.Set(ctx, "key", map[string]any{"a": 1}))
	assert.NoError(t, c.Delete(ctx, "key"))
	assert.NoError(t, c.Close())
}

func TestNewFailsWhenUnreachable(t *testing.T) {
	_, err := New(context.Background(), "127.0.0.1:1", "", 0, 0)
	assert.Error(t, err)
}
