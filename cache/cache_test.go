package cache_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rekkord/cache"
	"rekkord/oid"
)

func TestMarkAndContains(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c, err := cache.Open(ctx, filepath.Join(dir, "cache.db"), "cid-1")
	require.NoError(t, err)
	defer c.Close()

	id := oid.MustParse("aa112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	assert.False(t, c.Contains(ctx, id))

	require.NoError(t, c.Mark(ctx, id, 1024))
	assert.True(t, c.Contains(ctx, id))

	require.NoError(t, c.Forget(ctx, id))
	assert.False(t, c.Contains(ctx, id))
}

func TestCacheIDChangeInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.db")

	c, err := cache.Open(ctx, path, "cid-1")
	require.NoError(t, err)
	id := oid.MustParse("bb112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	require.NoError(t, c.Mark(ctx, id, 1))
	assert.True(t, c.Contains(ctx, id))
	require.NoError(t, c.Close())

	// Reopening with a different Cache-ID must invalidate prior entries.
	c2, err := cache.Open(ctx, path, "cid-2")
	require.NoError(t, err)
	defer c2.Close()
	assert.False(t, c2.Contains(ctx, id))
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c, err := cache.Open(ctx, filepath.Join(dir, "cache.db"), "cid-1")
	require.NoError(t, err)
	defer c.Close()

	id1 := oid.MustParse("cc112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	require.NoError(t, c.Mark(ctx, id1, 1))

	require.NoError(t, c.Reset(ctx, nil))
	assert.False(t, c.Contains(ctx, id1))

	id2 := oid.MustParse("dd112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	rebuild := func(ctx context.Context) ([]oid.OID, error) {
		return []oid.OID{id2}, nil
	}
	require.NoError(t, c.Reset(ctx, rebuild))
	assert.True(t, c.Contains(ctx, id2))
}

func TestPathForIsStable(t *testing.T) {
	p1, err := cache.PathFor("file:///tmp/repo")
	require.NoError(t, err)
	p2, err := cache.PathFor("file:///tmp/repo")
	require.NoError(t, err)
	assert.Equal(t, p1, p2)

	p3, err := cache.PathFor("file:///tmp/other")
	require.NoError(t, err)
	assert.NotEqual(t, p1, p3)
}
