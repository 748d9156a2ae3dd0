package blobstore_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rekkord/blobcodec"
	"rekkord/blobstore"
	"rekkord/keyring"
	"rekkord/objectstore"
	"rekkord/oid"
	"rekkord/rekkorderr"
)

type countingCache struct {
	mu       sync.Mutex
	known    map[oid.OID]bool
	markHits int32
}

func newCountingCache() *countingCache {
	return &countingCache{known: make(map[oid.OID]bool)}
}

func (c *countingCache) Contains(ctx context.Context, id oid.OID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.known[id]
}

func (c *countingCache) Mark(ctx context.Context, id oid.OID, size int64) error {
	atomic.AddInt32(&c.markHits, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known[id] = true
	return nil
}

func fullKeySet(t *testing.T) *keyring.KeySet {
	t.Helper()
	m, err := keyring.InitMaster()
	require.NoError(t, err)
	ks, err := keyring.Derive(m, keyring.RoleFull)
	require.NoError(t, err)
	return ks
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	ks := fullKeySet(t)
	backend := objectstore.NewMemory()
	cache := newCountingCache()
	store := blobstore.New(backend, ks, cache, 4)

	res, err := store.PutBlob(ctx, blobcodec.TypeChunk, []byte("hello world"))
	require.NoError(t, err)
	assert.True(t, res.Added)
	assert.Greater(t, res.StoredSize, int64(0))

	blobType, plain, err := store.GetBlob(ctx, res.OID)
	require.NoError(t, err)
	assert.Equal(t, blobcodec.TypeChunk, blobType)
	assert.Equal(t, []byte("hello world"), plain)

	has, err := store.HasBlob(ctx, res.OID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestPutBlobSkipsWhenCached(t *testing.T) {
	ctx := context.Background()
	ks := fullKeySet(t)
	backend := objectstore.NewMemory()
	cache := newCountingCache()
	store := blobstore.New(backend, ks, cache, 4)

	res1, err := store.PutBlob(ctx, blobcodec.TypeChunk, []byte("payload"))
	require.NoError(t, err)
	assert.True(t, res1.Added)
	assert.Equal(t, int32(1), atomic.LoadInt32(&cache.markHits))

	res2, err := store.PutBlob(ctx, blobcodec.TypeChunk, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, res1.OID, res2.OID)
	assert.False(t, res2.Added)
	// second call hit the cache skip path, no additional mark.
	assert.Equal(t, int32(1), atomic.LoadInt32(&cache.markHits))
}

func TestPutBlobCoalescesConcurrentCallsForSameOID(t *testing.T) {
	ctx := context.Background()
	ks := fullKeySet(t)
	backend := objectstore.NewMemory()
	cache := newCountingCache()
	store := blobstore.New(backend, ks, cache, 8)

	const n = 50
	ids := make([]oid.OID, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			res, err := store.PutBlob(ctx, blobcodec.TypeChunk, []byte("concurrent payload"))
			require.NoError(t, err)
			ids[i] = res.OID
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, ids[0], ids[i])
	}
	// exactly one upload happened regardless of concurrent callers.
	assert.Equal(t, int32(1), atomic.LoadInt32(&cache.markHits))
}

func TestGetBlobMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	ks := fullKeySet(t)
	backend := objectstore.NewMemory()
	store := blobstore.New(backend, ks, nil, 2)

	_, _, err := store.GetBlob(ctx, oid.MustParse("00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"))
	assert.Error(t, err)
	assert.True(t, rekkorderr.Is(err, rekkorderr.NotFound))
}

// flakyStore fails the first N puts with a transient error, then behaves
// like the wrapped store.
type flakyStore struct {
	objectstore.Store
	mu        sync.Mutex
	failsLeft int
}

func (f *flakyStore) Put(ctx context.Context, path string, data []byte) error {
	f.mu.Lock()
	fail := f.failsLeft > 0
	if fail {
		f.failsLeft--
	}
	f.mu.Unlock()
	if fail {
		return rekkorderr.New(rekkorderr.Io, "put", errTransient{})
	}
	return f.Store.Put(ctx, path, data)
}

type errTransient struct{}

func (errTransient) Error() string { return "transient failure" }

func TestPutBlobRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	ks := fullKeySet(t)
	backend := &flakyStore{Store: objectstore.NewMemory(), failsLeft: 2}
	store := blobstore.New(backend, ks, nil, 2)

	res, err := store.PutBlob(ctx, blobcodec.TypeChunk, []byte("eventually stored"))
	require.NoError(t, err)
	assert.True(t, res.Added)

	_, plain, err := store.GetBlob(ctx, res.OID)
	require.NoError(t, err)
	assert.Equal(t, []byte("eventually stored"), plain)
}
