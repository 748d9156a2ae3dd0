// Package blobstore is the deduplicated blob read/write layer: it sits on
// top of an objectstore.Store and a keyring.KeySet (through blobcodec),
// enforces at-most-once upload per OID within one process, consults an
// optional local cache to skip blobs already known present, and bounds
// the number of concurrent uploads/downloads.
package blobstore

import (
	"context"
	"runtime"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"rekkord/blobcodec"
	"rekkord/keyring"
	"rekkord/objectstore"
	"rekkord/oid"
	"rekkord/rekkorderr"
)

// Cache is the subset of the local known-OID cache BlobStore consults to
// skip uploads. The concrete cache package satisfies this.
type Cache interface {
	Contains(ctx context.Context, id oid.OID) bool
	Mark(ctx context.Context, id oid.OID, size int64) error
}

// Store implements put_blob/get_blob/has_blob over an ObjectStore.
type Store struct {
	backend objectstore.Store
	keys    *keyring.KeySet
	cache   Cache // may be nil: no skip policy, no marking

	sem      chan struct{}      // bounded concurrency, backpressure
	inFlight singleflight.Group // at-most-once upload per OID

	hot *lru.Cache[oid.OID, hotEntry] // recently decoded plaintexts
}

type hotEntry struct {
	blobType blobcodec.BlobType
	plain    []byte
}

const defaultHotCacheSize = 256

// New builds a Store. workers bounds concurrent encode+upload/download
// operations; zero selects runtime.NumCPU().
func New(backend objectstore.Store, keys *keyring.KeySet, cache Cache, workers int) *Store {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	hot, _ := lru.New[oid.OID, hotEntry](defaultHotCacheSize)
	return &Store{
		backend: backend,
		keys:    keys,
		cache:   cache,
		sem:     make(chan struct{}, workers),
		hot:     hot,
	}
}

// Backend exposes the underlying ObjectStore for callers that need to
// perform operations BlobStore doesn't wrap directly, such as channel
// appends or config reads/writes.
func (s *Store) Backend() objectstore.Store { return s.backend }

// Keys exposes the KeySet this store seals and opens blobs with, so
// callers can check role capabilities up front instead of failing on the
// first blob operation.
func (s *Store) Keys() *keyring.KeySet { return s.keys }

func (s *Store) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return rekkorderr.New(rekkorderr.Cancelled, "acquire worker slot", ctx.Err())
	}
}

func (s *Store) release() { <-s.sem }

// PutResult reports the outcome of PutBlob: the blob's OID, its encoded
// (on-store) size, and whether this call actually wrote it, as opposed to
// finding it already present via the cache or the backend. Callers that
// account bytes added can tell genuine uploads from dedup hits.
type PutResult struct {
	OID        oid.OID
	StoredSize int64
	Added      bool
}

// PutBlob uploads plaintext as a blob of the given type, returning its OID.
// It is safe to call concurrently for the same or different plaintexts:
// concurrent calls for the same content coalesce onto a single upload,
// and a present-in-cache OID never touches the object store.
func (s *Store) PutBlob(ctx context.Context, blobType blobcodec.BlobType, plaintext []byte) (PutResult, error) {
	hash, err := s.keys.KeyedHash(plaintext)
	if err != nil {
		return PutResult{}, err
	}
	id, err := oid.FromBytes(hash[:])
	if err != nil {
		return PutResult{}, rekkorderr.New(rekkorderr.Io, "put blob", err)
	}

	if s.cache != nil && s.cache.Contains(ctx, id) {
		return PutResult{OID: id}, nil
	}

	key := id.String()
	result, err, _ := s.inFlight.Do(key, func() (any, error) {
		return s.uploadOnce(ctx, blobType, plaintext, id)
	})
	if err != nil {
		return PutResult{}, err
	}
	return result.(PutResult), nil
}

func (s *Store) uploadOnce(ctx context.Context, blobType blobcodec.BlobType, plaintext []byte, id oid.OID) (PutResult, error) {
	if err := ctx.Err(); err != nil {
		return PutResult{}, rekkorderr.New(rekkorderr.Cancelled, "put blob", err)
	}

	// Re-check the store directly (not just the cache) in case another
	// process already wrote this OID.
	exists, err := s.backend.Exists(ctx, id.BlobPath())
	if err != nil {
		return PutResult{}, rekkorderr.New(rekkorderr.Io, "put blob", err)
	}
	if exists {
		if s.cache != nil {
			s.cache.Mark(ctx, id, int64(len(plaintext)))
		}
		return PutResult{OID: id}, nil
	}

	if err := s.acquire(ctx); err != nil {
		return PutResult{}, err
	}
	defer s.release()

	if err := ctx.Err(); err != nil {
		return PutResult{}, rekkorderr.New(rekkorderr.Cancelled, "put blob", err)
	}

	_, envelope, err := blobcodec.Encode(s.keys, blobType, plaintext)
	if err != nil {
		return PutResult{}, err
	}

	err = withRetry(ctx, func() error {
		return s.backend.Put(ctx, id.BlobPath(), envelope)
	})
	if err != nil {
		// Partial uploads must never be recorded in Cache; since we
		// haven't marked the cache yet, there's nothing to unwind.
		return PutResult{}, rekkorderr.New(rekkorderr.Io, "put blob", err)
	}

	if s.cache != nil {
		if err := s.cache.Mark(ctx, id, int64(len(plaintext))); err != nil {
			return PutResult{}, err
		}
	}
	s.hot.Add(id, hotEntry{blobType: blobType, plain: plaintext})

	return PutResult{OID: id, StoredSize: int64(len(envelope)), Added: true}, nil
}

// GetBlob downloads and decodes one blob, returning its type and plaintext.
func (s *Store) GetBlob(ctx context.Context, id oid.OID) (blobcodec.BlobType, []byte, error) {
	if entry, ok := s.hot.Get(id); ok {
		return entry.blobType, entry.plain, nil
	}
	if err := s.acquire(ctx); err != nil {
		return 0, nil, err
	}
	defer s.release()

	var envelope []byte
	err := withRetry(ctx, func() error {
		var getErr error
		envelope, getErr = s.backend.Get(ctx, id.BlobPath())
		return getErr
	})
	if err != nil {
		if rekkorderr.Is(err, rekkorderr.NotFound) {
			return 0, nil, rekkorderr.New(rekkorderr.NotFound, "get blob", err)
		}
		return 0, nil, rekkorderr.New(rekkorderr.Io, "get blob", err)
	}

	blobType, gotID, plaintext, err := blobcodec.Decode(s.keys, envelope)
	if err != nil {
		return 0, nil, err
	}
	if gotID != id {
		return 0, nil, rekkorderr.New(rekkorderr.CorruptBlob, "get blob", errOIDMismatch{want: id, got: gotID})
	}
	s.hot.Add(id, hotEntry{blobType: blobType, plain: plaintext})
	return blobType, plaintext, nil
}

type errOIDMismatch struct{ want, got oid.OID }

func (e errOIDMismatch) Error() string {
	return "requested " + e.want.String() + " but envelope is for " + e.got.String()
}

// HasBlob reports whether id is present, consulting the cache first and
// falling back to an ObjectStore existence check.
func (s *Store) HasBlob(ctx context.Context, id oid.OID) (bool, error) {
	if s.cache != nil && s.cache.Contains(ctx, id) {
		return true, nil
	}
	exists, err := s.backend.Exists(ctx, id.BlobPath())
	if err != nil {
		return false, rekkorderr.New(rekkorderr.Io, "has blob", err)
	}
	return exists, nil
}
