// Package objectstore implements the repository-wide object store: a
// flat, path-addressed byte store that the rest of rekkord treats as the
// single source of truth for blobs, channel entries, and the small set of
// fixed-name metadata objects (config, cid, keys/*).
//
// Store is intentionally narrow (put/get/exists/list/delete) so that
// wildly different transports, from a local directory to an embedded KV
// engine to S3 or SFTP, can all satisfy it without leaking their own
// semantics into the core engines.
package objectstore

import (
	"context"
	"io"
)

// Store is the repository's object store contract. Every method takes a
// context so implementations backed by a network transport can honor
// per-call timeouts and cancellation.
type Store interface {
	// Put writes data at path, replacing any existing object there.
	Put(ctx context.Context, path string, data []byte) error

	// Get reads the full contents of path. Implementations return
	// rekkorderr.NotFound when path does not exist.
	Get(ctx context.Context, path string) ([]byte, error)

	// Exists reports whether path is present, without transferring its
	// contents.
	Exists(ctx context.Context, path string) (bool, error)

	// List returns every path beginning with prefix, in no particular
	// order; callers that need ordering (e.g. channel replay) sort the
	// result themselves.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes path. Deleting a path that does not exist is not an
	// error; the engines never garbage-collect, but callers may still
	// need to retract a partially-written object after a failed save.
	Delete(ctx context.Context, path string) error

	// URL reports the canonical address of path in the store's own
	// addressing scheme, for diagnostics.
	URL(path string) string

	io.Closer
}
