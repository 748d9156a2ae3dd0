// Package cache implements the local, per-repository known-OID cache: a
// small embedded SQLite database, scoped by the repository's Cache-ID,
// that lets BlobStore skip re-uploading blobs it already knows are
// present.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sys/unix"

	"rekkord/oid"
	"rekkord/rekkorderr"
)

const cacheIDKey = "cache_id"

// Cache is the local known-OID store for one repository, opened from a
// path under the per-user cache directory.
type Cache struct {
	db      *sql.DB
	lockFd  int
	hasLock bool
}

// Open opens (creating if necessary) the cache database at path and
// reconciles it against the repository's current Cache-ID: on mismatch,
// the known_oid table is cleared and the new Cache-ID recorded.
func Open(ctx context.Context, path string, repositoryCacheID string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, rekkorderr.New(rekkorderr.Io, "open cache", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL readers go through the same handle

	c := &Cache{db: db}

	lockFd, err := unix.Open(path+".lock", unix.O_CREAT|unix.O_RDWR, 0o644)
	if err == nil {
		if flockErr := unix.Flock(lockFd, unix.LOCK_EX|unix.LOCK_NB); flockErr != nil {
			unix.Close(lockFd)
			db.Close()
			return nil, rekkorderr.New(rekkorderr.Concurrent, "open cache", fmt.Errorf("cache is locked by another process: %w", flockErr))
		}
		c.lockFd = lockFd
		c.hasLock = true
	}

	if err := c.migrate(ctx); err != nil {
		c.Close()
		return nil, err
	}

	if err := c.reconcileCacheID(ctx, repositoryCacheID); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

func (c *Cache) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS known_oid (
		oid TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return rekkorderr.New(rekkorderr.Io, "migrate cache", err)
	}
	return nil
}

func (c *Cache) reconcileCacheID(ctx context.Context, repositoryCacheID string) error {
	var stored string
	row := c.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, cacheIDKey)
	err := row.Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return rekkorderr.New(rekkorderr.Io, "read cache id", err)
	}

	if err == sql.ErrNoRows || stored != repositoryCacheID {
		// Cache-ID mismatch (or first open) invalidates the cache.
		if _, err := c.db.ExecContext(ctx, `DELETE FROM known_oid`); err != nil {
			return rekkorderr.New(rekkorderr.Io, "reset cache", err)
		}
		if _, err := c.db.ExecContext(ctx,
			`INSERT INTO meta(key, value) VALUES(?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			cacheIDKey, repositoryCacheID); err != nil {
			return rekkorderr.New(rekkorderr.Io, "write cache id", err)
		}
	}
	return nil
}

// Contains reports whether id is recorded as known-present.
func (c *Cache) Contains(ctx context.Context, id oid.OID) bool {
	var n int
	row := c.db.QueryRowContext(ctx, `SELECT 1 FROM known_oid WHERE oid = ?`, id.String())
	if err := row.Scan(&n); err != nil {
		return false
	}
	return true
}

// Mark records id as known-present, sized size, updating last_seen if it
// was already known.
func (c *Cache) Mark(ctx context.Context, id oid.OID, size int64) error {
	now := time.Now().UnixMilli()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO known_oid(oid, size, first_seen, last_seen) VALUES(?, ?, ?, ?)
		 ON CONFLICT(oid) DO UPDATE SET last_seen = excluded.last_seen`,
		id.String(), size, now, now)
	if err != nil {
		return rekkorderr.New(rekkorderr.Io, "mark cache entry", err)
	}
	return nil
}

// Forget removes id from the cache, e.g. after a scan finds it corrupt.
func (c *Cache) Forget(ctx context.Context, id oid.OID) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM known_oid WHERE oid = ?`, id.String())
	if err != nil {
		return rekkorderr.New(rekkorderr.Io, "forget cache entry", err)
	}
	return nil
}

// Enumerator lists every OID currently present in the backing object
// store, used by Reset(rebuildFromStore=true).
type Enumerator func(ctx context.Context) ([]oid.OID, error)

// Reset wipes the known_oid table. If enumerate is non-nil, it repopulates
// the table from the object store's current contents.
func (c *Cache) Reset(ctx context.Context, enumerate Enumerator) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM known_oid`); err != nil {
		return rekkorderr.New(rekkorderr.Io, "reset cache", err)
	}
	if enumerate == nil {
		return nil
	}
	ids, err := enumerate(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return rekkorderr.New(rekkorderr.Io, "reset cache", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO known_oid(oid, size, first_seen, last_seen) VALUES(?, 0, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return rekkorderr.New(rekkorderr.Io, "reset cache", err)
	}
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id.String(), now, now); err != nil {
			tx.Rollback()
			return rekkorderr.New(rekkorderr.Io, "reset cache", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return rekkorderr.New(rekkorderr.Io, "reset cache", err)
	}
	return nil
}

// Close releases the database handle and advisory lock.
func (c *Cache) Close() error {
	if c.hasLock {
		unix.Flock(c.lockFd, unix.LOCK_UN)
		unix.Close(c.lockFd)
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			return rekkorderr.New(rekkorderr.Io, "close cache", err)
		}
	}
	return nil
}
