// Package repository ties the lower layers into one handle: it parses a
// repository URL into an object store, unseals a key set, verifies the
// config document, opens the local cache, and exposes the save, restore,
// browse and scan operations the CLI and the agent drive.
package repository

import (
	"context"
	"fmt"
	"os"
	"strings"

	"rekkord/blobcodec"
	"rekkord/blobstore"
	"rekkord/cache"
	"rekkord/channel"
	"rekkord/config"
	"rekkord/keyring"
	"rekkord/objectstore"
	"rekkord/oid"
	"rekkord/rekkorderr"
	"rekkord/repoview"
	"rekkord/restoreengine"
	"rekkord/rlog"
	"rekkord/saveengine"
	"rekkord/treecodec"
)

// storedRoles are the role copies kept inside the repository under
// keys/<role>. The master key itself is never stored; it exists only in
// the key file written at init.
var storedRoles = []keyring.Role{keyring.RoleFull, keyring.RoleWrite, keyring.RoleLog, keyring.RoleConfig}

func roleKeyPath(role keyring.Role) string { return "keys/" + role.String() }

// OpenStore resolves a repository URL to an object store. Supported forms:
// "file:///abs/path" or a bare filesystem path, and "badger:///abs/path"
// for the embedded-KV backend. S3 and SFTP URLs parse but are served by
// external transport drivers, not this package.
func OpenStore(rawURL string) (objectstore.Store, error) {
	switch {
	case strings.HasPrefix(rawURL, "file://"):
		return objectstore.NewLocal(strings.TrimPrefix(rawURL, "file://"))
	case strings.HasPrefix(rawURL, "badger://"):
		return objectstore.NewBadger(strings.TrimPrefix(rawURL, "badger://"))
	case strings.HasPrefix(rawURL, "s3:"), strings.HasPrefix(rawURL, "ssh://"):
		return nil, rekkorderr.New(rekkorderr.Config, "open store", fmt.Errorf("transport for %q is provided by an external driver", rawURL))
	case strings.Contains(rawURL, "://"):
		return nil, rekkorderr.New(rekkorderr.Config, "open store", fmt.Errorf("unknown repository URL scheme in %q", rawURL))
	default:
		return objectstore.NewLocal(rawURL)
	}
}

// Repository is an opened repository handle.
type Repository struct {
	URL    string
	Store  objectstore.Store
	Keys   *keyring.KeySet
	Config config.RepositoryConfig
	Cache  *cache.Cache
	Blobs  *blobstore.Store
}

// InitResult is what Init hands back: the opened repository (under the
// master key) plus the master key file bytes the operator must keep.
type InitResult struct {
	Repo          *Repository
	MasterKeyFile []byte
}

// Init creates a new repository at rawURL: generates a master key, stores
// sealed role copies under keys/<role>, and writes the signed config and
// the initial Cache-ID. passphrase seals both the stored role copies and
// the returned master key file; it may be empty.
func Init(ctx context.Context, rawURL string, passphrase string) (*InitResult, error) {
	store, err := OpenStore(rawURL)
	if err != nil {
		return nil, err
	}

	if existing, err := store.Exists(ctx, config.PathConfig); err != nil {
		store.Close()
		return nil, rekkorderr.New(rekkorderr.Io, "init repository", err)
	} else if existing {
		store.Close()
		return nil, rekkorderr.New(rekkorderr.Concurrent, "init repository", fmt.Errorf("%s already holds a repository", rawURL))
	}

	master, err := keyring.InitMaster()
	if err != nil {
		store.Close()
		return nil, err
	}
	defer master.Zero()

	for _, role := range storedRoles {
		sealed, err := keyring.SealForRole(master, role, passphrase)
		if err != nil {
			store.Close()
			return nil, err
		}
		if err := store.Put(ctx, roleKeyPath(role), sealed); err != nil {
			store.Close()
			return nil, rekkorderr.New(rekkorderr.Io, "init repository", err)
		}
	}

	ks, err := keyring.Derive(master, keyring.RoleMaster)
	if err != nil {
		store.Close()
		return nil, err
	}

	cfg, err := config.Init(ctx, store, ks, config.DefaultChunkerParams())
	if err != nil {
		store.Close()
		return nil, err
	}

	keyFile, err := keyring.Seal(ks, passphrase)
	if err != nil {
		store.Close()
		return nil, err
	}

	repo := &Repository{URL: rawURL, Store: store, Keys: ks, Config: cfg}
	if err := repo.openCache(ctx, cfg.CacheID); err != nil {
		rlog.Printf("repository: cache unavailable: %v", err)
	}
	repo.Blobs = blobstore.New(store, ks, repo.cacheOrNil(), 0)

	return &InitResult{Repo: repo, MasterKeyFile: keyFile}, nil
}

// Open opens the repository at rawURL with an already-unsealed key set
// (typically imported from a key file).
func Open(ctx context.Context, rawURL string, ks *keyring.KeySet) (*Repository, error) {
	store, err := OpenStore(rawURL)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(ctx, store, ks)
	if err != nil {
		store.Close()
		return nil, err
	}
	if cfg.Kid != ks.Kid.String() {
		store.Close()
		return nil, rekkorderr.New(rekkorderr.Auth, "open repository", fmt.Errorf("key %s does not belong to this repository", ks.Kid))
	}

	cacheID, err := config.LoadCacheID(ctx, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	repo := &Repository{URL: rawURL, Store: store, Keys: ks, Config: cfg}
	if ks.Caps.DeriveOID {
		// Only roles that compute OIDs benefit from the known-OID cache.
		if err := repo.openCache(ctx, cacheID); err != nil {
			rlog.Printf("repository: cache unavailable: %v", err)
		}
	}
	repo.Blobs = blobstore.New(store, ks, repo.cacheOrNil(), 0)

	return repo, nil
}

// OpenWithStoredRole opens the repository at rawURL by unsealing the
// keys/<role> copy stored inside it with passphrase.
func OpenWithStoredRole(ctx context.Context, rawURL string, role keyring.Role, passphrase string) (*Repository, error) {
	store, err := OpenStore(rawURL)
	if err != nil {
		return nil, err
	}
	sealed, err := store.Get(ctx, roleKeyPath(role))
	store.Close()
	if err != nil {
		if rekkorderr.Is(err, rekkorderr.NotFound) {
			return nil, rekkorderr.New(rekkorderr.Auth, "open repository", fmt.Errorf("no stored key for role %s", role))
		}
		return nil, rekkorderr.New(rekkorderr.Io, "open repository", err)
	}
	ks, err := keyring.UnsealForRole(sealed, passphrase)
	if err != nil {
		return nil, err
	}
	return Open(ctx, rawURL, ks)
}

// OpenWithKeyFile opens the repository at rawURL with the key file at
// keyPath.
func OpenWithKeyFile(ctx context.Context, rawURL, keyPath, passphrase string) (*Repository, error) {
	ks, err := keyring.ImportKeyFile(os.ReadFile, keyPath, passphrase)
	if err != nil {
		return nil, err
	}
	return Open(ctx, rawURL, ks)
}

func (r *Repository) openCache(ctx context.Context, cacheID string) error {
	path, err := cache.PathFor(r.URL)
	if err != nil {
		return err
	}
	c, err := cache.Open(ctx, path, cacheID)
	if err != nil {
		return err
	}
	r.Cache = c
	return nil
}

func (r *Repository) cacheOrNil() blobstore.Cache {
	if r.Cache == nil {
		return nil
	}
	return r.Cache
}

// Close releases the cache and the object store.
func (r *Repository) Close() error {
	if r.Cache != nil {
		r.Cache.Close()
	}
	err := r.Store.Close()
	r.Keys.Zero()
	return err
}

// Save runs the save pipeline for channelName over srcPaths. Unless
// settings.NoSnapshot is set, the previous snapshot of the channel (when
// one exists) feeds the skip-unchanged comparison.
func (r *Repository) Save(ctx context.Context, channelName string, srcPaths []string, settings saveengine.Settings) (saveengine.Result, error) {
	if !r.Keys.Caps.EncryptBlob {
		return saveengine.Result{}, rekkorderr.New(rekkorderr.Auth, "save", fmt.Errorf("role %s cannot write blobs", r.Keys.Role))
	}

	var prev *saveengine.Previous
	if settings.SkipUnchanged && r.Keys.Caps.DecryptBlob {
		if entry, err := channel.Current(ctx, r.Store, r.Keys, channelName); err == nil {
			if root, err := snapshotRoot(ctx, r.Blobs, entry.Snapshot); err == nil {
				prev = saveengine.NewPrevious(r.Blobs, root)
			}
		}
	}

	return saveengine.Save(ctx, r.Blobs, r.Keys, prev, channelName, srcPaths, settings)
}

func snapshotRoot(ctx context.Context, bs *blobstore.Store, snapOID oid.OID) (oid.OID, error) {
	blobType, plain, err := bs.GetBlob(ctx, snapOID)
	if err != nil {
		return oid.Zero, err
	}
	if blobType != blobcodec.TypeSnapshot {
		return oid.Zero, rekkorderr.New(rekkorderr.CorruptBlob, "read snapshot", fmt.Errorf("%s is a %s blob, not a snapshot", snapOID.Short(), blobType))
	}
	snap, err := treecodec.DecodeSnapshot(plain)
	if err != nil {
		return oid.Zero, err
	}
	return snap.Root, nil
}

// Restore materializes the tree named by identifier (an OID, a channel, or
// either with a :subpath suffix) under dest.
func (r *Repository) Restore(ctx context.Context, identifier, dest string, settings restoreengine.Settings) (restoreengine.Result, error) {
	if !r.Keys.Caps.DecryptBlob {
		return restoreengine.Result{}, rekkorderr.New(rekkorderr.Auth, "restore", fmt.Errorf("role %s cannot decrypt blobs", r.Keys.Role))
	}
	id, _, err := r.View().Locate(ctx, identifier)
	if err != nil {
		return restoreengine.Result{}, err
	}
	return restoreengine.Restore(ctx, r.Blobs, id, dest, settings)
}

// View returns the read-only exploration surface.
func (r *Repository) View() *repoview.View {
	return repoview.New(r.Blobs)
}

// ExportKey unseals the keys/<role> copy stored in the repository with
// storedPassphrase and writes it back out as a portable key file at path,
// sealed under filePassphrase. The master role has no stored copy and
// cannot be exported this way.
func (r *Repository) ExportKey(ctx context.Context, role keyring.Role, storedPassphrase, filePassphrase, path string) error {
	if role == keyring.RoleMaster {
		return rekkorderr.New(rekkorderr.Auth, "export key", fmt.Errorf("the master key exists only in the key file written at init"))
	}
	sealed, err := r.Store.Get(ctx, roleKeyPath(role))
	if err != nil {
		if rekkorderr.Is(err, rekkorderr.NotFound) {
			return rekkorderr.New(rekkorderr.Auth, "export key", fmt.Errorf("no stored key for role %s", role))
		}
		return rekkorderr.New(rekkorderr.Io, "export key", err)
	}
	ks, err := keyring.UnsealForRole(sealed, storedPassphrase)
	if err != nil {
		return err
	}
	defer ks.Zero()
	writeFile := func(p string, data []byte) error { return os.WriteFile(p, data, 0o600) }
	return keyring.ExportKeyFile(ks, filePassphrase, writeFile, path)
}

// RotateCacheID writes a fresh Cache-ID, invalidating every local cache
// the next time it opens. Requires AdminConfig.
func (r *Repository) RotateCacheID(ctx context.Context) (string, error) {
	return config.Rotate(ctx, r.Store, r.Keys)
}

// ResetCache wipes the local known-OID cache. When rebuild is set, the
// table is repopulated by enumerating the blobs currently in the store.
func (r *Repository) ResetCache(ctx context.Context, rebuild bool) error {
	if r.Cache == nil {
		return rekkorderr.New(rekkorderr.Config, "reset cache", fmt.Errorf("no local cache is open for this repository"))
	}
	var enumerate cache.Enumerator
	if rebuild {
		enumerate = func(ctx context.Context) ([]oid.OID, error) {
			paths, err := r.Store.List(ctx, "blobs/")
			if err != nil {
				return nil, rekkorderr.New(rekkorderr.Io, "enumerate blobs", err)
			}
			ids := make([]oid.OID, 0, len(paths))
			for _, p := range paths {
				idx := strings.LastIndexByte(p, '/')
				id, err := oid.Parse(p[idx+1:])
				if err != nil {
					continue
				}
				ids = append(ids, id)
			}
			return ids, nil
		}
	}
	return r.Cache.Reset(ctx, enumerate)
}
