// Package restoreengine is the reverse of saveengine: given a resolved
// tree OID, it recursively materializes dirs, files and links under a
// destination directory, then applies metadata bottom-up in a second pass
// so that a directory's own mtime isn't disturbed by writes to its
// children.
package restoreengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"rekkord/blobcodec"
	"rekkord/blobstore"
	"rekkord/oid"
	"rekkord/rekkorderr"
	"rekkord/rlog"
	"rekkord/treecodec"
)

// Settings controls how a restore writes to disk.
type Settings struct {
	Force        bool // overwrite existing destination entries
	UnlinkExtras bool // remove destination entries absent from the source tree
	Chown        bool // apply uid/gid (needs privilege)
	XAttrs       bool // apply extended attributes
	Verbose      bool
	DryRun       bool // perform all reads, simulate all writes
}

// EntryError records one non-fatal failure restoring a single tree entry;
// the restore keeps going on siblings.
type EntryError struct {
	Path string
	Err  error
}

func (e EntryError) Error() string { return e.Path + ": " + e.Err.Error() }

// Result summarizes one restore.
type Result struct {
	FilesWritten int
	DirsWritten  int
	LinksWritten int
	Errors       []EntryError
}

// Failed reports whether the restore should be treated as an overall
// failure. Per-entry errors don't abort the walk but they do fail the
// operation as a whole.
func (r Result) Failed() bool { return len(r.Errors) > 0 }

// chunkFanout bounds concurrent chunk fetches per file; transfer
// concurrency overall is bounded by the blob store's worker semaphore.
const chunkFanout = 8

type deferredMeta struct {
	path   string
	meta   treecodec.Metadata
	isLink bool
}

type restorer struct {
	ctx      context.Context
	bs       *blobstore.Store
	settings Settings

	result   Result
	deferred []deferredMeta
}

// Restore materializes the tree rooted at id under dest. The root blob
// may be a dir, file-index, link or snapshot; a snapshot is restored as
// its root dir. The KeySet behind bs must carry DecryptBlob — a
// write-only key is rejected before anything is fetched.
func Restore(ctx context.Context, bs *blobstore.Store, id oid.OID, dest string, settings Settings) (Result, error) {
	if !bs.Keys().Caps.DecryptBlob {
		return Result{}, rekkorderr.New(rekkorderr.Auth, "restore", fmt.Errorf("role %s cannot decrypt blobs", bs.Keys().Role))
	}

	r := &restorer{ctx: ctx, bs: bs, settings: settings}

	blobType, plain, err := bs.GetBlob(ctx, id)
	if err != nil {
		return Result{}, err
	}

	if blobType == blobcodec.TypeSnapshot {
		snap, err := treecodec.DecodeSnapshot(plain)
		if err != nil {
			return Result{}, err
		}
		blobType, plain, err = bs.GetBlob(ctx, snap.Root)
		if err != nil {
			return Result{}, err
		}
	}

	switch blobType {
	case blobcodec.TypeDir:
		d, err := treecodec.DecodeDir(plain)
		if err != nil {
			return Result{}, err
		}
		if err := r.restoreDir(dest, d, treecodec.Metadata{}, false); err != nil {
			return r.result, err
		}
	case blobcodec.TypeFileIndex:
		fi, err := treecodec.DecodeFileIndex(plain)
		if err != nil {
			return Result{}, err
		}
		if err := r.restoreFile(dest, fi); err != nil {
			r.record(dest, err)
		}
	case blobcodec.TypeLink:
		l, err := treecodec.DecodeLink(plain)
		if err != nil {
			return Result{}, err
		}
		if err := r.restoreLink(dest, l); err != nil {
			r.record(dest, err)
		}
	default:
		return Result{}, rekkorderr.New(rekkorderr.Config, "restore", fmt.Errorf("cannot restore a %s blob", blobType))
	}

	// Metadata pass runs bottom-up: deferred entries were appended as the
	// walk unwound, children before parents, so applying in order leaves
	// each directory's mtime untouched by later writes beneath it.
	r.applyDeferred()

	return r.result, nil
}

func (r *restorer) record(path string, err error) {
	r.result.Errors = append(r.result.Errors, EntryError{Path: path, Err: err})
	rlog.Printf("restore: %s: %v", path, err)
}

func (r *restorer) cancelled() error {
	if err := r.ctx.Err(); err != nil {
		return rekkorderr.New(rekkorderr.Cancelled, "restore", err)
	}
	return nil
}

func (r *restorer) restoreDir(dest string, d treecodec.Dir, meta treecodec.Metadata, haveMeta bool) error {
	if err := r.cancelled(); err != nil {
		return err
	}

	if !r.settings.DryRun {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			r.record(dest, err)
			return nil
		}
	}
	r.result.DirsWritten++
	if r.settings.Verbose {
		rlog.Printf("restore: dir %s", dest)
	}

	wanted := make(map[string]bool, len(d.Entries))

	for _, e := range d.Entries {
		if err := r.cancelled(); err != nil {
			return err
		}
		if e.Absent {
			continue
		}
		wanted[e.Name] = true
		target := filepath.Join(dest, e.Name)

		switch e.Kind {
		case treecodec.KindDir:
			blobType, plain, err := r.bs.GetBlob(r.ctx, e.Child)
			if err != nil || blobType != blobcodec.TypeDir {
				r.record(target, childError(blobType, blobcodec.TypeDir, err))
				continue
			}
			child, err := treecodec.DecodeDir(plain)
			if err != nil {
				r.record(target, err)
				continue
			}
			if err := r.restoreDir(target, child, e.Meta, true); err != nil {
				return err
			}
		case treecodec.KindFile:
			blobType, plain, err := r.bs.GetBlob(r.ctx, e.Child)
			if err != nil || blobType != blobcodec.TypeFileIndex {
				r.record(target, childError(blobType, blobcodec.TypeFileIndex, err))
				continue
			}
			fi, err := treecodec.DecodeFileIndex(plain)
			if err != nil {
				r.record(target, err)
				continue
			}
			if err := r.restoreFile(target, fi); err != nil {
				if rekkorderr.Is(err, rekkorderr.Cancelled) {
					return err
				}
				r.record(target, err)
			}
		case treecodec.KindLink:
			blobType, plain, err := r.bs.GetBlob(r.ctx, e.Child)
			if err != nil || blobType != blobcodec.TypeLink {
				r.record(target, childError(blobType, blobcodec.TypeLink, err))
				continue
			}
			l, err := treecodec.DecodeLink(plain)
			if err != nil {
				r.record(target, err)
				continue
			}
			if err := r.restoreLink(target, l); err != nil {
				r.record(target, err)
			}
		default:
			r.record(target, fmt.Errorf("unexpected entry kind %s", e.Kind))
		}
	}

	if r.settings.UnlinkExtras {
		r.unlinkExtras(dest, wanted)
	}

	if haveMeta {
		r.deferred = append(r.deferred, deferredMeta{path: dest, meta: meta})
	}
	return nil
}

func childError(got, want blobcodec.BlobType, err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("expected a %s blob, found %s", want, got)
}

// restoreFile materializes a file's chunks into a temp file in the
// destination directory, then renames it into place. GetBlob already
// recomputes the keyed hash of each decrypted chunk and compares it to the
// requested OID, so a chunk that arrives corrupted fails here rather than
// silently landing on disk.
func (r *restorer) restoreFile(dest string, fi treecodec.FileIndex) error {
	if !r.settings.Force && !r.settings.DryRun {
		if _, err := os.Lstat(dest); err == nil {
			return fmt.Errorf("already exists (use force to overwrite)")
		}
	}

	if r.settings.DryRun {
		// Still fetch and verify every chunk so a dry run reports the same
		// errors a real restore would.
		for _, c := range fi.Chunks {
			if err := r.cancelled(); err != nil {
				return err
			}
			if _, _, err := r.bs.GetBlob(r.ctx, c.OID); err != nil {
				return err
			}
		}
		r.result.FilesWritten++
		return nil
	}

	tmp := dest + ".rekkord-" + uuid.NewString()[:8]
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	// Chunks land at fixed offsets, so fetch and write them concurrently;
	// WriteAt is safe for parallel use on one descriptor and the blob
	// store bounds how many transfers run at once.
	g, gctx := errgroup.WithContext(r.ctx)
	g.SetLimit(chunkFanout)
	for _, c := range fi.Chunks {
		c := c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return rekkorderr.New(rekkorderr.Cancelled, "restore", err)
			}
			blobType, plain, err := r.bs.GetBlob(gctx, c.OID)
			if err != nil {
				return err
			}
			if blobType != blobcodec.TypeChunk {
				return fmt.Errorf("chunk %s has wrong blob type %s", c.OID.Short(), blobType)
			}
			if uint32(len(plain)) != c.Length {
				return rekkorderr.New(rekkorderr.CorruptBlob, "restore file", fmt.Errorf("chunk %s: length %d, index says %d", c.OID.Short(), len(plain), c.Length))
			}
			_, err = f.WriteAt(plain, int64(c.Offset))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		f.Close()
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		return err
	}

	r.result.FilesWritten++
	if r.settings.Verbose {
		rlog.Printf("restore: file %s (%d bytes)", dest, fi.TotalSize)
	}
	r.deferred = append(r.deferred, deferredMeta{path: dest, meta: fi.Meta})
	return nil
}

func (r *restorer) restoreLink(dest string, l treecodec.Link) error {
	if r.settings.DryRun {
		r.result.LinksWritten++
		return nil
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return err
	}
	// os.Symlink creates the link itself and never follows the target,
	// which may point anywhere or nowhere.
	if err := os.Symlink(l.Target, dest); err != nil {
		return err
	}
	r.result.LinksWritten++
	if r.settings.Verbose {
		rlog.Printf("restore: link %s -> %s", dest, l.Target)
	}
	r.deferred = append(r.deferred, deferredMeta{path: dest, meta: l.Meta, isLink: true})
	return nil
}

func (r *restorer) unlinkExtras(dest string, wanted map[string]bool) {
	if r.settings.DryRun {
		return
	}
	existing, err := os.ReadDir(dest)
	if err != nil {
		r.record(dest, err)
		return
	}
	for _, e := range existing {
		if wanted[e.Name()] {
			continue
		}
		p := filepath.Join(dest, e.Name())
		if err := os.RemoveAll(p); err != nil {
			r.record(p, err)
		} else if r.settings.Verbose {
			rlog.Printf("restore: unlink extra %s", p)
		}
	}
}

func (r *restorer) applyDeferred() {
	if r.settings.DryRun {
		return
	}
	for _, d := range r.deferred {
		if err := r.applyMeta(d); err != nil {
			r.record(d.path, err)
		}
	}
}

func (r *restorer) applyMeta(d deferredMeta) error {
	if !d.isLink {
		if err := os.Chmod(d.path, os.FileMode(d.meta.Mode).Perm()); err != nil {
			return err
		}
	}
	if r.settings.Chown {
		if err := os.Lchown(d.path, int(d.meta.UID), int(d.meta.GID)); err != nil {
			return err
		}
	}
	if r.settings.XAttrs {
		for k, v := range d.meta.Xattr {
			if err := unix.Lsetxattr(d.path, k, v, 0); err != nil && !errors.Is(err, unix.ENOTSUP) {
				return fmt.Errorf("xattr %s: %w", k, err)
			}
		}
	}
	if d.isLink {
		// Symlink timestamps aren't portably settable; skip them.
		return nil
	}
	mtime := time.UnixMilli(d.meta.Mtime)
	atime := mtime
	if d.meta.Atime != nil {
		atime = time.UnixMilli(*d.meta.Atime)
	}
	return os.Chtimes(d.path, atime, mtime)
}
