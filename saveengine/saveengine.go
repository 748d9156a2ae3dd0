// Package saveengine walks a set of source paths depth-first, turns
// files into chunked file-index blobs, directories into dir blobs,
// symlinks into link blobs, and, unless settings.NoSnapshot is set,
// wraps the resulting root in a snapshot blob and appends it to the
// named channel.
//
// The directory walk itself is sequential (directory order matters for
// the skip-unchanged comparison against the previous snapshot), but a
// file's chunks are encoded and uploaded concurrently: each chunk is
// handed to an errgroup worker as the splitter produces it, with
// blobstore.Store bounding the number of in-flight transfers and
// coalescing duplicate uploads underneath.
package saveengine

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"rekkord/blobcodec"
	"rekkord/blobstore"
	"rekkord/channel"
	"rekkord/chunker"
	"rekkord/keyring"
	"rekkord/oid"
	"rekkord/rekkorderr"
	"rekkord/rlog"
	"rekkord/treecodec"
)

// Settings controls what a save records and what it may skip.
type Settings struct {
	SkipUnchanged  bool
	Rehash         bool
	FollowSymlinks bool
	Atime          bool
	XAttrs         bool
	NoSnapshot     bool
}

// FileError records a single non-fatal per-file failure encountered
// during a save. The file is recorded as absent in its parent dir and
// the overall save continues.
type FileError struct {
	Path string
	Err  error
}

func (e FileError) Error() string { return e.Path + ": " + e.Err.Error() }

// Result is what Save returns on success: the aggregate snapshot
// statistics plus the non-fatal error list.
type Result struct {
	RootOID    oid.OID
	Snapshot   oid.OID // zero when settings.NoSnapshot
	Timestamp  int64   // ms since Unix epoch, zero when settings.NoSnapshot
	SourceSize int64
	StoredSize int64
	AddedSize  int64
	FileErrors []FileError
}

// Previous resolves the directory tree of the prior snapshot of the
// target channel, so Save can skip unchanged files. A nil Previous (or a
// zero RootOID) means no prior snapshot: every file is re-chunked.
type Previous struct {
	bs      *blobstore.Store
	RootOID oid.OID

	cache map[oid.OID]treecodec.Dir
}

// NewPrevious builds a Previous view rooted at rootOID (typically the
// `Root` field of the channel's current snapshot blob).
func NewPrevious(bs *blobstore.Store, rootOID oid.OID) *Previous {
	return &Previous{bs: bs, RootOID: rootOID, cache: make(map[oid.OID]treecodec.Dir)}
}

func (p *Previous) dir(ctx context.Context, dirOID oid.OID) (treecodec.Dir, bool) {
	if p == nil || dirOID.IsZero() {
		return treecodec.Dir{}, false
	}
	if d, ok := p.cache[dirOID]; ok {
		return d, true
	}
	blobType, plain, err := p.bs.GetBlob(ctx, dirOID)
	if err != nil || blobType != blobcodec.TypeDir {
		return treecodec.Dir{}, false
	}
	d, err := treecodec.DecodeDir(plain)
	if err != nil {
		return treecodec.Dir{}, false
	}
	p.cache[dirOID] = d
	return d, true
}

func (p *Previous) child(ctx context.Context, parentDirOID oid.OID, name string) (treecodec.Entry, bool) {
	d, ok := p.dir(ctx, parentDirOID)
	if !ok {
		return treecodec.Entry{}, false
	}
	for _, e := range d.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return treecodec.Entry{}, false
}

// Save walks srcPaths and produces a snapshot (or a bare root OID when
// settings.NoSnapshot is set) under channelName. ks must carry EncryptBlob
// (to put blobs) and, unless NoSnapshot, WriteChannel (to append the
// channel entry).
func Save(ctx context.Context, bs *blobstore.Store, ks *keyring.KeySet, prev *Previous, channelName string, srcPaths []string, settings Settings) (Result, error) {
	w := &walker{ctx: ctx, bs: bs, prev: prev, settings: settings}

	entries := make([]treecodec.Entry, 0, len(srcPaths))
	var prevRootOID oid.OID
	if prev != nil {
		prevRootOID = prev.RootOID
	}

	for _, src := range srcPaths {
		name := filepath.Base(filepath.Clean(src))
		entry, err := w.buildEntry(src, name, prevRootOID)
		if err != nil {
			return Result{}, err
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	dirBytes, err := treecodec.EncodeDir(treecodec.Dir{Entries: entries})
	if err != nil {
		return Result{}, rekkorderr.New(rekkorderr.Config, "save", err)
	}
	put, err := bs.PutBlob(ctx, blobcodec.TypeDir, dirBytes)
	if err != nil {
		return Result{}, rekkorderr.New(rekkorderr.Io, "save", err)
	}
	w.accumulate(int64(len(dirBytes)), put)

	result := Result{
		RootOID:    put.OID,
		SourceSize: w.sourceSize,
		StoredSize: w.storedSize,
		AddedSize:  w.addedSize,
		FileErrors: w.fileErrors,
	}

	if settings.NoSnapshot {
		// A no-snapshot save is a fire-and-forget output, never recorded
		// in channel history.
		return result, nil
	}

	now := time.Now().UnixMilli()
	snap := treecodec.Snapshot{
		Channel:    channelName,
		Time:       now,
		Root:       put.OID,
		SourceSize: result.SourceSize,
		StoredSize: result.StoredSize,
		AddedSize:  result.AddedSize,
	}
	snapBytes := treecodec.EncodeSnapshot(snap)
	snapPut, err := bs.PutBlob(ctx, blobcodec.TypeSnapshot, snapBytes)
	if err != nil {
		return Result{}, rekkorderr.New(rekkorderr.Io, "save", err)
	}

	// The channel entry is written only after the snapshot blob (and,
	// transitively, everything it references) is durable.
	if err := channel.Append(ctx, bs.Backend(), ks, channelName, now, snapPut.OID); err != nil {
		return Result{}, err
	}

	result.Snapshot = snapPut.OID
	result.Timestamp = now
	return result, nil
}

// chunkFanout bounds how many chunk buffers one file holds in memory at
// once while uploads are in flight; transfer concurrency itself is bounded
// by the blob store's worker semaphore.
const chunkFanout = 8

// chunkSlot pins one file-index position so a chunk worker can fill in
// the OID without racing the splitter's append.
type chunkSlot struct {
	ref treecodec.ChunkRef
}

type walker struct {
	ctx      context.Context
	bs       *blobstore.Store
	prev     *Previous
	settings Settings

	mu         sync.Mutex // guards the counters below against chunk workers
	sourceSize int64
	storedSize int64
	addedSize  int64
	fileErrors []FileError
}

func (w *walker) accumulate(plainSize int64, put blobstore.PutResult) {
	w.mu.Lock()
	w.storedSize += plainSize
	if put.Added {
		w.addedSize += put.StoredSize
	}
	w.mu.Unlock()
}

// buildEntry stats path and dispatches to the file/dir/link builder. name
// is the entry's name within its parent; prevParentDirOID is the previous
// snapshot's corresponding parent directory OID (zero if unknown), used
// to resolve the matching previous child for skip_unchanged and recursion.
func (w *walker) buildEntry(path, name string, prevParentDirOID oid.OID) (treecodec.Entry, error) {
	if err := w.ctx.Err(); err != nil {
		return treecodec.Entry{}, rekkorderr.New(rekkorderr.Cancelled, "save", err)
	}

	info, err := os.Lstat(path)
	if err != nil {
		w.recordFileError(path, err)
		return treecodec.Entry{Name: name, Absent: true}, nil
	}

	var prevEntry treecodec.Entry
	var havePrev bool
	if w.prev != nil && !prevParentDirOID.IsZero() {
		prevEntry, havePrev = w.prev.child(w.ctx, prevParentDirOID, name)
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0 && !w.settings.FollowSymlinks:
		return w.buildLink(path, name, info)
	case info.IsDir():
		return w.buildDir(path, name, info, prevEntry, havePrev)
	default:
		return w.buildFile(path, name, info, prevEntry, havePrev)
	}
}

func (w *walker) recordFileError(path string, err error) {
	w.fileErrors = append(w.fileErrors, FileError{Path: path, Err: err})
	rlog.Printf("save: %s: %v", path, err)
}

func (w *walker) buildDir(path, name string, info os.FileInfo, prevEntry treecodec.Entry, havePrev bool) (treecodec.Entry, error) {
	descriptors, err := os.ReadDir(path)
	if err != nil {
		w.recordFileError(path, err)
		return treecodec.Entry{Name: name, Absent: true}, nil
	}

	names := make([]string, len(descriptors))
	for i, d := range descriptors {
		names[i] = d.Name()
	}
	sort.Strings(names) // stable order by name bytes keeps dir blobs deterministic

	var prevDirOID oid.OID
	if havePrev && prevEntry.Kind == treecodec.KindDir {
		prevDirOID = prevEntry.Child
	}

	entries := make([]treecodec.Entry, 0, len(names))
	for _, childName := range names {
		childEntry, err := w.buildEntry(filepath.Join(path, childName), childName, prevDirOID)
		if err != nil {
			return treecodec.Entry{}, err
		}
		entries = append(entries, childEntry)
	}

	dirBytes, err := treecodec.EncodeDir(treecodec.Dir{Entries: entries})
	if err != nil {
		return treecodec.Entry{}, rekkorderr.New(rekkorderr.Config, "save", err)
	}
	put, err := w.bs.PutBlob(w.ctx, blobcodec.TypeDir, dirBytes)
	if err != nil {
		return treecodec.Entry{}, rekkorderr.New(rekkorderr.Io, "save", err)
	}
	w.accumulate(int64(len(dirBytes)), put)

	return treecodec.Entry{
		Name:  name,
		Kind:  treecodec.KindDir,
		Child: put.OID,
		Meta:  w.metadataFor(path, info),
	}, nil
}

func (w *walker) buildLink(path, name string, info os.FileInfo) (treecodec.Entry, error) {
	target, err := os.Readlink(path)
	if err != nil {
		w.recordFileError(path, err)
		return treecodec.Entry{Name: name, Absent: true}, nil
	}
	link := treecodec.Link{Target: target, Meta: w.metadataFor(path, info)}
	linkBytes := treecodec.EncodeLink(link)
	put, err := w.bs.PutBlob(w.ctx, blobcodec.TypeLink, linkBytes)
	if err != nil {
		return treecodec.Entry{}, rekkorderr.New(rekkorderr.Io, "save", err)
	}
	w.accumulate(int64(len(linkBytes)), put)

	return treecodec.Entry{Name: name, Kind: treecodec.KindLink, Child: put.OID, Meta: link.Meta}, nil
}

func (w *walker) buildFile(path, name string, info os.FileInfo, prevEntry treecodec.Entry, havePrev bool) (treecodec.Entry, error) {
	w.sourceSize += info.Size()

	if w.settings.SkipUnchanged && !w.settings.Rehash && havePrev && prevEntry.Kind == treecodec.KindFile && !prevEntry.Absent {
		if prevEntry.Size == uint64(info.Size()) && prevEntry.Meta.Mtime == info.ModTime().UnixMilli() {
			// Reuse the previous file-index OID verbatim; its contribution
			// to stored/added was already counted when it was first
			// written, so it is intentionally omitted here.
			return treecodec.Entry{
				Name: name, Kind: treecodec.KindFile, Child: prevEntry.Child,
				Meta: w.metadataFor(path, info), Size: uint64(info.Size()),
			}, nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		w.recordFileError(path, err)
		w.sourceSize -= info.Size()
		return treecodec.Entry{Name: name, Absent: true}, nil
	}
	defer f.Close()

	// The splitter emits chunks in order; each one is copied out of its
	// reused buffer and uploaded by an errgroup worker while the splitter
	// reads ahead. Slots are allocated sequentially so the file-index
	// preserves chunk order no matter which upload finishes first.
	var slots []*chunkSlot
	var offset uint64
	g, gctx := errgroup.WithContext(w.ctx)
	g.SetLimit(chunkFanout)
	splitErr := chunker.Split(f, func(c chunker.Chunk) error {
		if err := gctx.Err(); err != nil {
			return rekkorderr.New(rekkorderr.Cancelled, "save", err)
		}
		data := append([]byte(nil), c.Data...)
		slot := &chunkSlot{ref: treecodec.ChunkRef{Offset: offset, Length: uint32(len(data))}}
		slots = append(slots, slot)
		offset += uint64(len(data))
		g.Go(func() error {
			put, err := w.bs.PutBlob(gctx, blobcodec.TypeChunk, data)
			if err != nil {
				return err
			}
			slot.ref.OID = put.OID
			w.accumulate(int64(len(data)), put)
			return nil
		})
		return nil
	})
	err = g.Wait()
	if err == nil {
		err = splitErr
	}
	if err != nil {
		if rekkorderr.Is(err, rekkorderr.Cancelled) {
			return treecodec.Entry{}, err
		}
		w.recordFileError(path, err)
		w.sourceSize -= info.Size()
		return treecodec.Entry{Name: name, Absent: true}, nil
	}

	chunks := make([]treecodec.ChunkRef, len(slots))
	for i, slot := range slots {
		chunks[i] = slot.ref
	}

	fi := treecodec.FileIndex{TotalSize: offset, Chunks: chunks, Meta: w.metadataFor(path, info)}
	fiBytes := treecodec.EncodeFileIndex(fi)
	put, err := w.bs.PutBlob(w.ctx, blobcodec.TypeFileIndex, fiBytes)
	if err != nil {
		return treecodec.Entry{}, rekkorderr.New(rekkorderr.Io, "save", err)
	}
	w.accumulate(int64(len(fiBytes)), put)

	return treecodec.Entry{Name: name, Kind: treecodec.KindFile, Child: put.OID, Meta: fi.Meta, Size: offset}, nil
}

func (w *walker) metadataFor(path string, info os.FileInfo) treecodec.Metadata {
	m := treecodec.Metadata{
		Mode:  uint32(info.Mode().Perm()),
		Mtime: info.ModTime().UnixMilli(),
		Ctime: info.ModTime().UnixMilli(),
		Btime: info.ModTime().UnixMilli(),
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		m.UID = st.Uid
		m.GID = st.Gid
		m.Ctime = time.Unix(st.Ctim.Sec, st.Ctim.Nsec).UnixMilli()
		// Linux's stat(2) carries no portable creation time; ctime is the
		// closest available field.
		m.Btime = m.Ctime
		if w.settings.Atime {
			at := time.Unix(st.Atim.Sec, st.Atim.Nsec).UnixMilli()
			m.Atime = &at
		}
	}
	if w.settings.XAttrs {
		m.Xattr = readXattrs(path)
	}
	return m
}

func readXattrs(path string) map[string][]byte {
	size, err := unix.Llistxattr(path, nil)
	if err != nil || size <= 0 {
		return nil
	}
	buf := make([]byte, size)
	n, err := unix.Llistxattr(path, buf)
	if err != nil {
		return nil
	}
	names := splitXattrNames(buf[:n])
	if len(names) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(names))
	for _, name := range names {
		vsize, err := unix.Lgetxattr(path, name, nil)
		if err != nil || vsize <= 0 {
			continue
		}
		val := make([]byte, vsize)
		n, err := unix.Lgetxattr(path, name, val)
		if err != nil {
			continue
		}
		out[name] = val[:n]
	}
	return out
}

func splitXattrNames(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}
