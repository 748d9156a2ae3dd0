// Package repoview is the read-only exploration surface of a repository:
// listing channels and snapshots, walking tree blobs, resolving
// human-entered identifiers to OIDs, and serving random-access reads of
// stored files to consumers like a FUSE adapter.
package repoview

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"rekkord/blobcodec"
	"rekkord/blobstore"
	"rekkord/channel"
	"rekkord/oid"
	"rekkord/rekkorderr"
	"rekkord/treecodec"
)

// View reads a repository through a BlobStore. It holds no mutable state;
// every call walks the object store (or the blob hot cache beneath it).
type View struct {
	bs *blobstore.Store
}

// New builds a View over bs. The KeySet behind bs must carry DecryptBlob
// for the tree-walking calls; ListSnapshots and ListChannels additionally
// need ReadChannel to see the channel index.
func New(bs *blobstore.Store) *View {
	return &View{bs: bs}
}

// SnapshotInfo describes one recorded snapshot.
type SnapshotInfo struct {
	Channel    string
	Timestamp  int64 // ms since Unix epoch
	OID        oid.OID
	Root       oid.OID
	SourceSize int64
	StoredSize int64
	AddedSize  int64
}

// ChannelInfo is one channel plus its current snapshot.
type ChannelInfo struct {
	Name      string
	Snapshots int
	Current   SnapshotInfo
}

// ObjectInfo describes one tree object found under a root.
type ObjectInfo struct {
	Path  string // slash-joined path relative to the listing root
	Kind  treecodec.Kind
	OID   oid.OID
	Size  uint64 // files only
	Meta  treecodec.Metadata
	Depth int
}

func (v *View) snapshotInfo(ctx context.Context, e channel.Entry) (SnapshotInfo, error) {
	blobType, plain, err := v.bs.GetBlob(ctx, e.Snapshot)
	if err != nil {
		return SnapshotInfo{}, err
	}
	if blobType != blobcodec.TypeSnapshot {
		return SnapshotInfo{}, rekkorderr.New(rekkorderr.CorruptBlob, "read snapshot", fmt.Errorf("%s is a %s blob, not a snapshot", e.Snapshot.Short(), blobType))
	}
	snap, err := treecodec.DecodeSnapshot(plain)
	if err != nil {
		return SnapshotInfo{}, err
	}
	return SnapshotInfo{
		Channel:    e.Channel,
		Timestamp:  e.Timestamp,
		OID:        e.Snapshot,
		Root:       snap.Root,
		SourceSize: snap.SourceSize,
		StoredSize: snap.StoredSize,
		AddedSize:  snap.AddedSize,
	}, nil
}

// ListSnapshots returns every snapshot recorded in every channel, ordered
// by channel name then time.
func (v *View) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	names, err := channel.Channels(ctx, v.bs.Backend(), v.bs.Keys())
	if err != nil {
		return nil, err
	}
	var out []SnapshotInfo
	for _, name := range names {
		entries, err := channel.Sorted(ctx, v.bs.Backend(), v.bs.Keys(), name)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			info, err := v.snapshotInfo(ctx, e)
			if err != nil {
				return nil, err
			}
			out = append(out, info)
		}
	}
	return out, nil
}

// ListChannels returns one row per channel with its most recent snapshot.
func (v *View) ListChannels(ctx context.Context) ([]ChannelInfo, error) {
	names, err := channel.Channels(ctx, v.bs.Backend(), v.bs.Keys())
	if err != nil {
		return nil, err
	}
	out := make([]ChannelInfo, 0, len(names))
	for _, name := range names {
		entries, err := channel.Sorted(ctx, v.bs.Backend(), v.bs.Keys(), name)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			continue
		}
		info, err := v.snapshotInfo(ctx, entries[len(entries)-1])
		if err != nil {
			return nil, err
		}
		out = append(out, ChannelInfo{Name: name, Snapshots: len(entries), Current: info})
	}
	return out, nil
}

// ListChildren walks the tree under id, breadth-unlimited but capped at
// maxDepth levels below the root (0 means just the root's immediate
// children; negative means no limit).
func (v *View) ListChildren(ctx context.Context, id oid.OID, maxDepth int) ([]ObjectInfo, error) {
	root, err := v.dirAt(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []ObjectInfo
	err = v.walk(ctx, root, "", 0, maxDepth, &out)
	return out, err
}

// dirAt resolves id to a Dir, unwrapping a snapshot to its root dir.
func (v *View) dirAt(ctx context.Context, id oid.OID) (treecodec.Dir, error) {
	blobType, plain, err := v.bs.GetBlob(ctx, id)
	if err != nil {
		return treecodec.Dir{}, err
	}
	if blobType == blobcodec.TypeSnapshot {
		snap, err := treecodec.DecodeSnapshot(plain)
		if err != nil {
			return treecodec.Dir{}, err
		}
		blobType, plain, err = v.bs.GetBlob(ctx, snap.Root)
		if err != nil {
			return treecodec.Dir{}, err
		}
	}
	if blobType != blobcodec.TypeDir {
		return treecodec.Dir{}, rekkorderr.New(rekkorderr.Config, "list children", fmt.Errorf("%s is a %s blob, not a dir", id.Short(), blobType))
	}
	return treecodec.DecodeDir(plain)
}

func (v *View) walk(ctx context.Context, d treecodec.Dir, prefix string, depth, maxDepth int, out *[]ObjectInfo) error {
	for _, e := range d.Entries {
		if err := ctx.Err(); err != nil {
			return rekkorderr.New(rekkorderr.Cancelled, "list children", err)
		}
		if e.Absent {
			continue
		}
		p := e.Name
		if prefix != "" {
			p = prefix + "/" + e.Name
		}
		*out = append(*out, ObjectInfo{Path: p, Kind: e.Kind, OID: e.Child, Size: e.Size, Meta: e.Meta, Depth: depth})

		if e.Kind == treecodec.KindDir && (maxDepth < 0 || depth < maxDepth) {
			blobType, plain, err := v.bs.GetBlob(ctx, e.Child)
			if err != nil {
				return err
			}
			if blobType != blobcodec.TypeDir {
				return rekkorderr.New(rekkorderr.CorruptBlob, "list children", fmt.Errorf("%s: dir entry points at %s blob", p, blobType))
			}
			child, err := treecodec.DecodeDir(plain)
			if err != nil {
				return err
			}
			if err := v.walk(ctx, child, p, depth+1, maxDepth, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// Locate resolves an identifier of the form "<hex-oid>[:<path>]" or
// "<channel>[:<path>]" to a concrete OID plus its blob kind. A bare
// channel name resolves to the channel's current snapshot; a subpath is
// walked through dir blobs from the snapshot's root.
func (v *View) Locate(ctx context.Context, identifier string) (oid.OID, blobcodec.BlobType, error) {
	name := identifier
	subpath := ""
	if idx := strings.IndexByte(identifier, ':'); idx >= 0 {
		name, subpath = identifier[:idx], identifier[idx+1:]
	}

	var id oid.OID
	if parsed, err := oid.Parse(name); err == nil && len(name) == oid.Size*2 {
		id = parsed
	} else {
		entry, err := channel.Current(ctx, v.bs.Backend(), v.bs.Keys(), name)
		if err != nil {
			return oid.Zero, 0, err
		}
		id = entry.Snapshot
	}

	blobType, plain, err := v.bs.GetBlob(ctx, id)
	if err != nil {
		return oid.Zero, 0, err
	}

	if subpath == "" {
		return id, blobType, nil
	}

	if blobType == blobcodec.TypeSnapshot {
		snap, err := treecodec.DecodeSnapshot(plain)
		if err != nil {
			return oid.Zero, 0, err
		}
		id = snap.Root
		blobType, plain, err = v.bs.GetBlob(ctx, id)
		if err != nil {
			return oid.Zero, 0, err
		}
	}

	for _, segment := range strings.Split(strings.Trim(subpath, "/"), "/") {
		if segment == "" {
			continue
		}
		if blobType != blobcodec.TypeDir {
			return oid.Zero, 0, rekkorderr.New(rekkorderr.NotFound, "locate", fmt.Errorf("%q: %s is not a directory", identifier, id.Short()))
		}
		d, err := treecodec.DecodeDir(plain)
		if err != nil {
			return oid.Zero, 0, err
		}
		found := false
		for _, e := range d.Entries {
			if e.Name == segment && !e.Absent {
				id = e.Child
				found = true
				break
			}
		}
		if !found {
			return oid.Zero, 0, rekkorderr.New(rekkorderr.NotFound, "locate", fmt.Errorf("%q: no entry named %q", identifier, segment))
		}
		blobType, plain, err = v.bs.GetBlob(ctx, id)
		if err != nil {
			return oid.Zero, 0, err
		}
	}

	return id, blobType, nil
}

// ReadLink returns the target string of a link blob.
func (v *View) ReadLink(ctx context.Context, id oid.OID) (string, error) {
	blobType, plain, err := v.bs.GetBlob(ctx, id)
	if err != nil {
		return "", err
	}
	if blobType != blobcodec.TypeLink {
		return "", rekkorderr.New(rekkorderr.Config, "read link", fmt.Errorf("%s is a %s blob, not a link", id.Short(), blobType))
	}
	l, err := treecodec.DecodeLink(plain)
	if err != nil {
		return "", err
	}
	return l.Target, nil
}

// fileHandleChunkCacheSize bounds how many decoded chunks one open handle
// keeps around for random-access readers that revisit nearby offsets.
const fileHandleChunkCacheSize = 8

// FileHandle serves random-access reads of one stored file. The
// file-index stays in memory; chunk plaintexts are fetched on demand and
// held in a small LRU.
type FileHandle struct {
	bs     *blobstore.Store
	fi     treecodec.FileIndex
	chunks *lru.Cache[oid.OID, []byte]
}

// OpenFile loads the file-index for id and returns a handle over it.
func (v *View) OpenFile(ctx context.Context, id oid.OID) (*FileHandle, error) {
	blobType, plain, err := v.bs.GetBlob(ctx, id)
	if err != nil {
		return nil, err
	}
	if blobType != blobcodec.TypeFileIndex {
		return nil, rekkorderr.New(rekkorderr.Config, "open file", fmt.Errorf("%s is a %s blob, not a file", id.Short(), blobType))
	}
	fi, err := treecodec.DecodeFileIndex(plain)
	if err != nil {
		return nil, err
	}
	chunks, _ := lru.New[oid.OID, []byte](fileHandleChunkCacheSize)
	return &FileHandle{bs: v.bs, fi: fi, chunks: chunks}, nil
}

// Size returns the file's total length in bytes.
func (h *FileHandle) Size() int64 { return int64(h.fi.TotalSize) }

func (h *FileHandle) chunkData(ctx context.Context, ref treecodec.ChunkRef) ([]byte, error) {
	if data, ok := h.chunks.Get(ref.OID); ok {
		return data, nil
	}
	blobType, plain, err := h.bs.GetBlob(ctx, ref.OID)
	if err != nil {
		return nil, err
	}
	if blobType != blobcodec.TypeChunk {
		return nil, rekkorderr.New(rekkorderr.CorruptBlob, "read file", fmt.Errorf("chunk %s has blob type %s", ref.OID.Short(), blobType))
	}
	h.chunks.Add(ref.OID, plain)
	return plain, nil
}

// ReadAt fills p from the file contents starting at off, fetching only the
// chunks the requested range overlaps. It returns io.EOF when off is at or
// past the end of the file.
func (h *FileHandle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, rekkorderr.New(rekkorderr.Config, "read file", fmt.Errorf("negative offset %d", off))
	}
	if off >= int64(h.fi.TotalSize) {
		return 0, io.EOF
	}

	// Chunks are stored in ascending offset order; binary-search the first
	// chunk containing off.
	idx := sort.Search(len(h.fi.Chunks), func(i int) bool {
		c := h.fi.Chunks[i]
		return int64(c.Offset)+int64(c.Length) > off
	})

	n := 0
	for idx < len(h.fi.Chunks) && n < len(p) {
		ref := h.fi.Chunks[idx]
		data, err := h.chunkData(ctx, ref)
		if err != nil {
			return n, err
		}
		start := off + int64(n) - int64(ref.Offset)
		if start < 0 || start >= int64(len(data)) {
			break
		}
		n += copy(p[n:], data[start:])
		idx++
	}

	if n < len(p) && off+int64(n) >= int64(h.fi.TotalSize) {
		return n, io.EOF
	}
	return n, nil
}
