package repoview_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rekkord/blobcodec"
	"rekkord/blobstore"
	"rekkord/channel"
	"rekkord/keyring"
	"rekkord/objectstore"
	"rekkord/oid"
	"rekkord/rekkorderr"
	"rekkord/repoview"
	"rekkord/saveengine"
	"rekkord/treecodec"
)

type fixture struct {
	backend *objectstore.Memory
	ks      *keyring.KeySet
	bs      *blobstore.Store
	view    *repoview.View
	src     string
	saved   saveengine.Result
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m, err := keyring.InitMaster()
	require.NoError(t, err)
	ks, err := keyring.Derive(m, keyring.RoleFull)
	require.NoError(t, err)

	backend := objectstore.NewMemory()
	bs := blobstore.New(backend, ks, nil, 4)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(src, "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b", "c.bin"), bytes.Repeat([]byte{0x42}, 1<<20), 0o644))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(src, "alias")))

	saved, err := saveengine.Save(context.Background(), bs, ks, nil, "daily", []string{src}, saveengine.Settings{})
	require.NoError(t, err)

	return &fixture{backend: backend, ks: ks, bs: bs, view: repoview.New(bs), src: src, saved: saved}
}

func TestListChannelsAndSnapshots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	channels, err := f.view.ListChannels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "daily", channels[0].Name)
	assert.Equal(t, 1, channels[0].Snapshots)
	assert.Equal(t, f.saved.Snapshot, channels[0].Current.OID)
	assert.Equal(t, f.saved.RootOID, channels[0].Current.Root)

	snapshots, err := f.view.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, int64(1<<20+5), snapshots[0].SourceSize)
}

func TestLocateByChannelAndSubpath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base := filepath.Base(f.src)

	id, blobType, err := f.view.Locate(ctx, "daily")
	require.NoError(t, err)
	assert.Equal(t, f.saved.Snapshot, id)
	assert.Equal(t, blobcodec.TypeSnapshot, blobType)

	id, blobType, err = f.view.Locate(ctx, "daily:"+base+"/b/c.bin")
	require.NoError(t, err)
	assert.Equal(t, blobcodec.TypeFileIndex, blobType)

	handle, err := f.view.OpenFile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), handle.Size())

	_, _, err = f.view.Locate(ctx, "daily:"+base+"/no-such-entry")
	require.Error(t, err)
	assert.True(t, rekkorderr.Is(err, rekkorderr.NotFound))

	_, _, err = f.view.Locate(ctx, "nonexistent-channel")
	require.Error(t, err)
	assert.True(t, rekkorderr.Is(err, rekkorderr.NotFound))
}

func TestLocateByHexOID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, blobType, err := f.view.Locate(ctx, f.saved.RootOID.String())
	require.NoError(t, err)
	assert.Equal(t, f.saved.RootOID, id)
	assert.Equal(t, blobcodec.TypeDir, blobType)
}

func TestListChildrenDepth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	shallow, err := f.view.ListChildren(ctx, f.saved.Snapshot, 0)
	require.NoError(t, err)
	require.Len(t, shallow, 1) // just the wrapping source dir

	all, err := f.view.ListChildren(ctx, f.saved.Snapshot, -1)
	require.NoError(t, err)

	paths := make(map[string]treecodec.Kind, len(all))
	for _, obj := range all {
		paths[obj.Path] = obj.Kind
	}
	base := filepath.Base(f.src)
	assert.Equal(t, treecodec.KindFile, paths[base+"/a.txt"])
	assert.Equal(t, treecodec.KindDir, paths[base+"/b"])
	assert.Equal(t, treecodec.KindFile, paths[base+"/b/c.bin"])
	assert.Equal(t, treecodec.KindLink, paths[base+"/alias"])
}

func TestReadLink(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base := filepath.Base(f.src)

	id, _, err := f.view.Locate(ctx, "daily:"+base+"/alias")
	require.NoError(t, err)

	target, err := f.view.ReadLink(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", target)
}

func TestFileHandleReadAt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base := filepath.Base(f.src)

	id, _, err := f.view.Locate(ctx, "daily:"+base+"/b/c.bin")
	require.NoError(t, err)
	handle, err := f.view.OpenFile(ctx, id)
	require.NoError(t, err)

	buf := make([]byte, 1024)
	n, err := handle.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 1024, n)
	assert.Equal(t, bytes.Repeat([]byte{0x42}, 1024), buf)

	// a read straddling the end returns what's left plus io.EOF
	n, err = handle.ReadAt(ctx, buf, handle.Size()-10)
	assert.Equal(t, 10, n)
	assert.Equal(t, io.EOF, err)

	_, err = handle.ReadAt(ctx, buf, handle.Size())
	assert.Equal(t, io.EOF, err)
}

func TestScanCleanRepositoryPasses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.view.Scan(ctx)
	require.NoError(t, err)
	assert.False(t, result.Failed())
	assert.Equal(t, 1, result.Channels)
	assert.GreaterOrEqual(t, result.BlobsScanned, 6) // snapshot, 3 dirs, 2 files, link, chunks
}

func TestScanReportsSingleCorruptBlob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base := filepath.Base(f.src)

	id, _, err := f.view.Locate(ctx, "daily:"+base+"/a.txt")
	require.NoError(t, err)

	// flip one bit in the stored envelope
	envelope, err := f.backend.Get(ctx, id.BlobPath())
	require.NoError(t, err)
	envelope[len(envelope)-1] ^= 0x01
	require.NoError(t, f.backend.Put(ctx, id.BlobPath(), envelope))

	// a fresh blobstore so the hot cache doesn't mask the corruption
	view := repoview.New(blobstore.New(f.backend, f.ks, nil, 4))
	result, err := view.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, id, result.Errors[0].OID)
	assert.True(t, rekkorderr.Is(result.Errors[0].Err, rekkorderr.CorruptBlob))
}

func TestForgedChannelEntryIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Inject an entry with a far-future timestamp straight into the store,
	// bypassing the signing path. It must never shadow the real snapshot.
	forged := oid.MustParse("8888888888888888888888888888888888888888888888888888888888888888"[:64])
	forgedPath := channel.EntryPath("daily", 1<<60, forged)
	require.NoError(t, f.backend.Put(ctx, forgedPath, []byte("not a signature")))

	id, blobType, err := f.view.Locate(ctx, "daily")
	require.NoError(t, err)
	assert.Equal(t, f.saved.Snapshot, id)
	assert.Equal(t, blobcodec.TypeSnapshot, blobType)

	snapshots, err := f.view.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, f.saved.Snapshot, snapshots[0].OID)

	result, err := f.view.Scan(ctx)
	require.NoError(t, err)
	assert.False(t, result.Failed())
	assert.Equal(t, 1, result.Channels)
}

func TestScanSurvivesMissingBlob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base := filepath.Base(f.src)

	id, _, err := f.view.Locate(ctx, "daily:"+base+"/a.txt")
	require.NoError(t, err)
	require.NoError(t, f.backend.Delete(ctx, id.BlobPath()))

	view := repoview.New(blobstore.New(f.backend, f.ks, nil, 4))
	result, err := view.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.True(t, rekkorderr.Is(result.Errors[0].Err, rekkorderr.NotFound))

	var zero oid.OID
	assert.NotEqual(t, zero, result.Errors[0].OID)
}
