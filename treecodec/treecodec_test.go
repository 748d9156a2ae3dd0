package treecodec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rekkord/oid"
	"rekkord/treecodec"
)

func sampleMeta(withAtime bool) treecodec.Metadata {
	m := treecodec.Metadata{
		Mode:  0o644,
		UID:   1000,
		GID:   1000,
		Mtime: 1700000000000,
		Ctime: 1700000000000,
		Btime: 1699999999000,
		Xattr: map[string][]byte{"user.foo": []byte("bar")},
	}
	if withAtime {
		at := int64(1700000001000)
		m.Atime = &at
	}
	return m
}

func TestFileIndexRoundTrip(t *testing.T) {
	id1 := oid.MustParse("1111111111111111111111111111111111111111111111111111111111111111"[:64])
	id2 := oid.MustParse("2222222222222222222222222222222222222222222222222222222222222222"[:64])
	fi := treecodec.FileIndex{
		TotalSize: 2_000_000,
		Chunks: []treecodec.ChunkRef{
			{OID: id1, Offset: 0, Length: 1_000_000},
			{OID: id2, Offset: 1_000_000, Length: 1_000_000},
		},
		Meta: sampleMeta(true),
	}

	data := treecodec.EncodeFileIndex(fi)
	got, err := treecodec.DecodeFileIndex(data)
	require.NoError(t, err)

	assert.Equal(t, fi.TotalSize, got.TotalSize)
	assert.Equal(t, fi.Chunks, got.Chunks)
	assert.Equal(t, fi.Meta, got.Meta)
}

func TestDirRoundTrip(t *testing.T) {
	childFile := oid.MustParse("3333333333333333333333333333333333333333333333333333333333333333"[:64])
	childDir := oid.MustParse("4444444444444444444444444444444444444444444444444444444444444444"[:64])

	d := treecodec.Dir{
		Entries: []treecodec.Entry{
			{Name: "a.txt", Kind: treecodec.KindFile, Child: childFile, Meta: sampleMeta(false), Size: 5},
			{Name: "b", Kind: treecodec.KindDir, Child: childDir, Meta: sampleMeta(true)},
			{Name: "broken.txt", Kind: treecodec.KindFile, Absent: true},
		},
	}

	data, err := treecodec.EncodeDir(d)
	require.NoError(t, err)

	got, err := treecodec.DecodeDir(data)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestDirRejectsInvalidNames(t *testing.T) {
	_, err := treecodec.EncodeDir(treecodec.Dir{
		Entries: []treecodec.Entry{{Name: "a/b", Kind: treecodec.KindFile}},
	})
	assert.Error(t, err)

	_, err = treecodec.EncodeDir(treecodec.Dir{
		Entries: []treecodec.Entry{{Name: "", Kind: treecodec.KindFile}},
	})
	assert.Error(t, err)
}

func TestLinkRoundTrip(t *testing.T) {
	l := treecodec.Link{Target: "../other/path", Meta: sampleMeta(false)}
	data := treecodec.EncodeLink(l)
	got, err := treecodec.DecodeLink(data)
	require.NoError(t, err)
	assert.Equal(t, l, got)
}

func TestSnapshotRoundTrip(t *testing.T) {
	root := oid.MustParse("5555555555555555555555555555555555555555555555555555555555555555"[:64])
	s := treecodec.Snapshot{
		Channel:    "daily",
		Time:       1700000002000,
		Root:       root,
		SourceSize: 123456,
		StoredSize: 100000,
		AddedSize:  100000,
	}
	data := treecodec.EncodeSnapshot(s)
	got, err := treecodec.DecodeSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	data := treecodec.EncodeSnapshot(treecodec.Snapshot{Channel: "x"})
	data[0] = 99
	_, err := treecodec.DecodeSnapshot(data)
	assert.Error(t, err)
}
