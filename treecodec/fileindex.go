package treecodec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"rekkord/oid"
	"rekkord/rekkorderr"
)

// ChunkRef is one entry in a file-index blob: the OID of a content chunk
// plus its offset and length within the reconstructed file.
type ChunkRef struct {
	OID    oid.OID
	Offset uint64
	Length uint32
}

// FileIndex is the ordered list of chunk references plus metadata for
// one file.
type FileIndex struct {
	TotalSize uint64
	Chunks    []ChunkRef
	Meta      Metadata
}

// EncodeFileIndex serializes a FileIndex.
func EncodeFileIndex(fi FileIndex) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(formatVersion)

	var topFlags byte
	if fi.Meta.Atime != nil {
		topFlags |= flagHasAtime
	}
	buf.WriteByte(topFlags)

	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], fi.TotalSize)
	buf.Write(u64[:])

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(fi.Chunks)))
	buf.Write(u32[:])

	for _, c := range fi.Chunks {
		buf.Write(c.OID.Bytes())
		binary.LittleEndian.PutUint64(u64[:], c.Offset)
		buf.Write(u64[:])
		binary.LittleEndian.PutUint32(u32[:], c.Length)
		buf.Write(u32[:])
	}

	fi.Meta.encode(buf)

	return buf.Bytes()
}

// DecodeFileIndex reverses EncodeFileIndex.
func DecodeFileIndex(data []byte) (FileIndex, error) {
	var fi FileIndex
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return fi, rekkorderr.New(rekkorderr.CorruptBlob, "decode file-index", err)
	}
	if err := checkVersion("decode file-index", version); err != nil {
		return fi, err
	}

	if _, err := r.ReadByte(); err != nil { // top-level flags: informational only
		return fi, rekkorderr.New(rekkorderr.CorruptBlob, "decode file-index", err)
	}

	var u64buf [8]byte
	if _, err := io.ReadFull(r, u64buf[:]); err != nil {
		return fi, rekkorderr.New(rekkorderr.CorruptBlob, "decode file-index", err)
	}
	fi.TotalSize = binary.LittleEndian.Uint64(u64buf[:])

	var u32buf [4]byte
	if _, err := io.ReadFull(r, u32buf[:]); err != nil {
		return fi, rekkorderr.New(rekkorderr.CorruptBlob, "decode file-index", err)
	}
	count := binary.LittleEndian.Uint32(u32buf[:])

	fi.Chunks = make([]ChunkRef, count)
	for i := uint32(0); i < count; i++ {
		id, err := readOID(r)
		if err != nil {
			return fi, rekkorderr.New(rekkorderr.CorruptBlob, "decode file-index", err)
		}
		if _, err := io.ReadFull(r, u64buf[:]); err != nil {
			return fi, rekkorderr.New(rekkorderr.CorruptBlob, "decode file-index", err)
		}
		offset := binary.LittleEndian.Uint64(u64buf[:])
		if _, err := io.ReadFull(r, u32buf[:]); err != nil {
			return fi, rekkorderr.New(rekkorderr.CorruptBlob, "decode file-index", err)
		}
		length := binary.LittleEndian.Uint32(u32buf[:])
		fi.Chunks[i] = ChunkRef{OID: id, Offset: offset, Length: length}
	}

	meta, err := decodeMetadata(r)
	if err != nil {
		return fi, rekkorderr.New(rekkorderr.CorruptBlob, "decode file-index", fmt.Errorf("metadata: %w", err))
	}
	fi.Meta = meta

	return fi, nil
}
