package treecodec

import (
	"bytes"
	"encoding/binary"
	"io"

	"rekkord/oid"
	"rekkord/rekkorderr"
)

// Snapshot is the root wrapper blob for one save.
type Snapshot struct {
	Channel string
	Time    int64 // ms since Unix epoch
	Root    oid.OID

	SourceSize int64
	StoredSize int64
	AddedSize  int64
}

// EncodeSnapshot serializes a Snapshot: version, channel_name_len,
// channel_name, i64 time, oid root, i64 source_size, i64 stored_size,
// i64 added_size.
func EncodeSnapshot(s Snapshot) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(formatVersion)

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(s.Channel)))
	buf.Write(u32[:])
	buf.WriteString(s.Channel)

	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], uint64(s.Time))
	buf.Write(u64[:])

	buf.Write(s.Root.Bytes())

	binary.LittleEndian.PutUint64(u64[:], uint64(s.SourceSize))
	buf.Write(u64[:])
	binary.LittleEndian.PutUint64(u64[:], uint64(s.StoredSize))
	buf.Write(u64[:])
	binary.LittleEndian.PutUint64(u64[:], uint64(s.AddedSize))
	buf.Write(u64[:])

	return buf.Bytes()
}

// DecodeSnapshot reverses EncodeSnapshot.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return s, rekkorderr.New(rekkorderr.CorruptBlob, "decode snapshot", err)
	}
	if err := checkVersion("decode snapshot", version); err != nil {
		return s, err
	}

	var u32buf [4]byte
	if _, err := io.ReadFull(r, u32buf[:]); err != nil {
		return s, rekkorderr.New(rekkorderr.CorruptBlob, "decode snapshot", err)
	}
	nameLen := binary.LittleEndian.Uint32(u32buf[:])
	nameBytes := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBytes); err != nil {
		return s, rekkorderr.New(rekkorderr.CorruptBlob, "decode snapshot", err)
	}
	s.Channel = string(nameBytes)

	var u64buf [8]byte
	if _, err := io.ReadFull(r, u64buf[:]); err != nil {
		return s, rekkorderr.New(rekkorderr.CorruptBlob, "decode snapshot", err)
	}
	s.Time = int64(binary.LittleEndian.Uint64(u64buf[:]))

	root, err := readOID(r)
	if err != nil {
		return s, rekkorderr.New(rekkorderr.CorruptBlob, "decode snapshot", err)
	}
	s.Root = root

	if _, err := io.ReadFull(r, u64buf[:]); err != nil {
		return s, rekkorderr.New(rekkorderr.CorruptBlob, "decode snapshot", err)
	}
	s.SourceSize = int64(binary.LittleEndian.Uint64(u64buf[:]))
	if _, err := io.ReadFull(r, u64buf[:]); err != nil {
		return s, rekkorderr.New(rekkorderr.CorruptBlob, "decode snapshot", err)
	}
	s.StoredSize = int64(binary.LittleEndian.Uint64(u64buf[:]))
	if _, err := io.ReadFull(r, u64buf[:]); err != nil {
		return s, rekkorderr.New(rekkorderr.CorruptBlob, "decode snapshot", err)
	}
	s.AddedSize = int64(binary.LittleEndian.Uint64(u64buf[:]))

	return s, nil
}
