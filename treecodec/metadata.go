// Package treecodec implements the binary serialization for the blobs
// that carry structure: file-index, dir, link, and snapshot. The format
// is bit-exact and versioned; decoders reject unknown versions.
package treecodec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"rekkord/oid"
	"rekkord/rekkorderr"
)

const formatVersion = 1

// Metadata is the common per-entry metadata block: POSIX mode/owner, the
// three timestamps every entry carries, an optional access time, and an
// optional extended-attribute map.
type Metadata struct {
	Mode  uint32
	UID   uint32
	GID   uint32
	Mtime int64 // ms since Unix epoch
	Ctime int64
	Btime int64
	Atime *int64 // nil when not tracked
	Xattr map[string][]byte
}

const flagHasAtime byte = 1 << 0

// encode appends the self-describing metadata block (its own flags byte
// first, so the same routine serializes both a file-index's single
// metadata and each dir entry's metadata) to buf.
func (m Metadata) encode(buf *bytes.Buffer) {
	var flags byte
	if m.Atime != nil {
		flags |= flagHasAtime
	}
	buf.WriteByte(flags)

	var tmp [8]byte
	binary.LittleEndian.PutUint32(tmp[:4], m.Mode)
	buf.Write(tmp[:4])
	binary.LittleEndian.PutUint32(tmp[:4], m.UID)
	buf.Write(tmp[:4])
	binary.LittleEndian.PutUint32(tmp[:4], m.GID)
	buf.Write(tmp[:4])
	binary.LittleEndian.PutUint64(tmp[:8], uint64(m.Mtime))
	buf.Write(tmp[:8])
	binary.LittleEndian.PutUint64(tmp[:8], uint64(m.Ctime))
	buf.Write(tmp[:8])
	binary.LittleEndian.PutUint64(tmp[:8], uint64(m.Btime))
	buf.Write(tmp[:8])
	if m.Atime != nil {
		binary.LittleEndian.PutUint64(tmp[:8], uint64(*m.Atime))
		buf.Write(tmp[:8])
	}

	keys := make([]string, 0, len(m.Xattr))
	for k := range m.Xattr {
		keys = append(keys, k)
	}
	sort.Strings(keys) // content-addressing needs a deterministic encoding

	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], uint16(len(keys)))
	buf.Write(u16[:])
	for _, k := range keys {
		v := m.Xattr[k]
		binary.LittleEndian.PutUint16(u16[:], uint16(len(k)))
		buf.Write(u16[:])
		buf.WriteString(k)
		var u32 [4]byte
		binary.LittleEndian.PutUint32(u32[:], uint32(len(v)))
		buf.Write(u32[:])
		buf.Write(v)
	}
}

func decodeMetadata(r *bytes.Reader) (Metadata, error) {
	var m Metadata

	flags, err := r.ReadByte()
	if err != nil {
		return m, err
	}

	var u32buf [4]byte
	var u64buf [8]byte

	if _, err := io.ReadFull(r, u32buf[:]); err != nil {
		return m, err
	}
	m.Mode = binary.LittleEndian.Uint32(u32buf[:])
	if _, err := io.ReadFull(r, u32buf[:]); err != nil {
		return m, err
	}
	m.UID = binary.LittleEndian.Uint32(u32buf[:])
	if _, err := io.ReadFull(r, u32buf[:]); err != nil {
		return m, err
	}
	m.GID = binary.LittleEndian.Uint32(u32buf[:])

	if _, err := io.ReadFull(r, u64buf[:]); err != nil {
		return m, err
	}
	m.Mtime = int64(binary.LittleEndian.Uint64(u64buf[:]))
	if _, err := io.ReadFull(r, u64buf[:]); err != nil {
		return m, err
	}
	m.Ctime = int64(binary.LittleEndian.Uint64(u64buf[:]))
	if _, err := io.ReadFull(r, u64buf[:]); err != nil {
		return m, err
	}
	m.Btime = int64(binary.LittleEndian.Uint64(u64buf[:]))

	if flags&flagHasAtime != 0 {
		if _, err := io.ReadFull(r, u64buf[:]); err != nil {
			return m, err
		}
		at := int64(binary.LittleEndian.Uint64(u64buf[:]))
		m.Atime = &at
	}

	var u16buf [2]byte
	if _, err := io.ReadFull(r, u16buf[:]); err != nil {
		return m, err
	}
	count := binary.LittleEndian.Uint16(u16buf[:])
	if count > 0 {
		m.Xattr = make(map[string][]byte, count)
		for i := uint16(0); i < count; i++ {
			if _, err := io.ReadFull(r, u16buf[:]); err != nil {
				return m, err
			}
			klen := binary.LittleEndian.Uint16(u16buf[:])
			key := make([]byte, klen)
			if _, err := io.ReadFull(r, key); err != nil {
				return m, err
			}
			var u32 [4]byte
			if _, err := io.ReadFull(r, u32[:]); err != nil {
				return m, err
			}
			vlen := binary.LittleEndian.Uint32(u32[:])
			val := make([]byte, vlen)
			if _, err := io.ReadFull(r, val); err != nil {
				return m, err
			}
			m.Xattr[string(key)] = val
		}
	}

	return m, nil
}

func checkVersion(op string, version uint8) error {
	if version != formatVersion {
		return rekkorderr.New(rekkorderr.CorruptBlob, op, fmt.Errorf("unsupported tree codec version %d", version))
	}
	return nil
}

// readOID reads 32 raw bytes from r as an OID.
func readOID(r *bytes.Reader) (oid.OID, error) {
	var buf [oid.Size]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return oid.Zero, err
	}
	return oid.FromBytes(buf[:])
}
