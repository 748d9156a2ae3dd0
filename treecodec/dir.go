package treecodec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"rekkord/oid"
	"rekkord/rekkorderr"
)

// Kind identifies what a dir entry's child OID refers to.
type Kind uint8

const (
	KindFile Kind = iota
	KindDir
	KindLink
	KindSnapshot
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindLink:
		return "link"
	case KindSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// Entry is one named child of a dir blob.
type Entry struct {
	Name  string
	Kind  Kind
	Child oid.OID
	Meta  Metadata
	Size  uint64 // meaningful only when Kind == KindFile

	// Absent records that the source file could not be read during save;
	// Child and Meta are zero when true.
	Absent bool
}

const entryFlagAbsent byte = 1 << 0

// Dir is an unordered set of named child entries.
type Dir struct {
	Entries []Entry
}

func validName(name string) error {
	if name == "" {
		return fmt.Errorf("empty entry name")
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("entry name %q contains NUL", name)
	}
	if strings.ContainsRune(name, '/') {
		return fmt.Errorf("entry name %q contains '/'", name)
	}
	return nil
}

// EncodeDir serializes a Dir. Entries are written in the order given;
// the save engine sorts them by name bytes before calling this, so the
// same tree always encodes to the same bytes.
func EncodeDir(d Dir) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte(formatVersion)

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(d.Entries)))
	buf.Write(u32[:])

	for _, e := range d.Entries {
		if err := validName(e.Name); err != nil {
			return nil, rekkorderr.New(rekkorderr.Config, "encode dir", err)
		}
		var u16 [2]byte
		binary.LittleEndian.PutUint16(u16[:], uint16(len(e.Name)))
		buf.Write(u16[:])
		buf.WriteString(e.Name)

		kindByte := byte(e.Kind)
		if e.Absent {
			kindByte |= entryFlagAbsent << 4 // keep low bits as Kind, flag in upper nibble
		}
		buf.WriteByte(kindByte)

		buf.Write(e.Child.Bytes())
		e.Meta.encode(buf)

		if e.Kind == KindFile {
			var u64 [8]byte
			binary.LittleEndian.PutUint64(u64[:], e.Size)
			buf.Write(u64[:])
		}
	}

	return buf.Bytes(), nil
}

// DecodeDir reverses EncodeDir.
func DecodeDir(data []byte) (Dir, error) {
	var d Dir
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return d, rekkorderr.New(rekkorderr.CorruptBlob, "decode dir", err)
	}
	if err := checkVersion("decode dir", version); err != nil {
		return d, err
	}

	var u32buf [4]byte
	if _, err := io.ReadFull(r, u32buf[:]); err != nil {
		return d, rekkorderr.New(rekkorderr.CorruptBlob, "decode dir", err)
	}
	count := binary.LittleEndian.Uint32(u32buf[:])

	d.Entries = make([]Entry, count)
	for i := uint32(0); i < count; i++ {
		var u16buf [2]byte
		if _, err := io.ReadFull(r, u16buf[:]); err != nil {
			return d, rekkorderr.New(rekkorderr.CorruptBlob, "decode dir", err)
		}
		nameLen := binary.LittleEndian.Uint16(u16buf[:])
		nameBytes := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBytes); err != nil {
			return d, rekkorderr.New(rekkorderr.CorruptBlob, "decode dir", err)
		}

		kindByte, err := r.ReadByte()
		if err != nil {
			return d, rekkorderr.New(rekkorderr.CorruptBlob, "decode dir", err)
		}
		kind := Kind(kindByte & 0x0f)
		absent := kindByte&(entryFlagAbsent<<4) != 0

		child, err := readOID(r)
		if err != nil {
			return d, rekkorderr.New(rekkorderr.CorruptBlob, "decode dir", err)
		}

		meta, err := decodeMetadata(r)
		if err != nil {
			return d, rekkorderr.New(rekkorderr.CorruptBlob, "decode dir", fmt.Errorf("metadata: %w", err))
		}

		entry := Entry{Name: string(nameBytes), Kind: kind, Child: child, Meta: meta, Absent: absent}

		if kind == KindFile {
			var u64buf [8]byte
			if _, err := io.ReadFull(r, u64buf[:]); err != nil {
				return d, rekkorderr.New(rekkorderr.CorruptBlob, "decode dir", err)
			}
			entry.Size = binary.LittleEndian.Uint64(u64buf[:])
		}

		d.Entries[i] = entry
	}

	return d, nil
}
