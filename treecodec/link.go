package treecodec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"rekkord/rekkorderr"
)

// Link is a symbolic-link target plus metadata.
type Link struct {
	Target string
	Meta   Metadata
}

// EncodeLink serializes a Link: version, u32 target_len, target bytes,
// metadata block.
func EncodeLink(l Link) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(formatVersion)

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(l.Target)))
	buf.Write(u32[:])
	buf.WriteString(l.Target)

	l.Meta.encode(buf)
	return buf.Bytes()
}

// DecodeLink reverses EncodeLink.
func DecodeLink(data []byte) (Link, error) {
	var l Link
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return l, rekkorderr.New(rekkorderr.CorruptBlob, "decode link", err)
	}
	if err := checkVersion("decode link", version); err != nil {
		return l, err
	}

	var u32buf [4]byte
	if _, err := io.ReadFull(r, u32buf[:]); err != nil {
		return l, rekkorderr.New(rekkorderr.CorruptBlob, "decode link", err)
	}
	targetLen := binary.LittleEndian.Uint32(u32buf[:])
	targetBytes := make([]byte, targetLen)
	if _, err := io.ReadFull(r, targetBytes); err != nil {
		return l, rekkorderr.New(rekkorderr.CorruptBlob, "decode link", err)
	}
	l.Target = string(targetBytes)

	meta, err := decodeMetadata(r)
	if err != nil {
		return l, rekkorderr.New(rekkorderr.CorruptBlob, "decode link", fmt.Errorf("metadata: %w", err))
	}
	l.Meta = meta
	return l, nil
}
