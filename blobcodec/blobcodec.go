// Package blobcodec implements the per-blob envelope: content hash ->
// OID, optional zstd compression, deterministic AEAD sealing (via
// keyring), and the fixed on-wire envelope layout.
package blobcodec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"rekkord/keyring"
	"rekkord/oid"
	"rekkord/rekkorderr"
)

// BlobType identifies what a blob's plaintext contains, bound into the
// AEAD's associated data so a ciphertext can never be replayed as a
// different blob kind.
type BlobType uint8

const (
	TypeChunk BlobType = iota
	TypeFileIndex
	TypeDir
	TypeLink
	TypeSnapshot
)

func (t BlobType) String() string {
	switch t {
	case TypeChunk:
		return "chunk"
	case TypeFileIndex:
		return "file-index"
	case TypeDir:
		return "dir"
	case TypeLink:
		return "link"
	case TypeSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

const (
	version = 1

	flagCompressed byte = 1 << 0

	// CompressMinSize is the plaintext size below which compression is
	// skipped outright: small blobs rarely compress well enough to be
	// worth the CPU.
	CompressMinSize = 256
)

// envelope header: magic(4) || version(1) || flags(1) || kind(1) || kid(8)
// || oid(32) || sealed-body. sealed-body is keyring.SealBlob's output:
// ephemeral X25519 public key || AEAD ciphertext || 16-byte tag.
const headerSize = 4 + 1 + 1 + 1 + 8 + 32

var magic = [4]byte{'R', 'K', 'B', 'L'}

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
var zstdDecoder, _ = zstd.NewReader(nil)

func aadFor(blobType BlobType, kid keyring.KID) []byte {
	aad := make([]byte, 0, 2+len(kid))
	aad = append(aad, byte(blobType), version)
	aad = append(aad, kid[:]...)
	return aad
}

// Encode seals plaintext into one envelope. The caller must hold a KeySet
// with EncryptBlob (Master, Full, or Write).
func Encode(ks *keyring.KeySet, blobType BlobType, plaintext []byte) (oid.OID, []byte, error) {
	hash, err := ks.KeyedHash(plaintext)
	if err != nil {
		return oid.Zero, nil, err
	}
	id, err := oid.FromBytes(hash[:])
	if err != nil {
		return oid.Zero, nil, rekkorderr.New(rekkorderr.Io, "encode blob", err)
	}

	body := plaintext
	var flags byte
	if len(plaintext) >= CompressMinSize {
		compressed := zstdEncoder.EncodeAll(plaintext, nil)
		if len(compressed) < len(plaintext) {
			body = compressed
			flags |= flagCompressed
		}
	}

	aad := aadFor(blobType, ks.Kid)
	sealed, err := ks.SealBlob(hash, body, aad)
	if err != nil {
		return oid.Zero, nil, err
	}

	buf := bytes.NewBuffer(make([]byte, 0, headerSize+len(sealed)))
	buf.Write(magic[:])
	buf.WriteByte(version)
	buf.WriteByte(flags)
	buf.WriteByte(byte(blobType))
	buf.Write(ks.Kid[:])
	buf.Write(id.Bytes())
	buf.Write(sealed)

	return id, buf.Bytes(), nil
}

// Decode opens one envelope, verifying magic/version/kid and, after
// decryption, recomputing the keyed hash to check it matches the OID
// carried in the envelope (defense in depth against misattribution).
// The caller must hold a KeySet with DecryptBlob.
func Decode(ks *keyring.KeySet, envelope []byte) (BlobType, oid.OID, []byte, error) {
	if len(envelope) < headerSize {
		return 0, oid.Zero, nil, rekkorderr.New(rekkorderr.CorruptBlob, "decode blob", fmt.Errorf("truncated envelope"))
	}
	r := bytes.NewReader(envelope)

	var gotMagic [4]byte
	io.ReadFull(r, gotMagic[:])
	if gotMagic != magic {
		return 0, oid.Zero, nil, rekkorderr.New(rekkorderr.CorruptBlob, "decode blob", fmt.Errorf("bad magic"))
	}

	var header [3]byte
	io.ReadFull(r, header[:])
	gotVersion, flags, blobType := header[0], header[1], BlobType(header[2])
	if gotVersion != version {
		return 0, oid.Zero, nil, rekkorderr.New(rekkorderr.CorruptBlob, "decode blob", fmt.Errorf("unsupported version %d", gotVersion))
	}

	var gotKid keyring.KID
	io.ReadFull(r, gotKid[:])
	if gotKid != ks.Kid {
		return 0, oid.Zero, nil, rekkorderr.New(rekkorderr.CorruptBlob, "decode blob", fmt.Errorf("kid mismatch"))
	}

	var idBytes [32]byte
	io.ReadFull(r, idBytes[:])
	id, _ := oid.FromBytes(idBytes[:])

	sealed, err := io.ReadAll(r)
	if err != nil {
		return 0, oid.Zero, nil, rekkorderr.New(rekkorderr.CorruptBlob, "decode blob", err)
	}

	aad := aadFor(blobType, gotKid)
	body, err := ks.OpenBlob(idBytes, sealed, aad)
	if err != nil {
		// A role without DecryptBlob fails with Auth before touching the
		// ciphertext; only a genuine AEAD failure means the blob is bad.
		if rekkorderr.Is(err, rekkorderr.Auth) {
			return 0, oid.Zero, nil, err
		}
		return 0, oid.Zero, nil, rekkorderr.New(rekkorderr.CorruptBlob, "decode blob", fmt.Errorf("authentication failed: %w", err))
	}

	plaintext := body
	if flags&flagCompressed != 0 {
		plaintext, err = zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return 0, oid.Zero, nil, rekkorderr.New(rekkorderr.CorruptBlob, "decode blob", fmt.Errorf("decompress: %w", err))
		}
	}

	recomputed, err := ks.KeyedHash(plaintext)
	if err != nil {
		return 0, oid.Zero, nil, err
	}
	if recomputed != idBytes {
		return 0, oid.Zero, nil, rekkorderr.New(rekkorderr.CorruptBlob, "decode blob", fmt.Errorf("oid mismatch after decrypt"))
	}

	return blobType, id, plaintext, nil
}
