package blobcodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rekkord/keyring"
	"rekkord/rekkorderr"
)

func fullKeySet(t *testing.T) *keyring.KeySet {
	t.Helper()
	m, err := keyring.InitMaster()
	require.NoError(t, err)
	ks, err := keyring.Derive(m, keyring.RoleFull)
	require.NoError(t, err)
	return ks
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ks := fullKeySet(t)
	plaintext := []byte("hello world, this is a chunk of file content")

	id, envelope, err := Encode(ks, TypeChunk, plaintext)
	require.NoError(t, err)

	gotType, gotID, gotPlain, err := Decode(ks, envelope)
	require.NoError(t, err)
	assert.Equal(t, TypeChunk, gotType)
	assert.Equal(t, id, gotID)
	assert.Equal(t, plaintext, gotPlain)
}

func TestEncodeIsDeterministic(t *testing.T) {
	ks := fullKeySet(t)
	plaintext := bytes.Repeat([]byte("x"), 1000)

	id1, env1, err := Encode(ks, TypeChunk, plaintext)
	require.NoError(t, err)
	id2, env2, err := Encode(ks, TypeChunk, plaintext)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, env1, env2, "identical plaintext must produce byte-identical ciphertext for dedup")
}

func TestDifferentPlaintextsDifferentOIDs(t *testing.T) {
	ks := fullKeySet(t)
	id1, _, err := Encode(ks, TypeChunk, []byte("alpha"))
	require.NoError(t, err)
	id2, _, err := Encode(ks, TypeChunk, []byte("beta"))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

func TestCompressionAppliesAboveThreshold(t *testing.T) {
	ks := fullKeySet(t)
	plaintext := bytes.Repeat([]byte("a"), CompressMinSize*4)
	_, envelope, err := Encode(ks, TypeFileIndex, plaintext)
	require.NoError(t, err)
	assert.Less(t, len(envelope), len(plaintext), "highly compressible payload should shrink")

	_, _, got, err := Decode(ks, envelope)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestCorruptBitFailsDecode(t *testing.T) {
	ks := fullKeySet(t)
	_, envelope, err := Encode(ks, TypeDir, []byte("some dir blob bytes"))
	require.NoError(t, err)

	corrupted := append([]byte(nil), envelope...)
	corrupted[len(corrupted)-1] ^= 0xFF

	_, _, _, err = Decode(ks, corrupted)
	require.Error(t, err)
	assert.Equal(t, rekkorderr.CorruptBlob, rekkorderr.KindOf(err))
}

func TestWrongRoleCannotDecode(t *testing.T) {
	m, err := keyring.InitMaster()
	require.NoError(t, err)
	full, err := keyring.Derive(m, keyring.RoleFull)
	require.NoError(t, err)
	write, err := keyring.Derive(m, keyring.RoleWrite)
	require.NoError(t, err)

	_, envelope, err := Encode(full, TypeSnapshot, []byte("snapshot payload"))
	require.NoError(t, err)

	_, _, _, err = Decode(write, envelope)
	require.Error(t, err)
	// a missing capability is an authorization failure, not corruption
	assert.Equal(t, rekkorderr.Auth, rekkorderr.KindOf(err))
}

func TestBlobTypeTamperingFailsAuthentication(t *testing.T) {
	ks := fullKeySet(t)
	_, envelope, err := Encode(ks, TypeChunk, []byte("payload"))
	require.NoError(t, err)

	tampered := append([]byte(nil), envelope...)
	tampered[6] = byte(TypeDir) // header[2] is the blobType byte, offset 4+1+1=6

	_, _, _, err = Decode(ks, tampered)
	assert.Error(t, err)
}
