package keyring

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"

	"rekkord/rekkorderr"
)

// KeyedHash computes the 32-byte keyed BLAKE3 hash of plaintext under
// this KeySet's OID-derivation subkey, from which the caller (blobcodec)
// derives the OID.
func (ks *KeySet) KeyedHash(plaintext []byte) ([32]byte, error) {
	var out [32]byte
	if err := requireCap(ks.Caps.DeriveOID, "keyed hash", "DeriveOID"); err != nil {
		return out, err
	}
	h := blake3.New(32, ks.oidKey)
	h.Write(plaintext)
	copy(out[:], h.Sum(nil))
	return out, nil
}

// SealBlob encrypts plaintext for this blob's OID, binding aad into the
// AEAD tag. The output is ephemeralPub(32) || aeadCiphertext(len+16).
// Determinism: the ephemeral scalar and the nonce are both derived from
// oidBytes, so identical (oidBytes, plaintext, aad) always produces
// identical output, the property dedup relies on.
func (ks *KeySet) SealBlob(oidBytes [32]byte, plaintext []byte, aad []byte) ([]byte, error) {
	if err := requireCap(ks.Caps.EncryptBlob && ks.hasPub, "seal blob", "EncryptBlob"); err != nil {
		return nil, err
	}

	scalar := ephemeralScalarFor(ks.oidKeyOrDerivedSeed(), oidBytes[:])
	ephPub, err := curve25519.X25519(scalar[:], curve25519.Basepoint)
	if err != nil {
		return nil, rekkorderr.New(rekkorderr.Io, "seal blob", err)
	}
	shared, err := curve25519.X25519(scalar[:], ks.blobPub[:])
	if err != nil {
		return nil, rekkorderr.New(rekkorderr.Io, "seal blob", err)
	}

	aead, err := aeadFromShared(shared)
	if err != nil {
		return nil, rekkorderr.New(rekkorderr.Io, "seal blob", err)
	}
	nonce := nonceFromOID(oidBytes)

	ciphertext := aead.Seal(nil, nonce, plaintext, aad)
	out := make([]byte, 0, len(ephPub)+len(ciphertext))
	out = append(out, ephPub...)
	out = append(out, ciphertext...)
	return out, nil
}

// OpenBlob reverses SealBlob. Requires DecryptBlob.
func (ks *KeySet) OpenBlob(oidBytes [32]byte, sealed []byte, aad []byte) ([]byte, error) {
	if err := requireCap(ks.Caps.DecryptBlob && ks.hasPriv, "open blob", "DecryptBlob"); err != nil {
		return nil, err
	}
	if len(sealed) < 32 {
		return nil, rekkorderr.New(rekkorderr.CorruptBlob, "open blob", fmt.Errorf("sealed envelope too short"))
	}
	ephPub := sealed[:32]
	ciphertext := sealed[32:]

	shared, err := curve25519.X25519(ks.blobPriv[:], ephPub)
	if err != nil {
		return nil, rekkorderr.New(rekkorderr.CorruptBlob, "open blob", err)
	}
	aead, err := aeadFromShared(shared)
	if err != nil {
		return nil, rekkorderr.New(rekkorderr.Io, "open blob", err)
	}
	nonce := nonceFromOID(oidBytes)

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, rekkorderr.New(rekkorderr.CorruptBlob, "open blob", err)
	}
	return plaintext, nil
}

// oidKeyOrDerivedSeed lets Write (which has EncryptBlob but whose oidKey is
// also present since DeriveOID is true for every role that can EncryptBlob)
// reuse the same keyed-hash key as the ephemeral seed source.
func (ks *KeySet) oidKeyOrDerivedSeed() []byte {
	return ks.oidKey
}

func aeadFromShared(shared []byte) (cipher.AEAD, error) {
	key := hkdf.Extract(sha256.New, shared, []byte("rekkord-v1-blob-aead"))
	return chacha20poly1305.New(key[:chacha20poly1305.KeySize])
}

func nonceFromOID(oidBytes [32]byte) []byte {
	// First 12 bytes of the OID double as the deterministic AEAD nonce.
	// Safe because the nonce is always used together with a per-blob key
	// derived from a distinct ECDH shared secret (aeadFromShared), so reuse
	// across different plaintexts never occurs under a fixed recipient key.
	return oidBytes[:chacha20poly1305.NonceSize]
}

// --- channel + config signing -------------------------------------------------

// SignChannelEntry signs data (a serialized channel log line) with this
// KeySet's channel-signing subkey. Requires WriteChannel.
func (ks *KeySet) SignChannelEntry(data []byte) ([]byte, error) {
	if err := requireCap(ks.Caps.WriteChannel && ks.channelSignPriv != nil, "sign channel entry", "WriteChannel"); err != nil {
		return nil, err
	}
	return ed25519.Sign(ks.channelSignPriv, data), nil
}

// VerifyChannelEntry checks sig against data using this KeySet's channel
// verification subkey, and that kid matches this KeySet's own kid:
// readers accept only signatures by a key with matching kid. Requires
// ReadChannel.
func (ks *KeySet) VerifyChannelEntry(kid KID, data, sig []byte) bool {
	if !ks.Caps.ReadChannel || ks.channelVerify == nil {
		return false
	}
	if subtle.ConstantTimeCompare(kid[:], ks.Kid[:]) != 1 {
		return false
	}
	return ed25519.Verify(ks.channelVerify, data, sig)
}

// SignConfig signs the repository config document. Requires AdminConfig.
func (ks *KeySet) SignConfig(data []byte) ([]byte, error) {
	if err := requireCap(ks.Caps.AdminConfig && ks.configSignPriv != nil, "sign config", "AdminConfig"); err != nil {
		return nil, err
	}
	return ed25519.Sign(ks.configSignPriv, data), nil
}

// VerifyConfig checks a config signature. Every KeySet can do this,
// regardless of role, since every role needs to trust the config it reads.
func (ks *KeySet) VerifyConfig(data, sig []byte) bool {
	if ks.configVerify == nil {
		return false
	}
	return ed25519.Verify(ks.configVerify, data, sig)
}
