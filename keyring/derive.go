package keyring

import (
	"crypto/ed25519"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// subkey derivation labels. Distinct labels under the same master+kid
// guarantee the subkeys are cryptographically independent even though they
// all trace back to one 32-byte secret.
const (
	labelOID            = "rekkord-v1-oid-derive"
	labelBlobSeal       = "rekkord-v1-blob-seal"
	labelChannelSign    = "rekkord-v1-channel-sign"
	labelConfigSign     = "rekkord-v1-config-sign"
	labelEphemeralBlob  = "rekkord-v1-blob-ephemeral"
	labelConfigSignSeed = "rekkord-v1-config-sign-seed"
)

func hkdfExpand(secret []byte, salt []byte, info string, n int) []byte {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		panic("keyring: hkdf expand failed: " + err.Error())
	}
	return out
}

// Derive computes the deterministic subkeys for role from master. The
// same (master, role) pair always yields the same subkeys.
func Derive(master *Master, role Role) (*KeySet, error) {
	caps := capabilitiesFor(role)
	ks := &KeySet{Kid: master.Kid, Role: role, Caps: caps}

	salt := master.Kid[:]

	if caps.DeriveOID {
		ks.oidKey = hkdfExpand(master.Key[:], salt, labelOID, 32)
	}

	if caps.EncryptBlob || caps.DecryptBlob {
		seed := hkdfExpand(master.Key[:], salt, labelBlobSeal, 32)
		var priv [32]byte
		copy(priv[:], seed)
		pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
		if err != nil {
			return nil, err
		}
		copy(ks.blobPub[:], pub)
		ks.hasPub = true
		if caps.DecryptBlob {
			ks.blobPriv = priv
			ks.hasPriv = true
		}
	}

	if caps.WriteChannel || caps.ReadChannel {
		seed := hkdfExpand(master.Key[:], salt, labelChannelSign, ed25519.SeedSize)
		signPriv := ed25519.NewKeyFromSeed(seed)
		if caps.WriteChannel {
			ks.channelSignPriv = signPriv
		}
		if caps.ReadChannel {
			pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
			copy(pub, signPriv[ed25519.SeedSize:])
			ks.channelVerify = pub
		}
	}

	// config verification key is always derivable: everyone who opens a
	// repository needs to check the config's signature, regardless of role.
	configSeed := hkdfExpand(master.Key[:], salt, labelConfigSign, ed25519.SeedSize)
	configSignPriv := ed25519.NewKeyFromSeed(configSeed)
	configPub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(configPub, configSignPriv[ed25519.SeedSize:])
	ks.configVerify = configPub
	if caps.AdminConfig {
		ks.configSignPriv = configSignPriv
	}

	return ks, nil
}

// ephemeralScalarFor derives the deterministic per-blob X25519 scalar used
// to seal a blob for oid. Determinism here (rather than a random
// ephemeral key, as in a classic sealed box) is what lets two writers
// holding the same oidKey produce byte-identical ciphertext for
// byte-identical plaintext, which dedup requires.
func ephemeralScalarFor(oidKey []byte, oidBytes []byte) [32]byte {
	out := hkdfExpand(oidKey, oidBytes, labelEphemeralBlob, 32)
	var scalar [32]byte
	copy(scalar[:], out)
	return scalar
}
