package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"

	"rekkord/rekkorderr"
)

// magic identifies a rekkord key-file.
var magic = [6]byte{'R', 'K', 'K', 'E', 'Y', '1'}

const (
	flagPassphraseSealed byte = 1 << 0

	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	saltSize     = 16
	nonceSize    = 12 // AES-256-GCM
)

// payloadFor serializes exactly the subkeys Capabilities says role carries,
// in the fixed order: oidKey, blobPub, blobPriv, channelSignPriv,
// channelVerify, configVerify (always), configSignPriv. A decoder that
// knows the role can reconstruct the same field layout without a presence
// bitmap, carrying only the minimum subkeys required for that role.
func payloadFor(ks *KeySet) []byte {
	var buf []byte
	c := ks.Caps
	if c.DeriveOID {
		buf = append(buf, ks.oidKey...)
	}
	if c.EncryptBlob {
		buf = append(buf, ks.blobPub[:]...)
	}
	if c.DecryptBlob {
		buf = append(buf, ks.blobPriv[:]...)
	}
	if c.WriteChannel {
		buf = append(buf, ks.channelSignPriv...)
	}
	if c.ReadChannel {
		buf = append(buf, ks.channelVerify...)
	}
	buf = append(buf, ks.configVerify...)
	if c.AdminConfig {
		buf = append(buf, ks.configSignPriv...)
	}
	return buf
}

func keysetFromPayload(kid KID, role Role, payload []byte) (*KeySet, error) {
	c := capabilitiesFor(role)
	ks := &KeySet{Kid: kid, Role: role, Caps: c}

	take := func(n int) ([]byte, error) {
		if len(payload) < n {
			return nil, fmt.Errorf("key file payload truncated")
		}
		b := payload[:n]
		payload = payload[n:]
		return b, nil
	}

	if c.DeriveOID {
		b, err := take(32)
		if err != nil {
			return nil, err
		}
		ks.oidKey = append([]byte(nil), b...)
	}
	if c.EncryptBlob {
		b, err := take(32)
		if err != nil {
			return nil, err
		}
		copy(ks.blobPub[:], b)
		ks.hasPub = true
	}
	if c.DecryptBlob {
		b, err := take(32)
		if err != nil {
			return nil, err
		}
		copy(ks.blobPriv[:], b)
		ks.hasPriv = true
	}
	if c.WriteChannel {
		b, err := take(ed25519.PrivateKeySize)
		if err != nil {
			return nil, err
		}
		ks.channelSignPriv = append(ed25519.PrivateKey(nil), b...)
	}
	if c.ReadChannel {
		b, err := take(ed25519.PublicKeySize)
		if err != nil {
			return nil, err
		}
		ks.channelVerify = append(ed25519.PublicKey(nil), b...)
	}
	{
		b, err := take(ed25519.PublicKeySize)
		if err != nil {
			return nil, err
		}
		ks.configVerify = append(ed25519.PublicKey(nil), b...)
	}
	if c.AdminConfig {
		b, err := take(ed25519.PrivateKeySize)
		if err != nil {
			return nil, err
		}
		ks.configSignPriv = append(ed25519.PrivateKey(nil), b...)
	}
	if len(payload) != 0 {
		return nil, fmt.Errorf("key file payload has trailing bytes")
	}
	return ks, nil
}

func gcmFromKey(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal produces the portable, sealed form of ks. When passphrase is
// non-empty the payload is encrypted under an Argon2id-derived key;
// otherwise a random symmetric key is generated and embedded in the file
// itself.
func Seal(ks *KeySet, passphrase string) ([]byte, error) {
	payload := payloadFor(ks)

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, rekkorderr.New(rekkorderr.Io, "seal key file", err)
	}

	var flags byte
	var keyMaterial [32]byte
	var salt []byte

	if passphrase != "" {
		flags |= flagPassphraseSealed
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, rekkorderr.New(rekkorderr.Io, "seal key file", err)
		}
		k := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, 32)
		copy(keyMaterial[:], k)
	} else {
		if _, err := rand.Read(keyMaterial[:]); err != nil {
			return nil, rekkorderr.New(rekkorderr.Io, "seal key file", err)
		}
	}

	aead, err := gcmFromKey(keyMaterial[:])
	if err != nil {
		return nil, rekkorderr.New(rekkorderr.Io, "seal key file", err)
	}
	ciphertext := aead.Seal(nil, nonce, payload, magic[:])

	out := make([]byte, 0, 6+1+kidSize+1+saltSize+32+nonceSize+len(ciphertext))
	out = append(out, magic[:]...)
	out = append(out, byte(ks.Role))
	out = append(out, ks.Kid[:]...)
	out = append(out, flags)
	if passphrase != "" {
		out = append(out, salt...)
	} else {
		out = append(out, keyMaterial[:]...)
	}
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// Unseal reverses Seal. An incorrect passphrase, or tampering, fails with
// rekkorderr.Auth.
func Unseal(data []byte, passphrase string) (*KeySet, error) {
	if len(data) < 6+1+kidSize+1 {
		return nil, rekkorderr.New(rekkorderr.Auth, "unseal key file", fmt.Errorf("malformed key file: too short"))
	}
	if [6]byte(data[:6]) != magic {
		return nil, rekkorderr.New(rekkorderr.Auth, "unseal key file", fmt.Errorf("malformed key file: bad magic"))
	}
	role := Role(data[6])
	var kid KID
	copy(kid[:], data[7:7+kidSize])
	rest := data[7+kidSize:]

	if len(rest) < 1 {
		return nil, rekkorderr.New(rekkorderr.Auth, "unseal key file", fmt.Errorf("malformed key file: missing flags"))
	}
	flags := rest[0]
	rest = rest[1:]

	var keyMaterial [32]byte
	if flags&flagPassphraseSealed != 0 {
		if len(rest) < saltSize {
			return nil, rekkorderr.New(rekkorderr.Auth, "unseal key file", fmt.Errorf("malformed key file: missing salt"))
		}
		salt := rest[:saltSize]
		rest = rest[saltSize:]
		k := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, 32)
		copy(keyMaterial[:], k)
	} else {
		if len(rest) < 32 {
			return nil, rekkorderr.New(rekkorderr.Auth, "unseal key file", fmt.Errorf("malformed key file: missing embedded key"))
		}
		copy(keyMaterial[:], rest[:32])
		rest = rest[32:]
	}

	if len(rest) < nonceSize {
		return nil, rekkorderr.New(rekkorderr.Auth, "unseal key file", fmt.Errorf("malformed key file: missing nonce"))
	}
	nonce := rest[:nonceSize]
	ciphertext := rest[nonceSize:]

	aead, err := gcmFromKey(keyMaterial[:])
	if err != nil {
		return nil, rekkorderr.New(rekkorderr.Auth, "unseal key file", err)
	}
	payload, err := aead.Open(nil, nonce, ciphertext, magic[:])
	if err != nil {
		return nil, rekkorderr.New(rekkorderr.Auth, "unseal key file", fmt.Errorf("wrong passphrase or corrupt key file"))
	}

	ks, err := keysetFromPayload(kid, role, payload)
	if err != nil {
		return nil, rekkorderr.New(rekkorderr.Auth, "unseal key file", fmt.Errorf("malformed key file: %w", err))
	}
	return ks, nil
}

// ExportKeyFile writes the sealed, portable form of ks to path.
func ExportKeyFile(ks *KeySet, passphrase string, writeFile func(path string, data []byte) error, path string) error {
	data, err := Seal(ks, passphrase)
	if err != nil {
		return err
	}
	if err := writeFile(path, data); err != nil {
		return rekkorderr.New(rekkorderr.Io, "export key file", err)
	}
	return nil
}

// ImportKeyFile reads and unseals a key file via readFile.
func ImportKeyFile(readFile func(path string) ([]byte, error), path string, passphrase string) (*KeySet, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, rekkorderr.New(rekkorderr.Io, "import key file", err)
	}
	return Unseal(data, passphrase)
}
