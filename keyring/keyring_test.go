package keyring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rekkord/rekkorderr"
)

func mustMaster(t *testing.T) *Master {
	t.Helper()
	m, err := InitMaster()
	require.NoError(t, err)
	return m
}

func TestDeriveIsDeterministic(t *testing.T) {
	m := mustMaster(t)
	a, err := Derive(m, RoleFull)
	require.NoError(t, err)
	b, err := Derive(m, RoleFull)
	require.NoError(t, err)
	assert.Equal(t, a.oidKey, b.oidKey)
	assert.Equal(t, a.blobPub, b.blobPub)
	assert.Equal(t, a.blobPriv, b.blobPriv)
}

func TestRoleCapabilityMatrix(t *testing.T) {
	m := mustMaster(t)
	cases := []struct {
		role Role
		caps Capabilities
	}{
		{RoleMaster, Capabilities{true, true, true, true, true, true}},
		{RoleFull, Capabilities{true, true, true, true, true, false}},
		{RoleWrite, Capabilities{true, true, false, true, false, false}},
		{RoleLog, Capabilities{false, false, false, false, true, false}},
		{RoleConfig, Capabilities{false, false, false, false, false, true}},
	}
	for _, tc := range cases {
		ks, err := Derive(m, tc.role)
		require.NoError(t, err)
		assert.Equal(t, tc.caps, ks.Caps, "role %s", tc.role)
	}
}

func TestBlobSealRoundTrip(t *testing.T) {
	m := mustMaster(t)
	full, err := Derive(m, RoleFull)
	require.NoError(t, err)

	plaintext := []byte("hello, rekkord")
	h, err := full.KeyedHash(plaintext)
	require.NoError(t, err)
	aad := []byte("chunk:v1:deadbeef")

	sealed, err := full.SealBlob(h, plaintext, aad)
	require.NoError(t, err)

	opened, err := full.OpenBlob(h, sealed, aad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestBlobSealIsDeterministic(t *testing.T) {
	m := mustMaster(t)
	write, err := Derive(m, RoleWrite)
	require.NoError(t, err)

	plaintext := []byte("content defined chunking")
	h, err := write.KeyedHash(plaintext)
	require.NoError(t, err)

	s1, err := write.SealBlob(h, plaintext, nil)
	require.NoError(t, err)
	s2, err := write.SealBlob(h, plaintext, nil)
	require.NoError(t, err)
	assert.Equal(t, s1, s2, "identical plaintext must seal to identical ciphertext for dedup")
}

func TestWriteRoleCannotDecrypt(t *testing.T) {
	m := mustMaster(t)
	full, err := Derive(m, RoleFull)
	require.NoError(t, err)
	write, err := Derive(m, RoleWrite)
	require.NoError(t, err)

	plaintext := []byte("secret tree blob")
	h, err := full.KeyedHash(plaintext)
	require.NoError(t, err)
	sealed, err := write.SealBlob(h, plaintext, nil)
	require.NoError(t, err)

	// Full (which has the private key) can decrypt what Write sealed.
	opened, err := full.OpenBlob(h, sealed, nil)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)

	// Write itself can never decrypt anything — it structurally lacks the key.
	_, err = write.OpenBlob(h, sealed, nil)
	require.Error(t, err)
	assert.Equal(t, rekkorderr.Auth, rekkorderr.KindOf(err))
}

func TestLogRoleCannotWriteChannel(t *testing.T) {
	m := mustMaster(t)
	logKS, err := Derive(m, RoleLog)
	require.NoError(t, err)

	_, err = logKS.SignChannelEntry([]byte("entry"))
	assert.Error(t, err)
}

func TestChannelSignVerifyRoundTrip(t *testing.T) {
	m := mustMaster(t)
	full, err := Derive(m, RoleFull)
	require.NoError(t, err)
	logKS, err := Derive(m, RoleLog)
	require.NoError(t, err)

	data := []byte("channels/daily/0000000000000001-aabbcc")
	sig, err := full.SignChannelEntry(data)
	require.NoError(t, err)

	assert.True(t, logKS.VerifyChannelEntry(full.Kid, data, sig))
	assert.False(t, logKS.VerifyChannelEntry(full.Kid, append(data, 'x'), sig))
}

func TestVerifyChannelEntryRejectsMismatchedKid(t *testing.T) {
	m1 := mustMaster(t)
	m2 := mustMaster(t)
	full1, err := Derive(m1, RoleFull)
	require.NoError(t, err)
	log2, err := Derive(m2, RoleLog)
	require.NoError(t, err)

	data := []byte("channels/daily/1-aabbcc")
	sig, err := full1.SignChannelEntry(data)
	require.NoError(t, err)

	assert.False(t, log2.VerifyChannelEntry(full1.Kid, data, sig), "a key from a different master must never verify")
}

func TestKeyFileRoundTripWithPassphrase(t *testing.T) {
	m := mustMaster(t)
	write, err := Derive(m, RoleWrite)
	require.NoError(t, err)

	sealed, err := Seal(write, "correct horse battery staple")
	require.NoError(t, err)

	restored, err := Unseal(sealed, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, write.oidKey, restored.oidKey)
	assert.Equal(t, write.blobPub, restored.blobPub)
	assert.Equal(t, write.Caps, restored.Caps)

	_, err = Unseal(sealed, "wrong passphrase")
	assert.Error(t, err)
}

func TestKeyFileRoundTripRaw(t *testing.T) {
	m := mustMaster(t)
	logKS, err := Derive(m, RoleLog)
	require.NoError(t, err)

	sealed, err := Seal(logKS, "")
	require.NoError(t, err)

	restored, err := Unseal(sealed, "")
	require.NoError(t, err)
	assert.Equal(t, logKS.Caps, restored.Caps)
}

func TestMalformedKeyFileRejected(t *testing.T) {
	_, err := Unseal([]byte("not a key file"), "")
	assert.Error(t, err)
}
