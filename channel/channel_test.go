package channel_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rekkord/channel"
	"rekkord/keyring"
	"rekkord/objectstore"
	"rekkord/oid"
)

func fullKeySet(t *testing.T) *keyring.KeySet {
	t.Helper()
	m, err := keyring.InitMaster()
	require.NoError(t, err)
	ks, err := keyring.Derive(m, keyring.RoleFull)
	require.NoError(t, err)
	return ks
}

func TestAppendAndCurrent(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	ks := fullKeySet(t)

	snap1 := oid.MustParse("1111111111111111111111111111111111111111111111111111111111111111"[:64])
	snap2 := oid.MustParse("2222222222222222222222222222222222222222222222222222222222222222"[:64])

	require.NoError(t, channel.Append(ctx, store, ks, "daily", 1000, snap1))
	require.NoError(t, channel.Append(ctx, store, ks, "daily", 2000, snap2))

	cur, err := channel.Current(ctx, store, ks, "daily")
	require.NoError(t, err)
	assert.Equal(t, snap2, cur.Snapshot)
	assert.Equal(t, int64(2000), cur.Timestamp)
}

func TestCurrentBreaksTiesByOID(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	ks := fullKeySet(t)

	snapLow := oid.MustParse("1111111111111111111111111111111111111111111111111111111111111111"[:64])
	snapHigh := oid.MustParse("9999999999999999999999999999999999999999999999999999999999999999"[:64])

	require.NoError(t, channel.Append(ctx, store, ks, "daily", 1000, snapLow))
	require.NoError(t, channel.Append(ctx, store, ks, "daily", 1000, snapHigh))

	cur, err := channel.Current(ctx, store, ks, "daily")
	require.NoError(t, err)
	assert.Equal(t, snapHigh, cur.Snapshot)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	ks := fullKeySet(t)
	snap := oid.MustParse("3333333333333333333333333333333333333333333333333333333333333333"[:64])
	require.NoError(t, channel.Append(ctx, store, ks, "daily", 1000, snap))

	entry, err := channel.Current(ctx, store, ks, "daily")
	require.NoError(t, err)

	ok, err := channel.Verify(ctx, store, ks, entry)
	require.NoError(t, err)
	assert.True(t, ok)

	other := fullKeySet(t)
	ok, err = channel.Verify(ctx, store, other, entry)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChannelsLists(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	ks := fullKeySet(t)
	snap := oid.MustParse("4444444444444444444444444444444444444444444444444444444444444444"[:64])

	require.NoError(t, channel.Append(ctx, store, ks, "daily", 1000, snap))
	require.NoError(t, channel.Append(ctx, store, ks, "weekly", 1000, snap))

	names, err := channel.Channels(ctx, store, ks)
	require.NoError(t, err)
	assert.Equal(t, []string{"daily", "weekly"}, names)
}

func TestCurrentOnEmptyChannelIsNotFound(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	ks := fullKeySet(t)
	_, err := channel.Current(ctx, store, ks, "nothing")
	assert.Error(t, err)
}

func TestInjectedUnsignedEntryIsIgnored(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	ks := fullKeySet(t)

	legit := oid.MustParse("5555555555555555555555555555555555555555555555555555555555555555"[:64])
	forged := oid.MustParse("6666666666666666666666666666666666666666666666666666666666666666"[:64])

	require.NoError(t, channel.Append(ctx, store, ks, "daily", 1000, legit))

	// Write a later entry straight to the store, bypassing Append and its
	// signature. Raw write access to the channels/ prefix must not be
	// enough to rewrite history.
	forgedPath := channel.EntryPath("daily", 2000, forged)
	require.NoError(t, store.Put(ctx, forgedPath, []byte("not a signature")))

	entries, err := channel.List(ctx, store, ks, "daily")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, legit, entries[0].Snapshot)

	cur, err := channel.Current(ctx, store, ks, "daily")
	require.NoError(t, err)
	assert.Equal(t, legit, cur.Snapshot)
	assert.Equal(t, int64(1000), cur.Timestamp)
}

func TestChannelWithOnlyForgedEntriesIsInvisible(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	ks := fullKeySet(t)

	snap := oid.MustParse("7777777777777777777777777777777777777777777777777777777777777777"[:64])
	require.NoError(t, channel.Append(ctx, store, ks, "daily", 1000, snap))
	require.NoError(t, store.Put(ctx, channel.EntryPath("bogus", 1000, snap), []byte("junk")))

	names, err := channel.Channels(ctx, store, ks)
	require.NoError(t, err)
	assert.Equal(t, []string{"daily"}, names)

	_, err = channel.Current(ctx, store, ks, "bogus")
	assert.Error(t, err)
}
