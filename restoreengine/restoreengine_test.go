package restoreengine_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rekkord/blobstore"
	"rekkord/keyring"
	"rekkord/objectstore"
	"rekkord/rekkorderr"
	"rekkord/restoreengine"
	"rekkord/saveengine"
)

func keySet(t *testing.T, role keyring.Role) (*keyring.Master, *keyring.KeySet) {
	t.Helper()
	m, err := keyring.InitMaster()
	require.NoError(t, err)
	ks, err := keyring.Derive(m, role)
	require.NoError(t, err)
	return m, ks
}

func saveTree(t *testing.T, bs *blobstore.Store, ks *keyring.KeySet, src string) saveengine.Result {
	t.Helper()
	result, err := saveengine.Save(context.Background(), bs, ks, nil, "daily", []string{src}, saveengine.Settings{})
	require.NoError(t, err)
	require.Empty(t, result.FileErrors)
	return result
}

func TestRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, ks := keySet(t, keyring.RoleFull)
	backend := objectstore.NewMemory()
	bs := blobstore.New(backend, ks, nil, 4)

	src := t.TempDir()
	big := bytes.Repeat([]byte{0x42}, 1<<20)
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(src, "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b", "c.bin"), big, 0o644))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(src, "alias")))

	saved := saveTree(t, bs, ks, src)

	dest := t.TempDir()
	result, err := restoreengine.Restore(ctx, bs, saved.Snapshot, dest, restoreengine.Settings{})
	require.NoError(t, err)
	require.False(t, result.Failed(), "errors: %v", result.Errors)
	assert.Equal(t, 2, result.FilesWritten)
	assert.Equal(t, 1, result.LinksWritten)

	// the save wrapped src in a root dir entry named after its base
	out := filepath.Join(dest, filepath.Base(src))

	data, err := os.ReadFile(filepath.Join(out, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	data, err = os.ReadFile(filepath.Join(out, "b", "c.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(big, data))

	target, err := os.Readlink(filepath.Join(out, "alias"))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", target)

	info, err := os.Stat(filepath.Join(out, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	srcInfo, err := os.Stat(filepath.Join(src, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, srcInfo.ModTime().UnixMilli(), info.ModTime().UnixMilli())
}

func TestRestoreRefusesWriteOnlyKey(t *testing.T) {
	ctx := context.Background()
	m, full := keySet(t, keyring.RoleFull)
	backend := objectstore.NewMemory()
	bs := blobstore.New(backend, full, nil, 4)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0o644))
	saved := saveTree(t, bs, full, src)

	write, err := keyring.Derive(m, keyring.RoleWrite)
	require.NoError(t, err)
	wbs := blobstore.New(backend, write, nil, 4)

	_, err = restoreengine.Restore(ctx, wbs, saved.Snapshot, t.TempDir(), restoreengine.Settings{})
	require.Error(t, err)
	assert.True(t, rekkorderr.Is(err, rekkorderr.Auth))
}

func TestRestoreDryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	_, ks := keySet(t, keyring.RoleFull)
	backend := objectstore.NewMemory()
	bs := blobstore.New(backend, ks, nil, 4)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0o644))
	saved := saveTree(t, bs, ks, src)

	dest := t.TempDir()
	result, err := restoreengine.Restore(ctx, bs, saved.Snapshot, dest, restoreengine.Settings{DryRun: true})
	require.NoError(t, err)
	assert.False(t, result.Failed())
	assert.Equal(t, 1, result.FilesWritten)

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRestoreUnlinkExtras(t *testing.T) {
	ctx := context.Background()
	_, ks := keySet(t, keyring.RoleFull)
	backend := objectstore.NewMemory()
	bs := blobstore.New(backend, ks, nil, 4)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "keep.txt"), []byte("keep"), 0o644))
	saved := saveTree(t, bs, ks, src)

	dest := t.TempDir()
	out := filepath.Join(dest, filepath.Base(src))
	require.NoError(t, os.MkdirAll(out, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(out, "stray.txt"), []byte("stray"), 0o644))

	result, err := restoreengine.Restore(ctx, bs, saved.Snapshot, dest, restoreengine.Settings{Force: true, UnlinkExtras: true})
	require.NoError(t, err)
	require.False(t, result.Failed(), "errors: %v", result.Errors)

	_, err = os.Stat(filepath.Join(out, "keep.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(out, "stray.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestRestoreWithoutForceRefusesOverwrite(t *testing.T) {
	ctx := context.Background()
	_, ks := keySet(t, keyring.RoleFull)
	backend := objectstore.NewMemory()
	bs := blobstore.New(backend, ks, nil, 4)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("new"), 0o644))
	saved := saveTree(t, bs, ks, src)

	dest := t.TempDir()
	out := filepath.Join(dest, filepath.Base(src))
	require.NoError(t, os.MkdirAll(out, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(out, "a.txt"), []byte("old"), 0o644))

	result, err := restoreengine.Restore(ctx, bs, saved.Snapshot, dest, restoreengine.Settings{})
	require.NoError(t, err)
	assert.True(t, result.Failed())

	data, err := os.ReadFile(filepath.Join(out, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), data)
}

// slowGetStore meters how many Gets are in flight at once, holding each
// one open briefly so genuinely concurrent fetches overlap.
type slowGetStore struct {
	objectstore.Store
	mu          sync.Mutex
	inFlight    int
	maxInFlight int
}

func (s *slowGetStore) Get(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	s.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	data, err := s.Store.Get(ctx, path)
	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
	return data, err
}

// patternData fills n bytes from a fixed linear-congruential sequence so
// every chunk of the test file is distinct.
func patternData(n int) []byte {
	b := make([]byte, n)
	x := uint32(1)
	for i := range b {
		x = x*1664525 + 1013904223
		b[i] = byte(x >> 16)
	}
	return b
}

func TestChunkFetchesRunConcurrently(t *testing.T) {
	ctx := context.Background()
	_, ks := keySet(t, keyring.RoleFull)
	mem := objectstore.NewMemory()
	bs := blobstore.New(mem, ks, nil, 4)

	src := t.TempDir()
	// 17 MiB guarantees at least three chunks, since no chunk may exceed
	// 8 MiB.
	big := patternData(17 << 20)
	require.NoError(t, os.WriteFile(filepath.Join(src, "big.bin"), big, 0o644))
	saved := saveTree(t, bs, ks, src)

	// A fresh blob store over a metering backend, so the save's hot cache
	// can't satisfy the reads.
	slow := &slowGetStore{Store: mem}
	rbs := blobstore.New(slow, ks, nil, 4)

	dest := t.TempDir()
	result, err := restoreengine.Restore(ctx, rbs, saved.Snapshot, dest, restoreengine.Settings{})
	require.NoError(t, err)
	require.False(t, result.Failed(), "errors: %v", result.Errors)

	data, err := os.ReadFile(filepath.Join(dest, filepath.Base(src), "big.bin"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(big, data))

	slow.mu.Lock()
	max := slow.maxInFlight
	slow.mu.Unlock()
	assert.GreaterOrEqual(t, max, 2, "chunk fetches never overlapped")
}
