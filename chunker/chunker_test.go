package chunker

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(n int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	r.Read(b)
	return b
}

func TestSplitReassemblesExactly(t *testing.T) {
	data := randomBytes(5*1024*1024, 1)

	chunks, err := SplitAll(bytes.NewReader(data))
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	var reassembled []byte
	for _, c := range chunks {
		reassembled = append(reassembled, c.Data...)
	}
	assert.Equal(t, data, reassembled)
}

func TestSplitRespectsMaxSize(t *testing.T) {
	data := randomBytes(10*1024*1024, 2)

	chunks, err := SplitAll(bytes.NewReader(data))
	require.NoError(t, err)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Data), MaxSize)
	}
}

func TestSplitIsStableAcrossInsertion(t *testing.T) {
	base := randomBytes(3*1024*1024, 3)

	original, err := SplitAll(bytes.NewReader(base))
	require.NoError(t, err)

	inserted := make([]byte, 0, len(base)+128)
	inserted = append(inserted, base[:len(base)/2]...)
	inserted = append(inserted, randomBytes(128, 99)...)
	inserted = append(inserted, base[len(base)/2:]...)

	modified, err := SplitAll(bytes.NewReader(inserted))
	require.NoError(t, err)

	originalSet := make(map[string]bool, len(original))
	for _, c := range original {
		originalSet[string(c.Data)] = true
	}
	var reused int
	for _, c := range modified {
		if originalSet[string(c.Data)] {
			reused++
		}
	}
	assert.Greater(t, reused, 0, "content-defined chunking should preserve some chunks across an unrelated insertion")
}

func TestSplitEmptyReader(t *testing.T) {
	chunks, err := SplitAll(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Empty(t, chunks)
}
