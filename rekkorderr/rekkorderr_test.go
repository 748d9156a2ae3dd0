package rekkorderr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAndKindOf(t *testing.T) {
	cause := errors.New("boom")
	err := New(CorruptBlob, "decode blob", cause)

	assert.True(t, Is(err, CorruptBlob))
	assert.False(t, Is(err, NotFound))
	assert.Equal(t, CorruptBlob, KindOf(err))
	assert.ErrorIs(t, err, cause)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(Io, "put", nil)))
	assert.False(t, Retryable(New(Auth, "unseal", nil)))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestKindOfUnknown(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
}
