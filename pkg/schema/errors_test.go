package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSkvError(t *testing.T) {
	cause := errors.New("disk full")
	err := NewErrorf(ErrCodeStore, "append %d", 3).WithCause(cause).WithDetails(map[string]any{"backend": "file"})

	assert.Equal(t, "[STORE_ERROR] append 3", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "file", err.Details["backend"])
}

func TestHasCode(t *testing.T) {
	inner := NewError(ErrCodeInvalidKey, "bad tag")
	outer := NewError(ErrCodeStore, "load").WithCause(inner)
	wrapped := fmt.Errorf("restore: %w", outer)

	assert.True(t, HasCode(wrapped, ErrCodeStore))
	assert.True(t, HasCode(wrapped, ErrCodeInvalidKey))
	assert.False(t, HasCode(wrapped, ErrCodeNotFound))
	assert.False(t, HasCode(errors.New("plain"), ErrCodeStore))
	assert.False(t, HasCode(nil, ErrCodeStore))
}
