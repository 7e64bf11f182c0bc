package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameworkErrorUnwrap(t *testing.T) {
	base := errors.New("connection refused")
	fe := NewError("store.GetTask", KindNetwork, "task-1", base)

	assert.True(t, errors.Is(fe, base))
	assert.Equal(t, KindNetwork, KindOf(fe))
	assert.Contains(t, fe.Error(), "task-1")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewErrorf("dispatch", KindTimeout, "deadline exceeded")))
	assert.True(t, IsRetryable(NewErrorf("dispatch", KindNetwork, "dial tcp: timeout")))
	assert.False(t, IsRetryable(NewErrorf("dispatch", KindPolicyViolation, "host not allowed")))
	assert.False(t, IsRetryable(NewErrorf("dispatch", KindInvalidInput, "missing field")))
	assert.False(t, IsRetryable(errors.New("unclassified")))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(ErrTaskNotFound))
	assert.True(t, IsNotFound(NewError("store.GetTask", KindNotFound, "t1", ErrTaskNotFound)))
	assert.False(t, IsNotFound(ErrStaleVersion))
}
