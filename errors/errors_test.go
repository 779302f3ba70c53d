package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindValidation, "validation"},
		{KindTransport, "transport"},
		{KindService, "service"},
		{KindTimeout, "timeout"},
		{KindCanceled, "canceled"},
		{Kind(42), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}

func TestClassifiedWrapping(t *testing.T) {
	err := Validation(ErrEmptyKey, "Client", "Set", "validate key")
	require.Error(t, err)

	assert.True(t, Is(err, ErrEmptyKey), "sentinel must survive wrapping")
	assert.True(t, IsValidation(err))
	assert.False(t, IsTransport(err))
	assert.Contains(t, err.Error(), "Client.Set")

	var ce *Error
	require.True(t, As(err, &ce))
	assert.Equal(t, "Client", ce.Component)
	assert.Equal(t, "Set", ce.Operation)
}

func TestClassifyNilReturnsNil(t *testing.T) {
	assert.NoError(t, Validation(nil, "c", "op", "a"))
	assert.NoError(t, Transport(nil, "c", "op", "a"))
	assert.NoError(t, Service(nil, "c", "op", "a"))
	assert.NoError(t, Timeout(nil, "c", "op", "a"))
	assert.NoError(t, Canceled(nil, "c", "op", "a"))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindCanceled, KindOf(context.Canceled))
	assert.Equal(t, KindTransport, KindOf(New("socket closed")))

	wrapped := fmt.Errorf("publish: %w", context.DeadlineExceeded)
	assert.Equal(t, KindTimeout, KindOf(wrapped))
}

func TestNestedClassificationWins(t *testing.T) {
	inner := Timeout(ErrInvocationTimeout, "Invoker", "Invoke", "await response")
	outer := fmt.Errorf("call failed: %w", inner)

	assert.True(t, IsTimeout(outer))
	assert.True(t, Is(outer, ErrInvocationTimeout))
}
