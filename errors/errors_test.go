package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"not connected", ErrNotConnected, true},
		{"connection lost", ErrConnectionLost, true},
		{"transport unavailable", ErrTransportUnavailable, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"timeout in message", fmt.Errorf("i/o timeout"), true},
		{"unknown type", ErrUnknownType, false},
		{"classified transient", WrapTransient(errors.New("x"), "C", "M", "a"), true},
		{"classified fatal", WrapFatal(errors.New("connection refused"), "C", "M", "a"), false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.True(t, IsFatal(WrapFatal(ErrPublishFailed, "Registrar", "tick", "publish")))
	assert.False(t, IsFatal(ErrNotConnected))

	// Classification survives an extra layer of wrapping
	wrapped := fmt.Errorf("run: %w", WrapFatal(errors.New("boom"), "Controller", "Start", "subscribe"))
	assert.True(t, IsFatal(wrapped))
}

func TestIsInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrUnknownType))
	assert.True(t, IsInvalid(fmt.Errorf("resolve pkg/Missing: %w", ErrUnknownType)))
	assert.True(t, IsInvalid(WrapInvalid(errors.New("bad"), "C", "M", "a")))
	assert.False(t, IsInvalid(ErrConnectionLost))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorFatal, Classify(WrapFatal(errors.New("x"), "C", "M", "a")))
	assert.Equal(t, ErrorInvalid, Classify(ErrInvalidType))
	assert.Equal(t, ErrorTransient, Classify(errors.New("something odd")))
	assert.Equal(t, ErrorTransient, Classify(nil))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "C", "M", "a"))
	assert.Nil(t, WrapFatal(nil, "C", "M", "a"))

	base := errors.New("refused")
	err := Wrap(base, "Client", "Connect", "dial")
	assert.Equal(t, "Client.Connect: dial failed: refused", err.Error())
	assert.ErrorIs(t, err, base)

	classified := WrapTransient(base, "Client", "Connect", "dial")
	var ce *ClassifiedError
	assert.True(t, errors.As(classified, &ce))
	assert.Equal(t, "Client", ce.Component)
	assert.Equal(t, "Connect", ce.Operation)
	assert.ErrorIs(t, classified, base)
}
