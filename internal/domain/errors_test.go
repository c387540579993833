package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttemptError(t *testing.T) {
	err := &AttemptError{Kind: FailureTransport, Op: "skills invoke", Status: 500, Err: errors.New("internal")}
	assert.Equal(t, "skills invoke failed (transport) [500]: internal", err.Error())

	wrapped := fmt.Errorf("primary: %w", err)
	kind, ok := FailureKindOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, FailureTransport, kind)

	_, ok = FailureKindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestAttemptErrorUnwrapsDeadline(t *testing.T) {
	err := NewAttemptError(FailureTimeout, "skills stream", context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFallbackExhaustedError(t *testing.T) {
	primary := NewAttemptError(FailureProtocol, "skills stream", errors.New("upstream error"))
	fallback := errors.New("llm down")
	err := &FallbackExhaustedError{Primary: primary, Fallback: fallback}

	assert.ErrorIs(t, err, fallback)
	var ae *AttemptError
	assert.ErrorAs(t, err, &ae)
	assert.Equal(t, FailureProtocol, ae.Kind)
	assert.Contains(t, err.Error(), "llm down")
}

func TestLastUserContent(t *testing.T) {
	req := &ChatRequest{Messages: []ChatMessage{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "second"},
		{Role: "assistant", Content: ""},
	}}
	assert.Equal(t, "second", req.LastUserContent())
	assert.Equal(t, "", (&ChatRequest{}).LastUserContent())
}
