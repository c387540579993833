package domain

import (
	"errors"
	"fmt"
)

// AttemptError ends a primary or fallback attempt. It never escapes the
// orchestrator for a primary attempt; the fallback path takes over.
type AttemptError struct {
	Kind   FailureKind
	Op     string
	Status int // HTTP status for transport failures, 0 otherwise
	Err    error
}

func (e *AttemptError) Error() string {
	msg := fmt.Sprintf("%s failed (%s)", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" [%d]", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AttemptError) Unwrap() error { return e.Err }

// NewAttemptError builds an AttemptError.
func NewAttemptError(kind FailureKind, op string, err error) *AttemptError {
	return &AttemptError{Kind: kind, Op: op, Err: err}
}

// FailureKindOf returns the failure kind carried by err, if any.
func FailureKindOf(err error) (FailureKind, bool) {
	var ae *AttemptError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}

// FallbackExhaustedError is returned when both the primary attempt and the
// fallback loop failed.
type FallbackExhaustedError struct {
	Primary  error
	Fallback error
}

func (e *FallbackExhaustedError) Error() string {
	return fmt.Sprintf("research failed: primary: %v; fallback: %v", e.Primary, e.Fallback)
}

func (e *FallbackExhaustedError) Unwrap() []error {
	return []error{e.Primary, e.Fallback}
}

var (
	// ErrSkillNotFound is returned for an unknown skill name.
	ErrSkillNotFound = errors.New("skill not found")
	// ErrSessionNotFound is returned when a session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrRunNotFound is returned when a run does not exist.
	ErrRunNotFound = errors.New("run not found")
	// ErrEmptyConversation is returned for a chat request without messages.
	ErrEmptyConversation = errors.New("conversation has no messages")
)
