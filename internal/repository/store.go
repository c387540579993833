// Package store defines the history and trace storage.
package store

import (
	"context"

	"github.com/xiaot623/gogo/research/internal/domain"
)

// Store defines the interface for data persistence.
type Store interface {
	// Session operations
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	GetOrCreateSession(ctx context.Context, sessionID, userID string) (*domain.Session, error)

	// Message operations
	GetMessages(ctx context.Context, sessionID string, limit int, before string) ([]domain.Message, error)

	// Run operations
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	UpdateRunPath(ctx context.Context, runID string, path domain.RunPath) error
	UpdateRunCompleted(ctx context.Context, runID string, status domain.RunStatus, errData []byte) error

	// Event operations
	CreateEvent(ctx context.Context, event *domain.Event) error
	GetEvents(ctx context.Context, runID string, afterTs int64, types []string, limit int) ([]domain.Event, error)

	// AppendTranscript stores the user and assistant messages of a finished
	// run and marks the run done, atomically.
	AppendTranscript(ctx context.Context, t domain.Transcript) error

	// Lifecycle
	Close() error
}
