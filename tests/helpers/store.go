package helpers

import (
	"context"
	"testing"

	"github.com/xiaot623/gogo/research/internal/domain"
	"github.com/xiaot623/gogo/research/internal/repository"
)

// NewTestSQLiteStore opens an in-memory history store closed at test end.
func NewTestSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// EventTypes returns the trace event types of a run in recorded order.
func EventTypes(t *testing.T, s store.Store, runID string) []domain.EventType {
	t.Helper()

	events, err := s.GetEvents(context.Background(), runID, 0, nil, 1000)
	if err != nil {
		t.Fatalf("failed to load events of %s: %v", runID, err)
	}
	types := make([]domain.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}
