package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/research/internal/domain"
	"github.com/xiaot623/gogo/research/internal/logger"
	"github.com/xiaot623/gogo/research/internal/repository"
)

// recorder writes run trace events.
type recorder struct {
	store store.Store
	log   *logger.Logger
}

// recordEvent records an event to the store.
func (r *recorder) recordEvent(ctx context.Context, runID string, eventType domain.EventType, payload interface{}) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	event := &domain.Event{
		EventID: "evt_" + uuid.New().String()[:8],
		RunID:   runID,
		Ts:      time.Now().UnixMilli(),
		Type:    eventType,
		Payload: payloadBytes,
	}

	return r.store.CreateEvent(ctx, event)
}

// trace records an event and only logs failures. Events are written even
// after the request context was cancelled.
func (r *recorder) trace(ctx context.Context, runID string, eventType domain.EventType, payload interface{}) {
	if err := r.recordEvent(context.WithoutCancel(ctx), runID, eventType, payload); err != nil {
		r.log.Warn("failed to record event",
			zap.String("run_id", runID),
			zap.String("type", string(eventType)),
			zap.Error(err))
	}
}
