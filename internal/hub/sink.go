package hub

import (
	"context"
	"time"

	"github.com/xiaot623/gogo/research/internal/domain"
)

// RunSink publishes the frames of one run to the session's watchers.
// It implements stream.FrameSink and never blocks the request.
type RunSink struct {
	hub       *Hub
	sessionID string
	runID     string
}

// SinkFor returns a RunSink for a run.
func (h *Hub) SinkFor(sessionID, runID string) *RunSink {
	return &RunSink{hub: h, sessionID: sessionID, runID: runID}
}

func (s *RunSink) WriteFrame(_ context.Context, f domain.Frame) error {
	if !s.hub.HasActiveConnections(s.sessionID) {
		return nil
	}
	return s.hub.BroadcastJSON(s.sessionID, Message{
		Type:      TypeFrame,
		Ts:        time.Now().UnixMilli(),
		SessionID: s.sessionID,
		RunID:     s.runID,
		Frame:     &f,
	})
}

// Started announces the run.
func (s *RunSink) Started() {
	_ = s.hub.BroadcastJSON(s.sessionID, Message{
		Type:      TypeRunStarted,
		Ts:        time.Now().UnixMilli(),
		SessionID: s.sessionID,
		RunID:     s.runID,
	})
}

// Ended announces the final run status.
func (s *RunSink) Ended(status domain.RunStatus, err error) {
	msg := Message{
		Type:      TypeRunEnded,
		Ts:        time.Now().UnixMilli(),
		SessionID: s.sessionID,
		RunID:     s.runID,
		Status:    string(status),
	}
	if err != nil {
		msg.Error = err.Error()
	}
	_ = s.hub.BroadcastJSON(s.sessionID, msg)
}
