package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/research/internal/domain"
	"github.com/xiaot623/gogo/research/internal/logger"
)

const defaultPersistTimeout = 10 * time.Second

// HistoryStore keeps finished exchanges.
type HistoryStore interface {
	AppendTranscript(ctx context.Context, t domain.Transcript) error
}

// PersistHook saves a transcript once the stream has finished. It runs
// detached from the request so a client that disconnects right after the
// last frame still gets its history written.
type PersistHook struct {
	store   HistoryStore
	timeout time.Duration
	log     *logger.Logger
}

// NewPersistHook creates a PersistHook.
func NewPersistHook(store HistoryStore, timeout time.Duration, log *logger.Logger) *PersistHook {
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}
	return &PersistHook{store: store, timeout: timeout, log: log}
}

// Persist writes t. Failures are logged and returned; they never affect the
// stream that was already delivered.
func (p *PersistHook) Persist(ctx context.Context, t domain.Transcript) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if err := p.store.AppendTranscript(pctx, t); err != nil {
		p.log.Error("failed to persist transcript",
			zap.String("session_id", t.SessionID),
			zap.String("run_id", t.RunID),
			zap.Error(err))
		return fmt.Errorf("failed to persist transcript: %w", err)
	}
	return nil
}
