package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/xiaot623/gogo/research/internal/domain"
)

// ErrStreamFinished is returned for any frame written after finish_message.
var ErrStreamFinished = errors.New("stream already finished")

// TerminalGuard wraps a sink so that at most one finish_message passes and
// nothing follows it.
type TerminalGuard struct {
	next     FrameSink
	mu       sync.Mutex
	finished bool
}

// NewTerminalGuard wraps next.
func NewTerminalGuard(next FrameSink) *TerminalGuard {
	return &TerminalGuard{next: next}
}

func (g *TerminalGuard) WriteFrame(ctx context.Context, f domain.Frame) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finished {
		return ErrStreamFinished
	}
	if err := g.next.WriteFrame(ctx, f); err != nil {
		return err
	}
	if f.Kind == domain.FrameKindFinishMessage {
		g.finished = true
	}
	return nil
}

// Finished reports whether finish_message was written.
func (g *TerminalGuard) Finished() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.finished
}

// Tee writes every frame to primary, then to each observer. Observer errors
// are passed to onErr and never fail the write.
type Tee struct {
	primary   FrameSink
	observers []FrameSink
	onErr     func(error)
}

// NewTee creates a Tee. onErr may be nil.
func NewTee(primary FrameSink, onErr func(error), observers ...FrameSink) *Tee {
	return &Tee{primary: primary, observers: observers, onErr: onErr}
}

func (t *Tee) WriteFrame(ctx context.Context, f domain.Frame) error {
	if err := t.primary.WriteFrame(ctx, f); err != nil {
		return err
	}
	for _, o := range t.observers {
		if err := o.WriteFrame(ctx, f); err != nil && t.onErr != nil {
			t.onErr(err)
		}
	}
	return nil
}
