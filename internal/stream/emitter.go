package stream

import (
	"context"
	"fmt"

	"github.com/xiaot623/gogo/research/internal/domain"
)

// FrameSink receives frames in order. WriteFrame blocks until the frame was
// handed to the consumer, which backpressures the read loop.
type FrameSink interface {
	WriteFrame(ctx context.Context, f domain.Frame) error
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(ctx context.Context, f domain.Frame) error

func (fn FrameSinkFunc) WriteFrame(ctx context.Context, f domain.Frame) error { return fn(ctx, f) }

// Emitter stamps frames with a request-wide sequence number and writes them
// to the sink. One Emitter serves every attempt of a request; attempts run
// sequentially so no locking is needed.
type Emitter struct {
	sink FrameSink
	seq  int64
}

// NewEmitter creates an Emitter writing to sink.
func NewEmitter(sink FrameSink) *Emitter {
	return &Emitter{sink: sink}
}

// Seq returns the sequence number of the last frame written.
func (e *Emitter) Seq() int64 { return e.seq }

func (e *Emitter) emit(ctx context.Context, f domain.Frame) error {
	e.seq++
	f.Seq = e.seq
	if err := e.sink.WriteFrame(ctx, f); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", f.Kind, err)
	}
	return nil
}

func (e *Emitter) StartStep(ctx context.Context, messageID string) error {
	return e.emit(ctx, domain.Frame{Kind: domain.FrameKindStartStep, MessageID: messageID})
}

func (e *Emitter) Text(ctx context.Context, delta string) error {
	return e.emit(ctx, domain.Frame{Kind: domain.FrameKindText, Text: delta})
}

// Annotate writes one annotation frame carrying all given annotations.
func (e *Emitter) Annotate(ctx context.Context, anns ...domain.Annotation) error {
	return e.emit(ctx, domain.Frame{Kind: domain.FrameKindAnnotation, Annotations: anns})
}

func (e *Emitter) ToolCall(ctx context.Context, call domain.ToolCallPart) error {
	return e.emit(ctx, domain.Frame{Kind: domain.FrameKindToolCall, ToolCall: &call})
}

func (e *Emitter) ToolResult(ctx context.Context, res domain.ToolResultPart) error {
	return e.emit(ctx, domain.Frame{Kind: domain.FrameKindToolResult, ToolResult: &res})
}

func (e *Emitter) FinishStep(ctx context.Context, reason string) error {
	return e.emit(ctx, domain.Frame{Kind: domain.FrameKindFinishStep, Finish: &domain.FinishPart{Reason: reason}})
}

func (e *Emitter) FinishMessage(ctx context.Context, reason string, usage *domain.Usage) error {
	return e.emit(ctx, domain.Frame{Kind: domain.FrameKindFinishMessage, Finish: &domain.FinishPart{Reason: reason, Usage: usage}})
}
