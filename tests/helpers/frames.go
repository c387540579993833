package helpers

import (
	"context"
	"strings"
	"sync"

	"github.com/xiaot623/gogo/research/internal/domain"
)

// FrameRecorder is a frame sink that keeps every frame it receives.
type FrameRecorder struct {
	mu     sync.Mutex
	frames []domain.Frame

	// Err, when set, is returned for every write after the first FailAfter
	// frames.
	Err       error
	FailAfter int
}

func (r *FrameRecorder) WriteFrame(_ context.Context, f domain.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil && len(r.frames) >= r.FailAfter {
		return r.Err
	}
	r.frames = append(r.frames, f)
	return nil
}

// Frames returns a copy of the recorded frames.
func (r *FrameRecorder) Frames() []domain.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Frame(nil), r.frames...)
}

// Kinds returns the kinds of the recorded frames in order.
func (r *FrameRecorder) Kinds() []domain.FrameKind {
	frames := r.Frames()
	kinds := make([]domain.FrameKind, len(frames))
	for i, f := range frames {
		kinds[i] = f.Kind
	}
	return kinds
}

// Text concatenates all text frames.
func (r *FrameRecorder) Text() string {
	var b strings.Builder
	for _, f := range r.Frames() {
		if f.Kind == domain.FrameKindText {
			b.WriteString(f.Text)
		}
	}
	return b.String()
}

// Count returns how many frames of kind were recorded.
func (r *FrameRecorder) Count(kind domain.FrameKind) int {
	n := 0
	for _, f := range r.Frames() {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// Annotations returns the annotations of the given type in order.
func (r *FrameRecorder) Annotations(typ string) []domain.Annotation {
	var out []domain.Annotation
	for _, f := range r.Frames() {
		for _, a := range f.Annotations {
			if a.Type == typ {
				out = append(out, a)
			}
		}
	}
	return out
}
