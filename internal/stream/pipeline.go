package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/research/internal/domain"
	"github.com/xiaot623/gogo/research/internal/logger"
)

const defaultReadSize = 32 * 1024

// Pipeline runs the read loop of one attempt:
// body -> Reassembler -> Classifier -> Session (steps, frames).
type Pipeline struct {
	classifier *Classifier
	log        *logger.Logger
	readSize   int
}

// NewPipeline creates a Pipeline.
func NewPipeline(log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.NewNop()
	}
	return &Pipeline{classifier: NewClassifier(log), log: log, readSize: defaultReadSize}
}

// Run consumes body until a terminal event, EOF or ctx ends. body is always
// closed. When ctx ends the body is closed so a blocked Read returns.
//
// Errors: *domain.AttemptError for failures of the attempt (protocol, timeout,
// empty result, read failure); context.Canceled when the caller went away;
// anything else comes from the frame sink.
func (p *Pipeline) Run(ctx context.Context, body io.ReadCloser, sess *Session) (domain.AttemptResult, error) {
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer func() {
		stop()
		_ = body.Close()
		sess.reasm.Reset()
	}()

	if err := sess.Begin(ctx); err != nil {
		return domain.AttemptResult{}, err
	}

	buf := make([]byte, p.readSize)
	for {
		if err := ctx.Err(); err != nil {
			return domain.AttemptResult{}, contextFailure(ctx)
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			for _, line := range sess.reasm.Feed(buf[:n]) {
				terminal, err := p.handleLine(ctx, sess, line)
				if terminal || err != nil {
					return p.finish(sess, err)
				}
			}
		}

		if rerr == nil {
			continue
		}
		if ctx.Err() != nil {
			return domain.AttemptResult{}, contextFailure(ctx)
		}
		if !errors.Is(rerr, io.EOF) {
			return domain.AttemptResult{}, domain.NewAttemptError(domain.FailureTransport, "skills stream read", rerr)
		}
		if line, ok := sess.reasm.Flush(); ok {
			terminal, err := p.handleLine(ctx, sess, line)
			if terminal || err != nil {
				return p.finish(sess, err)
			}
		}
		p.log.Warn("skill stream ended without done", zap.Int("text_bytes", sess.TextLen()))
		return domain.AttemptResult{}, domain.NewAttemptError(domain.FailureProtocol, "skills stream", errors.New("stream ended before done"))
	}
}

func (p *Pipeline) handleLine(ctx context.Context, sess *Session, line string) (bool, error) {
	ev, ok := p.classifier.Classify(line)
	if !ok {
		return false, nil
	}
	return sess.Handle(ctx, ev)
}

func (p *Pipeline) finish(sess *Session, err error) (domain.AttemptResult, error) {
	if err != nil {
		return domain.AttemptResult{}, err
	}
	return sess.Result(), nil
}

// contextFailure maps the end of ctx to an attempt error. A deadline is a
// timeout of the attempt; cancellation means the caller is gone.
func contextFailure(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewAttemptError(domain.FailureTimeout, "skills stream", err)
	}
	return fmt.Errorf("skills stream aborted: %w", err)
}
