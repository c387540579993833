package stream

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/research/internal/domain"
	"github.com/xiaot623/gogo/research/internal/logger"
)

// SessionOptions configures a Session.
type SessionOptions struct {
	// FilesBaseURL is advertised in skill_files annotations.
	FilesBaseURL string
	Logger       *logger.Logger
	// Now is used for keepalive timestamps.
	Now func() time.Time
}

// Session is the state of one attempt: reassembly buffer, steps, accumulated
// text, files and usage. A new Session is created for every attempt and is
// never shared.
type Session struct {
	messageID string
	em        *Emitter
	reasm     Reassembler
	steps     *StepTracker
	text      strings.Builder
	frames    int

	fileIDs     []string
	usage       *domain.Usage
	model       string
	containerID string

	filesBaseURL string
	now          func() time.Time
}

// NewSession creates a session writing through em.
func NewSession(em *Emitter, opts SessionOptions) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Session{
		messageID:    "msg-" + uuid.New().String(),
		em:           em,
		steps:        NewStepTracker(opts.Logger),
		filesBaseURL: opts.FilesBaseURL,
		now:          opts.Now,
	}
}

// MessageID is the id announced in this session's start_step frame.
func (s *Session) MessageID() string { return s.messageID }

// Emitter returns the emitter the session writes through.
func (s *Session) Emitter() *Emitter { return s.em }

// Frames returns how many frames this session has written.
func (s *Session) Frames() int { return s.frames }

// Steps returns the session's steps in start order.
func (s *Session) Steps() []domain.Step { return s.steps.Steps() }

// TextLen returns the number of bytes of text accumulated so far.
func (s *Session) TextLen() int { return s.text.Len() }

// Begin writes the start_step frame.
func (s *Session) Begin(ctx context.Context) error {
	s.frames++
	return s.em.StartStep(ctx, s.messageID)
}

// Text accumulates delta and writes it as a text frame.
func (s *Session) Text(ctx context.Context, delta string) error {
	s.text.WriteString(delta)
	s.frames++
	return s.em.Text(ctx, delta)
}

func (s *Session) annotate(ctx context.Context, typ string, data any) error {
	s.frames++
	return s.em.Annotate(ctx, domain.Annotation{Type: typ, Data: data})
}

// Annotate writes one annotation.
func (s *Session) Annotate(ctx context.Context, typ string, data any) error {
	return s.annotate(ctx, typ, data)
}

// Finish writes finish_step and finish_message.
func (s *Session) Finish(ctx context.Context, reason string, usage *domain.Usage) error {
	if usage != nil {
		s.usage = usage
	}
	s.frames += 2
	if err := s.em.FinishStep(ctx, reason); err != nil {
		return err
	}
	return s.em.FinishMessage(ctx, reason, s.usage)
}

// NextStep closes the current step with reason and opens the next one under
// the same message id.
func (s *Session) NextStep(ctx context.Context, reason string) error {
	s.frames++
	if err := s.em.FinishStep(ctx, reason); err != nil {
		return err
	}
	return s.Begin(ctx)
}

// ToolCall writes a complete tool call.
func (s *Session) ToolCall(ctx context.Context, call domain.ToolCallPart) error {
	s.frames++
	return s.em.ToolCall(ctx, call)
}

// ToolResult writes the result of a tool call.
func (s *Session) ToolResult(ctx context.Context, res domain.ToolResultPart) error {
	s.frames++
	return s.em.ToolResult(ctx, res)
}

// SetUsage records usage reported outside the skill stream.
func (s *Session) SetUsage(u *domain.Usage) { s.usage = u }

// Handle translates one upstream event into frames. It returns true once the
// attempt reached a terminal event. A terminal error is an
// *domain.AttemptError; any other error comes from the sink.
func (s *Session) Handle(ctx context.Context, ev domain.UpstreamEvent) (bool, error) {
	switch ev.Kind {
	case domain.EventKindTextDelta:
		return false, s.Text(ctx, ev.Text)

	case domain.EventKindStepStart:
		step := s.steps.Start(ev.Step)
		return false, s.annotate(ctx, domain.AnnotationSkillStep, s.stepAnnotation(step))

	case domain.EventKindStepComplete:
		step, changed := s.steps.Complete(ev.Step)
		if !changed {
			return false, nil
		}
		return false, s.annotate(ctx, domain.AnnotationSkillStep, s.stepAnnotation(step))

	case domain.EventKindResultPhase:
		state := domain.StepStateRunning
		if ev.Result.Phase == domain.ResultPhaseComplete {
			state = domain.StepStateCompleted
		}
		return false, s.annotate(ctx, domain.AnnotationSkillResult, domain.ResultAnnotation{
			ResultType: ev.Result.Kind,
			State:      state,
		})

	case domain.EventKindMessageStop:
		return false, s.annotate(ctx, domain.AnnotationSkillComplete, s.steps.Summary(ev.TotalSteps))

	case domain.EventKindKeepalive:
		return false, s.annotate(ctx, domain.AnnotationKeepalive, domain.KeepaliveAnnotation{
			Timestamp: s.now().UnixMilli(),
		})

	case domain.EventKindDone:
		return true, s.done(ctx, ev.Done)

	case domain.EventKindError:
		return true, domain.NewAttemptError(domain.FailureProtocol, "skills stream", errors.New(ev.Text))
	}
	return false, nil
}

func (s *Session) done(ctx context.Context, d *domain.DoneEvent) error {
	s.usage = d.Usage
	s.fileIDs = d.FileIDs
	s.model = d.Model
	s.containerID = d.ContainerID

	if len(d.FileIDs) > 0 {
		if err := s.annotate(ctx, domain.AnnotationSkillFiles, domain.FilesAnnotation{
			FileIDs:         d.FileIDs,
			DownloadBaseURL: s.filesBaseURL,
		}); err != nil {
			return err
		}
	}
	if s.text.Len() == 0 {
		return domain.NewAttemptError(domain.FailureEmptyResult, "skills stream", errors.New("done without text"))
	}
	return s.Finish(ctx, domain.FinishReasonStop, d.Usage)
}

func (s *Session) stepAnnotation(step domain.Step) domain.StepAnnotation {
	return domain.StepAnnotation{
		StepID:     step.ID,
		StepNumber: step.Number,
		StepType:   step.Type,
		ToolName:   step.ToolName,
		State:      step.State,
		TotalSteps: s.steps.Len(),
	}
}

// Result returns what the session produced.
func (s *Session) Result() domain.AttemptResult {
	return domain.AttemptResult{
		MessageID:   s.messageID,
		Text:        s.text.String(),
		Usage:       s.usage,
		FileIDs:     s.fileIDs,
		Steps:       s.steps.Steps(),
		Model:       s.model,
		ContainerID: s.containerID,
	}
}
