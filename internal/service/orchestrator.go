package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/research/internal/catalog"
	"github.com/xiaot623/gogo/research/internal/config"
	"github.com/xiaot623/gogo/research/internal/domain"
	"github.com/xiaot623/gogo/research/internal/logger"
	"github.com/xiaot623/gogo/research/internal/stream"
)

// Orchestrator drives one request through clarification, the primary skill
// attempt and at most one fallback attempt, all written to a single client
// stream.
type Orchestrator struct {
	recorder
	skills    SkillsAPI
	catalog   *catalog.Catalog
	pipeline  *stream.Pipeline
	clarifier *Clarifier
	fallback  *FallbackLoop
	persist   *PersistHook
	watchers  Watchers
	cfg       *config.Config
	now       func() time.Time
}

// NewOrchestrator wires an Orchestrator from deps.
func NewOrchestrator(deps Deps) *Orchestrator {
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	rec := recorder{store: deps.Store, log: log}
	cfg := deps.Config

	return &Orchestrator{
		recorder: rec,
		skills:   deps.Skills,
		catalog:  deps.Catalog,
		pipeline: stream.NewPipeline(log),
		clarifier: &Clarifier{
			recorder: rec,
			llm:      deps.LLM,
			model:    cfg.LLM.Model,
			cfg:      cfg.Clarify,
			timeout:  cfg.LLM.Timeout,
			files:    cfg.Skills.FilesBaseURL,
			now:      now,
		},
		fallback: &FallbackLoop{
			recorder: rec,
			llm:      deps.LLM,
			tools:    deps.Tools,
			policy:   deps.Policy,
			model:    cfg.LLM.Model,
			cfg:      cfg.Fallback,
			timeout:  cfg.LLM.Timeout,
			files:    cfg.Skills.FilesBaseURL,
			now:      now,
		},
		persist:  NewPersistHook(deps.Store, defaultPersistTimeout, log),
		watchers: deps.Watchers,
		cfg:      cfg,
		now:      now,
	}
}

// run is the state of one request.
type run struct {
	turn        domain.Turn
	skill       *catalog.Skill
	values      domain.FieldValues
	userContent string
	userInputs  []domain.TranscriptUserMessage
	state       domain.RunState
	status      domain.RunStatus
	persisted   bool
	em          *stream.Emitter
	log         *logger.Logger
}

// Run handles one turn, writing frames to sink. It returns nil when the
// client received a complete answer or a clarification request.
//
// Errors: a *domain.FallbackExhaustedError when both paths failed, a
// wrapped context.Canceled when the caller went away, and sink or store
// errors otherwise.
func (o *Orchestrator) Run(ctx context.Context, turn domain.Turn, sink stream.FrameSink) error {
	if len(turn.Messages) == 0 {
		return domain.ErrEmptyConversation
	}
	skill, err := o.catalog.Get(turn.Skill)
	if err != nil {
		return err
	}

	log := o.log.WithRunID(turn.RunID).WithSessionID(turn.SessionID)

	if _, err := o.store.GetOrCreateSession(ctx, turn.SessionID, turn.UserID); err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}
	if err := o.store.CreateRun(ctx, &domain.Run{
		RunID:     turn.RunID,
		SessionID: turn.SessionID,
		Skill:     skill.Name,
		Status:    domain.RunStatusRunning,
		StartedAt: o.now(),
	}); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	var out stream.FrameSink = stream.NewTerminalGuard(sink)
	var obs RunObserver
	if o.watchers != nil {
		obs = o.watchers.Observe(turn.SessionID, turn.RunID)
		obs.Started()
		out = stream.NewTee(out, func(err error) {
			log.Debug("watcher dropped frame", zap.Error(err))
		}, obs)
	}

	r := &run{
		turn:        turn,
		skill:       skill,
		values:      FieldValuesFromConversation(turn.Messages),
		userContent: lastUserContent(turn.Messages),
		userInputs:  TurnUserMessages(turn.Messages, skill),
		state:       domain.RunStateIdle,
		status:      domain.RunStatusDone,
		em:          stream.NewEmitter(out),
		log:         log,
	}

	o.trace(ctx, turn.RunID, domain.EventTypeRunStarted, domain.RunStartedPayload{
		SessionID: turn.SessionID,
		UserID:    turn.UserID,
		Skill:     skill.Name,
	})
	o.trace(ctx, turn.RunID, domain.EventTypeUserInput, domain.UserInputPayload{
		Content:     r.userContent,
		FieldValues: r.values,
	})

	err = o.execute(ctx, r)
	status := o.finalize(ctx, r, err)
	if obs != nil {
		obs.Ended(status, err)
	}
	return err
}

func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	if missing := r.skill.MissingFields(r.values); len(missing) > 0 {
		return o.clarify(ctx, r, missing)
	}

	req, err := r.skill.BuildRequest(r.values)
	if err != nil {
		return err
	}

	res, perr := o.primary(ctx, r, req)
	if perr == nil {
		o.transition(ctx, r, domain.RunStatePrimarySucceeded)
		return o.complete(ctx, r, domain.RunPathPrimary, res)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("skills stream aborted: %w", ctx.Err())
	}
	kind, ok := domain.FailureKindOf(perr)
	if !ok {
		return perr
	}

	r.log.Warn("primary skill run failed, falling back", zap.String("kind", string(kind)), zap.Error(perr))
	o.trace(ctx, r.turn.RunID, domain.EventTypeSkillFailed, attemptFailed(perr))
	o.transition(ctx, r, domain.RunStatePrimaryFailed)

	if err := r.em.Annotate(ctx, domain.Annotation{
		Type: domain.AnnotationSkillFallback,
		Data: domain.FallbackAnnotation{
			Reason: "primary skill run failed: " + string(kind),
			Kind:   kind,
		},
	}); err != nil {
		return err
	}

	o.transition(ctx, r, domain.RunStateFallbackAttempt)
	if err := o.store.UpdateRunPath(ctx, r.turn.RunID, domain.RunPathFallback); err != nil {
		r.log.Warn("failed to update run path", zap.Error(err))
	}
	o.trace(ctx, r.turn.RunID, domain.EventTypeFallbackStarted, domain.AttemptFailedPayload{
		Kind:    kind,
		Message: "primary skill run failed",
	})

	fres, ferr := o.fallback.Run(ctx, FallbackInput{
		RunID:        r.turn.RunID,
		Skill:        r.skill,
		Values:       r.values,
		Request:      req,
		Conversation: r.turn.Messages,
	}, r.em, r.log)
	if ferr == nil {
		o.trace(ctx, r.turn.RunID, domain.EventTypeFallbackDone, attemptDone(fres))
		o.transition(ctx, r, domain.RunStateFallbackSucceeded)
		return o.complete(ctx, r, domain.RunPathFallback, fres)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("fallback aborted: %w", ctx.Err())
	}
	if _, ok := domain.FailureKindOf(ferr); !ok {
		return ferr
	}

	o.trace(ctx, r.turn.RunID, domain.EventTypeFallbackFailed, attemptFailed(ferr))
	o.transition(ctx, r, domain.RunStateFallbackFailed)
	return &domain.FallbackExhaustedError{Primary: perr, Fallback: ferr}
}

// primary runs the skill stream under the skills timeout.
func (o *Orchestrator) primary(ctx context.Context, r *run, req domain.ExecutionRequest) (domain.AttemptResult, error) {
	o.transition(ctx, r, domain.RunStatePrimaryAttempt)
	if err := o.store.UpdateRunPath(ctx, r.turn.RunID, domain.RunPathPrimary); err != nil {
		r.log.Warn("failed to update run path", zap.Error(err))
	}
	o.trace(ctx, r.turn.RunID, domain.EventTypeSkillInvoked, domain.SkillInvokePayload{
		SkillIDs:  req.SkillIDs,
		MaxTokens: req.MaxTokens,
	})

	pctx, cancel := context.WithTimeout(ctx, o.cfg.Skills.Timeout)
	defer cancel()

	body, err := o.skills.OpenStream(pctx, req)
	if err != nil {
		if _, ok := domain.FailureKindOf(err); ok {
			return domain.AttemptResult{}, err
		}
		return domain.AttemptResult{}, domain.NewAttemptError(domain.FailureTransport, "skills invoke", err)
	}

	sess := stream.NewSession(r.em, stream.SessionOptions{
		FilesBaseURL: o.cfg.Skills.FilesBaseURL,
		Logger:       r.log,
		Now:          o.now,
	})
	res, err := o.pipeline.Run(pctx, body, sess)
	if err != nil {
		return domain.AttemptResult{}, err
	}
	o.trace(ctx, r.turn.RunID, domain.EventTypeSkillDone, attemptDone(res))
	return res, nil
}

func (o *Orchestrator) clarify(ctx context.Context, r *run, missing []string) error {
	o.transition(ctx, r, domain.RunStateClarifying)
	if err := o.store.UpdateRunPath(ctx, r.turn.RunID, domain.RunPathClarify); err != nil {
		r.log.Warn("failed to update run path", zap.Error(err))
	}
	o.trace(ctx, r.turn.RunID, domain.EventTypeClarifyStarted, domain.ClarifyPayload{Missing: missing})

	res, err := o.clarifier.Run(ctx, r.turn, r.skill, r.em, r.log)
	if err != nil {
		return err
	}
	o.trace(ctx, r.turn.RunID, domain.EventTypeClarifyDone, domain.ClarifyPayload{
		Missing:     missing,
		ToolCallID:  res.ToolCallID,
		Synthesized: res.Synthesized,
	})

	r.status = domain.RunStatusNeedsInput
	o.save(ctx, r, domain.RunPathClarify, res.AttemptResult)
	return nil
}

// complete records a successful answer.
func (o *Orchestrator) complete(ctx context.Context, r *run, path domain.RunPath, res domain.AttemptResult) error {
	r.status = domain.RunStatusDone
	o.trace(ctx, r.turn.RunID, domain.EventTypeRunDone, domain.RunDonePayload{Path: path, Usage: res.Usage})
	o.save(ctx, r, path, res)
	return nil
}

// save hands the transcript to the persistence hook. The stream has already
// finished; a failure is recorded and otherwise ignored.
func (o *Orchestrator) save(ctx context.Context, r *run, path domain.RunPath, res domain.AttemptResult) {
	err := o.persist.Persist(ctx, domain.Transcript{
		SessionID:     r.turn.SessionID,
		RunID:         r.turn.RunID,
		UserID:        r.turn.UserID,
		Skill:         r.skill.Name,
		Path:          path,
		Status:        r.status,
		UserMessages:  r.userInputs,
		AssistantText: res.Text,
		ToolCalls:     res.ToolCalls,
		FileIDs:       res.FileIDs,
		Usage:         res.Usage,
		Model:         res.Model,
		ContainerID:   res.ContainerID,
		CompletedAt:   o.now(),
	})
	if err != nil {
		o.trace(ctx, r.turn.RunID, domain.EventTypePersistFailed, domain.RunFailedPayload{
			Code:    "persist_failed",
			Message: err.Error(),
		})
		return
	}
	r.persisted = true
}

// finalize closes the run in the store and returns its final status.
func (o *Orchestrator) finalize(ctx context.Context, r *run, err error) domain.RunStatus {
	bg := context.WithoutCancel(ctx)
	defer o.transition(ctx, r, domain.RunStateTerminal)

	if err == nil {
		if !r.persisted {
			if uerr := o.store.UpdateRunCompleted(bg, r.turn.RunID, r.status, nil); uerr != nil {
				r.log.Error("failed to complete run", zap.Error(uerr))
			}
		}
		r.log.Info("run finished", zap.String("status", string(r.status)), zap.Int64("frames", r.em.Seq()))
		return r.status
	}

	status := domain.RunStatusFailed
	payload := domain.RunFailedPayload{Code: "internal", Message: err.Error()}
	var exhausted *domain.FallbackExhaustedError

	switch {
	case errors.Is(err, context.Canceled):
		status = domain.RunStatusCancelled
		o.trace(ctx, r.turn.RunID, domain.EventTypeRunCancelled, nil)
		r.log.Info("run cancelled by client")
	case errors.As(err, &exhausted):
		payload.Code = "fallback_exhausted"
		o.trace(ctx, r.turn.RunID, domain.EventTypeRunFailed, payload)
		r.log.Error("run failed on both paths", zap.Error(err))
	default:
		o.trace(ctx, r.turn.RunID, domain.EventTypeRunFailed, payload)
		r.log.Error("run failed", zap.Error(err))
	}

	var errData []byte
	if status == domain.RunStatusFailed {
		errData, _ = json.Marshal(payload)
	}
	if uerr := o.store.UpdateRunCompleted(bg, r.turn.RunID, status, errData); uerr != nil {
		r.log.Error("failed to complete run", zap.Error(uerr))
	}
	r.status = status
	return status
}

func (o *Orchestrator) transition(ctx context.Context, r *run, to domain.RunState) {
	if r.state == to {
		return
	}
	o.trace(ctx, r.turn.RunID, domain.EventTypeStateChanged, domain.StateChangedPayload{From: r.state, To: to})
	r.state = to
}

func attemptDone(res domain.AttemptResult) domain.AttemptDonePayload {
	return domain.AttemptDonePayload{
		MessageID:   res.MessageID,
		TextBytes:   len(res.Text),
		Steps:       len(res.Steps),
		FileIDs:     res.FileIDs,
		Usage:       res.Usage,
		Model:       res.Model,
		ContainerID: res.ContainerID,
	}
}

func attemptFailed(err error) domain.AttemptFailedPayload {
	p := domain.AttemptFailedPayload{Message: err.Error()}
	var ae *domain.AttemptError
	if errors.As(err, &ae) {
		p.Kind = ae.Kind
		p.Status = ae.Status
	}
	return p
}

func lastUserContent(messages []domain.ChatMessage) string {
	req := domain.ChatRequest{Messages: messages}
	return req.LastUserContent()
}
