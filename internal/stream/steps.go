package stream

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/research/internal/domain"
	"github.com/xiaot623/gogo/research/internal/logger"
)

// StepMatcher reports whether a completion notice refers to step s. A
// matcher whose key is absent from the notice matches nothing.
type StepMatcher struct {
	Name  string
	Match func(ev *domain.StepEvent, s *domain.Step) bool
}

var (
	// MatchByStepNumber matches on step_number.
	MatchByStepNumber = StepMatcher{Name: "step_number", Match: func(ev *domain.StepEvent, s *domain.Step) bool {
		return ev.Number != 0 && s.Number == ev.Number
	}}
	// MatchByStepID matches on tool_id.
	MatchByStepID = StepMatcher{Name: "tool_id", Match: func(ev *domain.StepEvent, s *domain.Step) bool {
		return ev.ID != "" && s.ID == ev.ID
	}}
	// MatchByIndex matches the synthesized id step-<index>.
	MatchByIndex = StepMatcher{Name: "index", Match: func(ev *domain.StepEvent, s *domain.Step) bool {
		return ev.Index != nil && s.ID == syntheticStepID(*ev.Index)
	}}
)

// DefaultStepMatchers is the precedence used by NewStepTracker.
func DefaultStepMatchers() []StepMatcher {
	return []StepMatcher{MatchByStepNumber, MatchByStepID, MatchByIndex}
}

func syntheticStepID(n int) string {
	return fmt.Sprintf("step-%d", n)
}

// StepTracker holds the ordered steps of one session.
type StepTracker struct {
	steps    []*domain.Step
	matchers []StepMatcher
	log      *logger.Logger
}

// NewStepTracker creates a tracker using the given matchers in order, or
// DefaultStepMatchers when none are given.
func NewStepTracker(log *logger.Logger, matchers ...StepMatcher) *StepTracker {
	if len(matchers) == 0 {
		matchers = DefaultStepMatchers()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &StepTracker{matchers: matchers, log: log}
}

// Start appends a running step.
func (t *StepTracker) Start(ev *domain.StepEvent) domain.Step {
	id := ev.ID
	if id == "" {
		id = syntheticStepID(ev.Number)
	}
	s := &domain.Step{
		ID:       id,
		Number:   ev.Number,
		Type:     ev.Type,
		ToolName: ev.ToolName,
		State:    domain.StepStateRunning,
	}
	t.steps = append(t.steps, s)
	return *s
}

// Complete marks the step matching ev as completed. It returns false when no
// step matches or the matched step was already completed; neither is an
// error.
func (t *StepTracker) Complete(ev *domain.StepEvent) (domain.Step, bool) {
	s, by := t.find(ev)
	if s == nil {
		t.log.Warn("no step matches completion",
			zap.Int("step_number", ev.Number),
			zap.String("tool_id", ev.ID),
			zap.Int("steps", len(t.steps)))
		return domain.Step{}, false
	}
	if s.State == domain.StepStateCompleted {
		t.log.Debug("duplicate step completion", zap.String("step_id", s.ID), zap.String("matched_by", by))
		return *s, false
	}
	s.State = domain.StepStateCompleted
	return *s, true
}

func (t *StepTracker) find(ev *domain.StepEvent) (*domain.Step, string) {
	for _, m := range t.matchers {
		for _, s := range t.steps {
			if m.Match(ev, s) {
				return s, m.Name
			}
		}
	}
	return nil, ""
}

// Len returns the number of steps started so far.
func (t *StepTracker) Len() int { return len(t.steps) }

// Steps returns a copy of the steps in start order.
func (t *StepTracker) Steps() []domain.Step {
	out := make([]domain.Step, len(t.steps))
	for i, s := range t.steps {
		out[i] = *s
	}
	return out
}

// Summary counts the steps. A positive totalHint from the upstream overrides
// the local count of started steps.
func (t *StepTracker) Summary(totalHint int) domain.StepSummary {
	sum := domain.StepSummary{TotalSteps: len(t.steps)}
	if totalHint > 0 {
		sum.TotalSteps = totalHint
	}
	for _, s := range t.steps {
		if s.State == domain.StepStateCompleted {
			sum.CompletedSteps++
		}
	}
	return sum
}
