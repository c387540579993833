// Package domain defines the core domain models for the research stream service.
package domain

// RunStatus represents the persisted status of a run.
type RunStatus string

const (
	RunStatusRunning    RunStatus = "RUNNING"
	RunStatusNeedsInput RunStatus = "NEEDS_INPUT"
	RunStatusDone       RunStatus = "DONE"
	RunStatusFailed     RunStatus = "FAILED"
	RunStatusCancelled  RunStatus = "CANCELLED"
)

// RunState is the in-memory state of the orchestrator for one user request.
type RunState string

const (
	RunStateIdle              RunState = "idle"
	RunStateClarifying        RunState = "clarifying"
	RunStatePrimaryAttempt    RunState = "primary_attempt"
	RunStatePrimarySucceeded  RunState = "primary_succeeded"
	RunStatePrimaryFailed     RunState = "primary_failed"
	RunStateFallbackAttempt   RunState = "fallback_attempt"
	RunStateFallbackSucceeded RunState = "fallback_succeeded"
	RunStateFallbackFailed    RunState = "fallback_failed"
	RunStateTerminal          RunState = "terminal"
)

// RunPath records which generation path produced the final answer.
type RunPath string

const (
	RunPathClarify  RunPath = "clarify"
	RunPathPrimary  RunPath = "primary"
	RunPathFallback RunPath = "fallback"
)

// EventType represents the type of a run trace event.
type EventType string

const (
	EventTypeRunStarted      EventType = "run_started"
	EventTypeUserInput       EventType = "user_input"
	EventTypeStateChanged    EventType = "state_changed"
	EventTypeClarifyStarted  EventType = "clarify_started"
	EventTypeClarifyDone     EventType = "clarify_done"
	EventTypeSkillInvoked    EventType = "skill_invoke_started"
	EventTypeSkillDone       EventType = "skill_invoke_done"
	EventTypeSkillFailed     EventType = "skill_invoke_failed"
	EventTypeFallbackStarted EventType = "fallback_started"
	EventTypeFallbackDone    EventType = "fallback_done"
	EventTypeFallbackFailed  EventType = "fallback_failed"
	EventTypePersistFailed   EventType = "persist_failed"
	EventTypeRunDone         EventType = "run_done"
	EventTypeRunFailed       EventType = "run_failed"
	EventTypeRunCancelled    EventType = "run_cancelled"
	// LLM call events
	EventTypeLLMCallStarted EventType = "llm_call_started"
	EventTypeLLMCallDone    EventType = "llm_call_done"

	// Tool events
	EventTypeToolCallCreated EventType = "tool_call_created"
	EventTypePolicyDecision  EventType = "policy_decision"
	EventTypeToolResult      EventType = "tool_result"
)

// EventKind tags an UpstreamEvent.
type EventKind string

const (
	EventKindTextDelta    EventKind = "text_delta"
	EventKindStepStart    EventKind = "step_start"
	EventKindStepComplete EventKind = "step_complete"
	EventKindResultPhase  EventKind = "result_phase"
	EventKindMessageStop  EventKind = "message_stop"
	EventKindDone         EventKind = "done"
	EventKindError        EventKind = "error"
	EventKindKeepalive    EventKind = "keepalive"
)

// FrameKind tags a downstream Frame.
type FrameKind string

const (
	FrameKindStartStep     FrameKind = "start_step"
	FrameKindText          FrameKind = "text"
	FrameKindAnnotation    FrameKind = "annotation"
	FrameKindToolCall      FrameKind = "tool_call"
	FrameKindToolResult    FrameKind = "tool_result"
	FrameKindFinishStep    FrameKind = "finish_step"
	FrameKindFinishMessage FrameKind = "finish_message"
)

// StepState is the lifecycle state of a skill step. A step only ever moves
// from running to completed.
type StepState string

const (
	StepStateRunning   StepState = "running"
	StepStateCompleted StepState = "completed"
)

// ResultKind distinguishes code execution results from server tool results.
type ResultKind string

const (
	ResultKindCode   ResultKind = "code"
	ResultKindServer ResultKind = "server"
)

// ResultPhase is the phase of a result block.
type ResultPhase string

const (
	ResultPhaseStart    ResultPhase = "start"
	ResultPhaseComplete ResultPhase = "complete"
)

// FailureKind classifies why an attempt failed.
type FailureKind string

const (
	FailureTransport   FailureKind = "transport"
	FailureProtocol    FailureKind = "protocol"
	FailureTimeout     FailureKind = "timeout"
	FailureEmptyResult FailureKind = "empty_result"
)

// Finish reasons used in finish frames.
const (
	FinishReasonStop      = "stop"
	FinishReasonToolCalls = "tool-calls"
	FinishReasonLength    = "length"
)
