package domain

import "encoding/json"

// Run trace event payloads.

type RunStartedPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	Skill     string `json:"skill"`
}

type UserInputPayload struct {
	Content     string      `json:"content"`
	FieldValues FieldValues `json:"field_values,omitempty"`
}

type StateChangedPayload struct {
	From RunState `json:"from"`
	To   RunState `json:"to"`
}

type ClarifyPayload struct {
	Missing    []string `json:"missing,omitempty"`
	ToolCallID string   `json:"tool_call_id,omitempty"`
	// Synthesized is true when the model never called ask_question.
	Synthesized bool `json:"synthesized,omitempty"`
}

type SkillInvokePayload struct {
	SkillIDs  []string `json:"skill_ids"`
	MaxTokens int      `json:"max_tokens,omitempty"`
}

type AttemptDonePayload struct {
	MessageID   string   `json:"message_id"`
	TextBytes   int      `json:"text_bytes"`
	Steps       int      `json:"steps,omitempty"`
	FileIDs     []string `json:"file_ids,omitempty"`
	Usage       *Usage   `json:"usage,omitempty"`
	Model       string   `json:"model,omitempty"`
	ContainerID string   `json:"container_id,omitempty"`
}

type AttemptFailedPayload struct {
	Kind    FailureKind `json:"kind,omitempty"`
	Status  int         `json:"status,omitempty"`
	Message string      `json:"message"`
}

type RunDonePayload struct {
	Path  RunPath `json:"path"`
	Usage *Usage  `json:"usage,omitempty"`
}

type RunFailedPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type LLMCallStartedPayload struct {
	RequestID string  `json:"request_id"`
	Model     string  `json:"model"`
	Path      RunPath `json:"path"`
	Step      int     `json:"step"`
}

type LLMCallDonePayload struct {
	RequestID        string `json:"request_id"`
	Model            string `json:"model,omitempty"`
	LatencyMs        int64  `json:"latency_ms"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	ToolCalls        int    `json:"tool_calls,omitempty"`
	Error            string `json:"error,omitempty"`
}

type ToolCallCreatedPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args,omitempty"`
}

type PolicyDecisionPayload struct {
	ToolCallID string `json:"tool_call_id"`
	Decision   string `json:"decision"`
	Reason     string `json:"reason,omitempty"`
}

type ToolResultPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	LatencyMs  int64           `json:"latency_ms"`
}
