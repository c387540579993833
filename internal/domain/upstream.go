package domain

import "encoding/json"

// SkillSSEPayload is the JSON object carried on one `data:` line of the
// skill execution stream. Only the fields relevant to the payload's type are
// set.
type SkillSSEPayload struct {
	Type        string          `json:"type"`
	Text        string          `json:"text,omitempty"`
	Delta       string          `json:"delta,omitempty"`
	StepNumber  int             `json:"step_number,omitempty"`
	StepType    string          `json:"step_type,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	ToolID      string          `json:"tool_id,omitempty"`
	Index       *int            `json:"index,omitempty"`
	TotalSteps  int             `json:"total_steps,omitempty"`
	Usage       *Usage          `json:"usage,omitempty"`
	FileIDs     []string        `json:"file_ids,omitempty"`
	Model       string          `json:"model,omitempty"`
	ContainerID string          `json:"container_id,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
}

// Usage is the token usage reported by the skill service.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// UpstreamEvent is one classified event from the skill stream. Kind selects
// which of the remaining fields is meaningful.
type UpstreamEvent struct {
	Kind EventKind

	// Text is set for text_delta and error events.
	Text string
	// Step is set for step_start and step_complete.
	Step *StepEvent
	// Result is set for result_phase.
	Result *ResultEvent
	// TotalSteps is set for message_stop; zero means the upstream omitted it.
	TotalSteps int
	// Done is set for done.
	Done *DoneEvent
}

// StepEvent carries the identifying fields of a step_start or step_complete.
// A zero Number and a nil Index mean the field was absent.
type StepEvent struct {
	ID       string
	Number   int
	Index    *int
	Type     string
	ToolName string
}

// ResultEvent reports a code or server result block starting or finishing.
type ResultEvent struct {
	Kind  ResultKind
	Phase ResultPhase
}

// DoneEvent is the terminal success event of a skill run.
type DoneEvent struct {
	Usage       *Usage
	FileIDs     []string
	Model       string
	ContainerID string
}
