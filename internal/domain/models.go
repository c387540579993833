package domain

import (
	"encoding/json"
	"time"
)

// Session represents a conversation session.
type Session struct {
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	Title     string          `json:"title,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Message represents a single persisted message in a session.
type Message struct {
	MessageID string          `json:"message_id"`
	SessionID string          `json:"session_id"`
	RunID     string          `json:"run_id,omitempty"`
	Role      string          `json:"role"` // user, assistant
	Content   string          `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Run represents the handling of one user request.
type Run struct {
	RunID     string          `json:"run_id"`
	SessionID string          `json:"session_id"`
	Skill     string          `json:"skill"`
	Path      RunPath         `json:"path,omitempty"`
	Status    RunStatus       `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// Event represents a trace event for replay.
type Event struct {
	EventID string          `json:"event_id"`
	RunID   string          `json:"run_id"`
	Ts      int64           `json:"ts"` // Unix milliseconds
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AttemptResult is what a successful attempt produced.
type AttemptResult struct {
	MessageID   string
	Text        string
	Usage       *Usage
	FileIDs     []string
	Steps       []Step
	Model       string
	ContainerID string
	// ToolCalls are client-side tool calls the answer ended with.
	ToolCalls []ToolCallPart
}

// TranscriptUserMessage is one user-side input of a turn. A form answer
// carries the submitted field values next to its rendered content.
type TranscriptUserMessage struct {
	Content     string
	FieldValues FieldValues
}

// Transcript is the final record of a successful request, handed to the
// history store after the stream finished.
type Transcript struct {
	SessionID string
	RunID     string
	UserID    string
	Skill     string
	Path      RunPath
	// Status is the final run status; empty means DONE.
	Status RunStatus
	// UserMessages are the user-side inputs of the turn in conversation
	// order. Inputs already stored for the session are skipped.
	UserMessages  []TranscriptUserMessage
	AssistantText string
	ToolCalls     []ToolCallPart
	FileIDs       []string
	Usage         *Usage
	Model         string
	ContainerID   string
	CompletedAt   time.Time
}

// TranscriptMetadata is stored alongside the assistant message.
type TranscriptMetadata struct {
	Path        RunPath  `json:"path"`
	FileIDs     []string `json:"file_ids,omitempty"`
	Usage       *Usage   `json:"usage,omitempty"`
	Model       string   `json:"model,omitempty"`
	ContainerID string   `json:"container_id,omitempty"`
	// ToolCalls holds the ask_question form of a clarification turn.
	ToolCalls []ToolCallPart `json:"tool_calls,omitempty"`
}

// UserMessageMetadata is stored alongside a user message that answered a
// form.
type UserMessageMetadata struct {
	FieldValues FieldValues `json:"field_values,omitempty"`
}
