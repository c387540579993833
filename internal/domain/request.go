package domain

import "encoding/json"

// FieldValues are the user-supplied task fields keyed by field name.
type FieldValues map[string]string

// ExecutionRequest is the immutable request sent to the skill service for
// one user turn.
type ExecutionRequest struct {
	SkillIDs  []string
	Message   string
	MaxTokens int
}

// SkillInvokeRequest is the wire body of POST /stream/invoke.
type SkillInvokeRequest struct {
	SkillIDs  []string `json:"skill_ids"`
	Message   string   `json:"message"`
	MaxTokens int      `json:"max_tokens,omitempty"`
	Stream    bool     `json:"stream"`
}

// ChatRequest is the body of POST /api/chat. Messages follow the UI message
// shape: tool calls made on previous turns are carried as tool invocations on
// assistant messages.
type ChatRequest struct {
	ID       string        `json:"id"`
	UserID   string        `json:"userId,omitempty"`
	Skill    string        `json:"skill,omitempty"`
	Messages []ChatMessage `json:"messages"`
}

// ChatMessage is one message in the conversation.
type ChatMessage struct {
	ID              string           `json:"id,omitempty"`
	Role            string           `json:"role"` // user, assistant, system, tool
	Content         string           `json:"content"`
	ToolInvocations []ToolInvocation `json:"toolInvocations,omitempty"`
}

// ToolInvocation is a tool call and, once answered, its result.
type ToolInvocation struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	State      string          `json:"state,omitempty"` // call, result
}

// LastUserContent returns the content of the most recent user message.
func (r *ChatRequest) LastUserContent() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Turn is one chat request resolved to a run.
type Turn struct {
	SessionID string
	RunID     string
	UserID    string
	Skill     string
	Messages  []ChatMessage
}
