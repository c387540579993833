package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MockClient is a canned LLMClient for local runs (LLM_MOCK=true). It plays
// the part of a research model: asked for clarification it calls
// ask_question, offered a search tool it searches once, and otherwise it
// writes a short report from the tool results it was given.
type MockClient struct {
	// ChunkSize is the streamed delta size in runes.
	ChunkSize int
}

// NewMockClient creates a new mock LLM client.
func NewMockClient() *MockClient {
	return &MockClient{ChunkSize: 16}
}

var _ LLMClient = (*MockClient)(nil)

// CreateChatCompletion returns the whole mock turn at once.
func (m *MockClient) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	msg := m.respond(req)
	reason := "stop"
	if len(msg.ToolCalls) > 0 {
		reason = "tool_calls"
	}
	return &ChatCompletionResponse{
		ID:      mockID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{Message: &msg, FinishReason: reason}},
		Usage:   estimateUsage(req, msg.Content),
	}, nil
}

// CreateChatCompletionStream streams the mock turn: text in small deltas,
// then tool calls in one chunk with their indexes set.
func (m *MockClient) CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest, callback StreamCallback) (*Usage, error) {
	msg := m.respond(req)
	id := mockID()
	created := time.Now().Unix()

	send := func(delta ChatMessage, finish string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return callback(&StreamChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []Choice{{Delta: &delta, FinishReason: finish}},
		})
	}

	for _, part := range splitRunes(msg.Content, m.ChunkSize) {
		if err := send(ChatMessage{Role: "assistant", Content: part}, ""); err != nil {
			return nil, err
		}
	}
	if len(msg.ToolCalls) > 0 {
		calls := make([]ToolCall, len(msg.ToolCalls))
		for i, c := range msg.ToolCalls {
			idx := i
			c.Index = &idx
			calls[i] = c
		}
		if err := send(ChatMessage{ToolCalls: calls}, "tool_calls"); err != nil {
			return nil, err
		}
	} else if err := send(ChatMessage{}, "stop"); err != nil {
		return nil, err
	}
	return estimateUsage(req, msg.Content), nil
}

func (m *MockClient) respond(req *ChatCompletionRequest) ChatMessage {
	topic := lastContent(req.Messages, "user")

	if offersTool(req, "ask_question") {
		args, _ := json.Marshal(map[string]interface{}{
			"question":    "Where should I research?",
			"options":     []interface{}{},
			"allowsInput": true,
		})
		return ChatMessage{Role: "assistant", ToolCalls: []ToolCall{mockCall("ask_question", string(args))}}
	}

	results := 0
	for _, msg := range req.Messages {
		if msg.Role == "tool" {
			results++
		}
	}
	if results == 0 && offersTool(req, "search") {
		args, _ := json.Marshal(map[string]string{"query": clip(topic, 80)})
		return ChatMessage{Role: "assistant", ToolCalls: []ToolCall{mockCall("search", string(args))}}
	}

	if topic == "" {
		return ChatMessage{Role: "assistant", Content: "[MOCK] This is a mock research report."}
	}
	return ChatMessage{Role: "assistant", Content: fmt.Sprintf(
		"[MOCK] Research report for %q.\n\n## Summary\nBased on %d tool result(s). This is a mock response.",
		clip(topic, 100), results)}
}

func offersTool(req *ChatCompletionRequest, name string) bool {
	for _, t := range req.Tools {
		if t.Function.Name == name {
			return true
		}
	}
	return false
}

func lastContent(messages []ChatMessage, role string) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == role {
			return messages[i].Content
		}
	}
	return ""
}

func mockCall(name, args string) ToolCall {
	return ToolCall{
		ID:       fmt.Sprintf("call_mock_%d", time.Now().UnixNano()),
		Type:     "function",
		Function: ToolCallFunction{Name: name, Arguments: args},
	}
}

func mockID() string {
	return fmt.Sprintf("mock-chatcmpl-%d", time.Now().UnixNano())
}

// estimateUsage counts roughly four bytes per token.
func estimateUsage(req *ChatCompletionRequest, content string) *Usage {
	prompt := 0
	for _, msg := range req.Messages {
		prompt += len(msg.Content) / 4
	}
	completion := len(content) / 4
	return &Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

// splitRunes splits s into pieces of at most n runes.
func splitRunes(s string, n int) []string {
	if s == "" {
		return nil
	}
	if n <= 0 {
		return []string{s}
	}
	var out []string
	runes := []rune(s)
	for i := 0; i < len(runes); i += n {
		end := min(i+n, len(runes))
		out = append(out, string(runes[i:end]))
	}
	return out
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
