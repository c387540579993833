package helpers

import (
	"context"
	"errors"
	"sync"

	"github.com/xiaot623/gogo/research/internal/adapter/llm"
)

// LLMStep scripts one streamed completion.
type LLMStep struct {
	Text      string
	ToolCalls []llm.ToolCall
	Err       error
	// Hang blocks until the request context ends.
	Hang bool
}

// ScriptedLLM replays LLMSteps in order and records every request. Once the
// script is exhausted it answers with Default.
type ScriptedLLM struct {
	mu       sync.Mutex
	steps    []LLMStep
	requests []*llm.ChatCompletionRequest

	Default LLMStep
}

// NewScriptedLLM creates a ScriptedLLM.
func NewScriptedLLM(steps ...LLMStep) *ScriptedLLM {
	return &ScriptedLLM{steps: steps, Default: LLMStep{Text: "done"}}
}

var _ llm.LLMClient = (*ScriptedLLM)(nil)

// Requests returns the recorded requests.
func (s *ScriptedLLM) Requests() []*llm.ChatCompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*llm.ChatCompletionRequest(nil), s.requests...)
}

func (s *ScriptedLLM) next(req *llm.ChatCompletionRequest) LLMStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		return s.Default
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step
}

func (s *ScriptedLLM) CreateChatCompletion(ctx context.Context, req *llm.ChatCompletionRequest) (*llm.ChatCompletionResponse, error) {
	step := s.next(req)
	if step.Err != nil {
		return nil, step.Err
	}
	return &llm.ChatCompletionResponse{
		Model: req.Model,
		Choices: []llm.Choice{{
			Message: &llm.ChatMessage{Role: "assistant", Content: step.Text, ToolCalls: step.ToolCalls},
		}},
	}, nil
}

func (s *ScriptedLLM) CreateChatCompletionStream(ctx context.Context, req *llm.ChatCompletionRequest, callback llm.StreamCallback) (*llm.Usage, error) {
	step := s.next(req)
	if step.Hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Text != "" {
		if err := callback(&llm.StreamChunk{
			Model:   req.Model,
			Choices: []llm.Choice{{Delta: &llm.ChatMessage{Content: step.Text}}},
		}); err != nil {
			return nil, err
		}
	}
	if len(step.ToolCalls) > 0 {
		deltas := make([]llm.ToolCall, len(step.ToolCalls))
		for i, c := range step.ToolCalls {
			idx := i
			c.Index = &idx
			deltas[i] = c
		}
		if err := callback(&llm.StreamChunk{
			Model:   req.Model,
			Choices: []llm.Choice{{Delta: &llm.ChatMessage{ToolCalls: deltas}, FinishReason: "tool_calls"}},
		}); err != nil {
			return nil, err
		}
	}
	return &llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, nil
}

// ErrScripted is a generic scripted LLM failure.
var ErrScripted = errors.New("scripted llm failure")

// ToolCall builds a complete tool call.
func ToolCall(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Type: "function", Function: llm.ToolCallFunction{Name: name, Arguments: args}}
}
