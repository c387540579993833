package service

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/research/internal/adapter/llm"
	"github.com/xiaot623/gogo/research/internal/domain"
	"github.com/xiaot623/gogo/research/internal/stream"
)

// stepResult is what one streamed completion produced.
type stepResult struct {
	Text         string
	ToolCalls    []llm.ToolCall
	FinishReason string
	Usage        *llm.Usage
	Model        string
}

// streamStep runs one streaming completion, forwarding text deltas to sess
// and collecting tool calls. LLM failures come back as *domain.AttemptError;
// any other error is from the frame sink.
func (r *recorder) streamStep(ctx context.Context, client llm.LLMClient, runID string, path domain.RunPath, step int, req *llm.ChatCompletionRequest, sess *stream.Session) (*stepResult, error) {
	requestID := "llm_" + uuid.New().String()[:8]
	startTime := time.Now()

	r.trace(ctx, runID, domain.EventTypeLLMCallStarted, domain.LLMCallStartedPayload{
		RequestID: requestID,
		Model:     req.Model,
		Path:      path,
		Step:      step,
	})

	var res stepResult
	var acc llm.ToolCallAccumulator
	var text strings.Builder
	var sinkErr error

	usage, err := client.CreateChatCompletionStream(ctx, req, func(chunk *llm.StreamChunk) error {
		if res.Model == "" && chunk.Model != "" {
			res.Model = chunk.Model
		}
		for _, choice := range chunk.Choices {
			if choice.FinishReason != "" {
				res.FinishReason = choice.FinishReason
			}
			if choice.Delta == nil {
				continue
			}
			if len(choice.Delta.ToolCalls) > 0 {
				acc.Add(choice.Delta.ToolCalls)
			}
			if choice.Delta.Content == "" {
				continue
			}
			text.WriteString(choice.Delta.Content)
			if werr := sess.Text(ctx, choice.Delta.Content); werr != nil {
				sinkErr = werr
				return werr
			}
		}
		return nil
	})

	res.Text = text.String()
	res.ToolCalls = acc.Calls()
	res.Usage = usage

	payload := domain.LLMCallDonePayload{
		RequestID: requestID,
		Model:     res.Model,
		LatencyMs: time.Since(startTime).Milliseconds(),
		ToolCalls: len(res.ToolCalls),
	}
	if usage != nil {
		payload.PromptTokens = usage.PromptTokens
		payload.CompletionTokens = usage.CompletionTokens
	}
	if err != nil {
		payload.Error = err.Error()
	}
	r.trace(ctx, runID, domain.EventTypeLLMCallDone, payload)

	if sinkErr != nil {
		return nil, sinkErr
	}
	if err != nil {
		return nil, llmFailure(ctx, err)
	}
	return &res, nil
}

// llmFailure classifies an LLM call error.
func llmFailure(ctx context.Context, err error) error {
	kind := domain.FailureTransport
	var ne net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &ne) && ne.Timeout()) {
		kind = domain.FailureTimeout
	}
	return domain.NewAttemptError(kind, "llm stream", err)
}

func addUsage(total *domain.Usage, u *llm.Usage) {
	if u == nil {
		return
	}
	total.InputTokens += u.PromptTokens
	total.OutputTokens += u.CompletionTokens
}

// conversationMessages converts the chat history to model messages. Only
// user and assistant text is carried over.
func conversationMessages(conv []domain.ChatMessage) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(conv))
	for _, m := range conv {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, llm.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// withOptionalTimeout applies d when it is positive.
func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func newToolCallID() string {
	return "call_" + uuid.New().String()[:8]
}
