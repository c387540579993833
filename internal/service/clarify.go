package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/research/internal/adapter/llm"
	"github.com/xiaot623/gogo/research/internal/catalog"
	"github.com/xiaot623/gogo/research/internal/config"
	"github.com/xiaot623/gogo/research/internal/domain"
	"github.com/xiaot623/gogo/research/internal/logger"
	"github.com/xiaot623/gogo/research/internal/stream"
)

// AskQuestionTool is the client-side tool that renders the input form.
const AskQuestionTool = "ask_question"

var askQuestionSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"question":    map[string]interface{}{"type": "string"},
		"options":     map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "object"}},
		"allowsInput": map[string]interface{}{"type": "boolean"},
		"inputFields": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"name":        map[string]interface{}{"type": "string"},
					"label":       map[string]interface{}{"type": "string"},
					"placeholder": map[string]interface{}{"type": "string"},
					"required":    map[string]interface{}{"type": "boolean"},
				},
			},
		},
	},
	"required": []string{"question", "options", "allowsInput"},
}

// ClarifyResult is the outcome of a clarification turn.
type ClarifyResult struct {
	domain.AttemptResult
	ToolCallID  string
	Synthesized bool
}

// Clarifier asks the user for the skill's input fields through the
// ask_question tool. The model gets a bounded number of turns to call it;
// otherwise the call is synthesized from the catalog.
type Clarifier struct {
	recorder
	llm     llm.LLMClient
	model   string
	cfg     config.ClarifyConfig
	timeout time.Duration
	files   string
	now     func() time.Time
}

// Run streams one clarification turn through em.
func (c *Clarifier) Run(ctx context.Context, turn domain.Turn, skill *catalog.Skill, em *stream.Emitter, log *logger.Logger) (ClarifyResult, error) {
	cctx, cancel := withOptionalTimeout(ctx, c.timeout)
	defer cancel()

	sess := stream.NewSession(em, stream.SessionOptions{FilesBaseURL: c.files, Logger: log, Now: c.now})
	if err := sess.Begin(ctx); err != nil {
		return ClarifyResult{}, err
	}

	args, err := json.Marshal(skill.AskQuestion())
	if err != nil {
		return ClarifyResult{}, fmt.Errorf("failed to marshal ask_question args: %w", err)
	}

	messages := append([]llm.ChatMessage{{Role: "system", Content: skill.ClarifySystemPrompt()}},
		conversationMessages(turn.Messages)...)
	tool := llm.Tool{Type: "function", Function: llm.ToolFunction{
		Name:        AskQuestionTool,
		Description: "Ask the user a question and collect structured input.",
		Parameters:  askQuestionSchema,
	}}

	var usage domain.Usage
	var callID string
	for i := 1; i <= c.cfg.MaxTurns && callID == ""; i++ {
		maxTokens := c.cfg.MaxTokens
		req := &llm.ChatCompletionRequest{
			Model:     c.model,
			Messages:  messages,
			MaxTokens: &maxTokens,
			Tools:     []llm.Tool{tool},
		}
		if i > 1 {
			req.ToolChoice = map[string]interface{}{
				"type":     "function",
				"function": map[string]string{"name": AskQuestionTool},
			}
		}

		res, err := c.streamStep(cctx, c.llm, turn.RunID, domain.RunPathClarify, i, req, sess)
		if err != nil {
			var ae *domain.AttemptError
			if !errors.As(err, &ae) {
				return ClarifyResult{}, err
			}
			if ctx.Err() != nil {
				return ClarifyResult{}, fmt.Errorf("clarification aborted: %w", ctx.Err())
			}
			log.Warn("clarification model call failed, using the catalog form", zap.Error(err))
			break
		}
		addUsage(&usage, res.Usage)

		for _, call := range res.ToolCalls {
			if call.Function.Name == AskQuestionTool {
				callID = call.ID
				if callID == "" {
					callID = newToolCallID()
				}
				break
			}
		}
		if callID == "" && res.Text != "" {
			messages = append(messages, llm.ChatMessage{Role: "assistant", Content: res.Text})
		}
	}

	synthesized := callID == ""
	if synthesized {
		callID = newToolCallID()
	}

	// The form always comes from the catalog so the answer carries the
	// field names the skill request is built from.
	call := domain.ToolCallPart{ToolCallID: callID, ToolName: AskQuestionTool, Args: args}
	if err := sess.ToolCall(ctx, call); err != nil {
		return ClarifyResult{}, err
	}
	if err := sess.Finish(ctx, domain.FinishReasonToolCalls, &usage); err != nil {
		return ClarifyResult{}, err
	}
	result := sess.Result()
	result.ToolCalls = []domain.ToolCallPart{call}
	return ClarifyResult{AttemptResult: result, ToolCallID: callID, Synthesized: synthesized}, nil
}

// TurnUserMessages returns the user-side inputs at the end of the
// conversation: the latest user message and, when the ask_question form was
// answered after it, the answer rendered through the skill's field labels.
func TurnUserMessages(messages []domain.ChatMessage, skill *catalog.Skill) []domain.TranscriptUserMessage {
	lastUser, lastAnswer := -1, -1
	for i, m := range messages {
		if m.Role == "user" && strings.TrimSpace(m.Content) != "" {
			lastUser = i
		}
		for _, inv := range m.ToolInvocations {
			if inv.ToolName == AskQuestionTool && len(inv.Result) > 0 {
				lastAnswer = i
			}
		}
	}

	var out []domain.TranscriptUserMessage
	if lastUser >= 0 {
		out = append(out, domain.TranscriptUserMessage{Content: messages[lastUser].Content})
	}
	if lastAnswer > lastUser {
		values := FieldValuesFromConversation(messages)
		if content := skill.DescribeValues(values); content != "" {
			out = append(out, domain.TranscriptUserMessage{Content: content, FieldValues: values})
		}
	}
	return out
}

// FieldValuesFromConversation returns the field values of the most recent
// answered ask_question call, or an empty set.
func FieldValuesFromConversation(messages []domain.ChatMessage) domain.FieldValues {
	for i := len(messages) - 1; i >= 0; i-- {
		invs := messages[i].ToolInvocations
		for j := len(invs) - 1; j >= 0; j-- {
			inv := invs[j]
			if inv.ToolName != AskQuestionTool || len(inv.Result) == 0 {
				continue
			}
			if values := parseAskQuestionResult(inv.Result); len(values) > 0 {
				return values
			}
		}
	}
	return domain.FieldValues{}
}

func parseAskQuestionResult(raw json.RawMessage) domain.FieldValues {
	// Some clients send the result as a JSON-encoded string.
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		raw = json.RawMessage(encoded)
	}

	var result struct {
		FieldValues map[string]interface{} `json:"fieldValues"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil
	}

	values := make(domain.FieldValues, len(result.FieldValues))
	for k, v := range result.FieldValues {
		switch tv := v.(type) {
		case nil:
		case string:
			values[k] = strings.TrimSpace(tv)
		default:
			values[k] = fmt.Sprint(tv)
		}
	}
	return values
}
