package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/research/internal/adapter/llm"
	"github.com/xiaot623/gogo/research/internal/catalog"
	"github.com/xiaot623/gogo/research/internal/config"
	"github.com/xiaot623/gogo/research/internal/domain"
	"github.com/xiaot623/gogo/research/internal/logger"
	"github.com/xiaot623/gogo/research/internal/policy"
	"github.com/xiaot623/gogo/research/internal/stream"
	"github.com/xiaot623/gogo/research/internal/tools"
)

// FallbackInput is what the fallback loop needs from the request.
type FallbackInput struct {
	RunID        string
	Skill        *catalog.Skill
	Values       domain.FieldValues
	Request      domain.ExecutionRequest
	Conversation []domain.ChatMessage
}

// FallbackLoop answers with a tool-augmented model when the skill service
// could not. Each step streams one completion; tool calls are checked by
// the policy, executed and fed back until the model answers in text or the
// step budget runs out. The last step offers no tools.
type FallbackLoop struct {
	recorder
	llm     llm.LLMClient
	tools   *tools.Registry
	policy  ToolPolicy
	model   string
	cfg     config.FallbackConfig
	timeout time.Duration
	files   string
	now     func() time.Time
}

// Run executes the loop with a fresh Session writing through em.
func (f *FallbackLoop) Run(ctx context.Context, in FallbackInput, em *stream.Emitter, log *logger.Logger) (domain.AttemptResult, error) {
	fctx, cancel := withOptionalTimeout(ctx, f.timeout)
	defer cancel()

	sess := stream.NewSession(em, stream.SessionOptions{FilesBaseURL: f.files, Logger: log, Now: f.now})
	if err := sess.Begin(ctx); err != nil {
		return domain.AttemptResult{}, err
	}

	messages := []llm.ChatMessage{{Role: "system", Content: in.Skill.FallbackSystem(in.Values, f.now())}}
	messages = append(messages, conversationMessages(in.Conversation)...)
	messages = append(messages, llm.ChatMessage{Role: "user", Content: in.Request.Message})

	defs := f.toolDefinitions()
	var usage domain.Usage
	var model string
	calls := 0

	for step := 1; step <= f.cfg.MaxSteps; step++ {
		maxTokens := f.cfg.MaxTokens
		req := &llm.ChatCompletionRequest{
			Model:     f.model,
			Messages:  messages,
			MaxTokens: &maxTokens,
		}
		if step < f.cfg.MaxSteps {
			req.Tools = defs
		}

		res, err := f.streamStep(fctx, f.llm, in.RunID, domain.RunPathFallback, step, req, sess)
		if err != nil {
			return domain.AttemptResult{}, err
		}
		addUsage(&usage, res.Usage)
		if res.Model != "" {
			model = res.Model
		}
		if len(res.ToolCalls) == 0 {
			break
		}

		for i := range res.ToolCalls {
			if res.ToolCalls[i].ID == "" {
				res.ToolCalls[i].ID = newToolCallID()
			}
		}
		messages = append(messages, llm.ChatMessage{Role: "assistant", Content: res.Text, ToolCalls: res.ToolCalls})

		for _, call := range res.ToolCalls {
			result, err := f.runTool(fctx, in.RunID, sess, call, calls, log)
			if err != nil {
				return domain.AttemptResult{}, err
			}
			calls++
			messages = append(messages, llm.ChatMessage{Role: "tool", ToolCallID: call.ID, Content: string(result)})
		}
		if err := sess.NextStep(fctx, domain.FinishReasonToolCalls); err != nil {
			return domain.AttemptResult{}, err
		}
	}

	if sess.TextLen() == 0 {
		return domain.AttemptResult{}, domain.NewAttemptError(domain.FailureEmptyResult, "fallback", errors.New("model produced no text"))
	}
	if err := sess.Finish(ctx, domain.FinishReasonStop, &usage); err != nil {
		return domain.AttemptResult{}, err
	}
	result := sess.Result()
	result.Model = model
	return result, nil
}

func (f *FallbackLoop) toolDefinitions() []llm.Tool {
	if f.tools == nil {
		return nil
	}
	defs := f.tools.Definitions()
	out := make([]llm.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, llm.Tool{Type: "function", Function: llm.ToolFunction{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		}})
	}
	return out
}

// runTool gates, executes and streams one tool call. Tool failures and
// policy blocks become error results for the model; the returned error is
// only ever a sink failure.
func (f *FallbackLoop) runTool(ctx context.Context, runID string, sess *stream.Session, call llm.ToolCall, index int, log *logger.Logger) (json.RawMessage, error) {
	args := json.RawMessage(call.Function.Arguments)
	if !json.Valid(args) {
		args = json.RawMessage(`{}`)
	}

	if err := sess.ToolCall(ctx, domain.ToolCallPart{ToolCallID: call.ID, ToolName: call.Function.Name, Args: args}); err != nil {
		return nil, err
	}
	f.trace(ctx, runID, domain.EventTypeToolCallCreated, domain.ToolCallCreatedPayload{
		ToolCallID: call.ID,
		ToolName:   call.Function.Name,
		Args:       args,
	})

	decision, reason := f.evaluate(ctx, runID, call.Function.Name, args, index, log)
	f.trace(ctx, runID, domain.EventTypePolicyDecision, domain.PolicyDecisionPayload{
		ToolCallID: call.ID,
		Decision:   decision,
		Reason:     reason,
	})

	start := time.Now()
	status := "succeeded"
	var result json.RawMessage
	var errMsg string

	switch {
	case decision == policy.DecisionBlock:
		status = "blocked"
		errMsg = "blocked by policy: " + reason
	case f.tools == nil:
		status = "failed"
		errMsg = "unknown tool: " + call.Function.Name
	default:
		tctx, cancel := withOptionalTimeout(ctx, f.cfg.ToolTimeout)
		out, err := f.tools.Execute(tctx, call.Function.Name, args)
		cancel()
		if err != nil {
			status = "failed"
			errMsg = err.Error()
			log.Warn("tool call failed", zap.String("tool", call.Function.Name), zap.Error(err))
		} else {
			result = out
		}
	}
	if errMsg != "" {
		result, _ = json.Marshal(map[string]string{"error": errMsg})
	}

	f.trace(ctx, runID, domain.EventTypeToolResult, domain.ToolResultPayload{
		ToolCallID: call.ID,
		Status:     status,
		Result:     result,
		Error:      errMsg,
		LatencyMs:  time.Since(start).Milliseconds(),
	})

	if err := sess.ToolResult(ctx, domain.ToolResultPart{ToolCallID: call.ID, Result: result}); err != nil {
		return nil, err
	}
	return result, nil
}

func (f *FallbackLoop) evaluate(ctx context.Context, runID, toolName string, args json.RawMessage, index int, log *logger.Logger) (string, string) {
	if f.policy == nil {
		return policy.DecisionAllow, ""
	}
	argMap := map[string]interface{}{}
	_ = json.Unmarshal(args, &argMap)

	decision, reason, err := f.policy.Evaluate(ctx, policy.Input{
		ToolName:  toolName,
		Args:      argMap,
		RunID:     runID,
		CallIndex: index,
		MaxCalls:  f.cfg.MaxToolCalls,
	})
	if err != nil {
		log.Error("policy evaluation failed", zap.String("tool", toolName), zap.Error(err))
		return policy.DecisionBlock, "policy evaluation failed"
	}
	return decision, reason
}
