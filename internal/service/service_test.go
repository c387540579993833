package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/research/internal/adapter/llm"
	"github.com/xiaot623/gogo/research/internal/adapter/skills"
	"github.com/xiaot623/gogo/research/internal/catalog"
	"github.com/xiaot623/gogo/research/internal/config"
	"github.com/xiaot623/gogo/research/internal/domain"
	"github.com/xiaot623/gogo/research/internal/logger"
	"github.com/xiaot623/gogo/research/internal/policy"
	"github.com/xiaot623/gogo/research/internal/repository"
	"github.com/xiaot623/gogo/research/internal/stream"
	"github.com/xiaot623/gogo/research/internal/tools"
	"github.com/xiaot623/gogo/research/tests/helpers"
)

type fakeSkills struct {
	mu    sync.Mutex
	open  func(ctx context.Context) (io.ReadCloser, error)
	calls int
	req   domain.ExecutionRequest
}

func (f *fakeSkills) OpenStream(ctx context.Context, req domain.ExecutionRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.calls++
	f.req = req
	f.mu.Unlock()
	return f.open(ctx)
}

func (f *fakeSkills) FileMetadata(ctx context.Context, fileID string) (*skills.FileMetadata, error) {
	return &skills.FileMetadata{FileID: fileID, Filename: "report.pdf"}, nil
}

func (f *fakeSkills) DownloadFile(ctx context.Context, fileID string) (*skills.FileDownload, error) {
	return &skills.FileDownload{Body: io.NopCloser(strings.NewReader("pdf"))}, nil
}

func (f *fakeSkills) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func sse(lines ...string) func(context.Context) (io.ReadCloser, error) {
	return func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(strings.Join(lines, "\n") + "\n")), nil
	}
}

// hangingBody returns prefix and then blocks until closed.
type hangingBody struct {
	prefix *strings.Reader
	closed chan struct{}
	once   sync.Once
}

func newHangingBody(prefix string) *hangingBody {
	return &hangingBody{prefix: strings.NewReader(prefix), closed: make(chan struct{})}
}

func (b *hangingBody) Read(p []byte) (int, error) {
	if b.prefix.Len() > 0 {
		return b.prefix.Read(p)
	}
	<-b.closed
	return 0, errors.New("body closed")
}

func (b *hangingBody) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

type fakePolicy struct {
	decision string
	reason   string
	err      error
}

func (p fakePolicy) Evaluate(context.Context, policy.Input) (string, string, error) {
	return p.decision, p.reason, p.err
}

type fakeObserver struct {
	mu      sync.Mutex
	frames  []domain.Frame
	started bool
	status  domain.RunStatus
}

func (o *fakeObserver) WriteFrame(_ context.Context, f domain.Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames = append(o.frames, f)
	return nil
}

func (o *fakeObserver) Started() { o.started = true }

func (o *fakeObserver) Ended(status domain.RunStatus, _ error) { o.status = status }

type fakeWatchers struct{ obs *fakeObserver }

func (w fakeWatchers) Observe(string, string) RunObserver { return w.obs }

type testEnv struct {
	svc      *Service
	store    *store.SQLiteStore
	skills   *fakeSkills
	llm      *helpers.ScriptedLLM
	searches []string
}

type envOption func(*Deps)

func newTestEnv(t *testing.T, skillsFn func(context.Context) (io.ReadCloser, error), steps []helpers.LLMStep, opts ...envOption) *testEnv {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)

	env := &testEnv{
		store:  helpers.NewTestSQLiteStore(t),
		skills: &fakeSkills{open: skillsFn},
		llm:    helpers.NewScriptedLLM(steps...),
	}

	reg := tools.NewRegistry()
	reg.MustRegister(tools.Definition{Name: "search", Description: "web search"}, func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
		var a struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		env.searches = append(env.searches, a.Query)
		return json.RawMessage(`{"results":[{"title":"Dali homestays"}]}`), nil
	})

	deps := Deps{
		Store:   env.store,
		Skills:  env.skills,
		LLM:     env.llm,
		Catalog: cat,
		Tools:   reg,
		Config: &config.Config{
			Skills:   config.SkillsConfig{URL: "http://skills", Timeout: 5 * time.Second, FilesBaseURL: "/api/skills-files"},
			LLM:      config.LLMConfig{Model: "test-model", Timeout: 5 * time.Second},
			Fallback: config.FallbackConfig{MaxSteps: 3, MaxTokens: 1000, ToolTimeout: time.Second},
			Clarify:  config.ClarifyConfig{MaxTurns: 2, MaxTokens: 100},
			Catalog:  config.CatalogConfig{Skill: "homestay"},
		},
		Logger: logger.NewNop(),
		Now:    func() time.Time { return time.UnixMilli(1700000000000) },
	}
	for _, o := range opts {
		o(&deps)
	}
	env.svc = New(deps)
	return env
}

func answered(result string) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: "user", Content: "Research homestays"},
		{Role: "assistant", ToolInvocations: []domain.ToolInvocation{{
			ToolCallID: "call_1",
			ToolName:   AskQuestionTool,
			State:      "result",
			Result:     json.RawMessage(result),
		}}},
	}
}

func chat(id string, messages []domain.ChatMessage) domain.ChatRequest {
	return domain.ChatRequest{ID: id, Messages: messages}
}

func (e *testEnv) eventTypes(t *testing.T, runID string) []domain.EventType {
	return helpers.EventTypes(t, e.store, runID)
}

func assertSeqIncreasing(t *testing.T, frames []domain.Frame) {
	t.Helper()
	for i := 1; i < len(frames); i++ {
		assert.Greater(t, frames[i].Seq, frames[i-1].Seq)
	}
}

func TestChatPrimarySuccess(t *testing.T) {
	env := newTestEnv(t, sse(
		`data: {"type":"step_start","step_number":1,"tool_name":"web_search"}`,
		`data: {"type":"text_delta","text":"Dali report"}`,
		`data: {"type":"step_complete","step_number":1}`,
		`data: {"type":"done","usage":{"input_tokens":10,"output_tokens":5},"file_ids":["f1"]}`,
	), nil)

	rec := &helpers.FrameRecorder{}
	runID, err := env.svc.Chat(context.Background(), chat("sess_1", answered(`{"fieldValues":{"location":"Dali"}}`)), rec)
	require.NoError(t, err)

	assert.Equal(t, "Dali report", rec.Text())
	assert.Equal(t, 1, rec.Count(domain.FrameKindFinishMessage))
	assert.Empty(t, rec.Annotations(domain.AnnotationSkillFallback))
	assert.Len(t, rec.Annotations(domain.AnnotationSkillFiles), 1)
	assertSeqIncreasing(t, rec.Frames())
	assert.Empty(t, env.llm.Requests())
	assert.Contains(t, env.skills.req.Message, "[Dali]")

	run, err := env.svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusDone, run.Status)
	assert.Equal(t, domain.RunPathPrimary, run.Path)

	msgs, err := env.svc.GetMessages(context.Background(), "sess_1", 0, "")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "Research homestays", msgs[0].Content)
	assert.Equal(t, "Investment area: Dali", msgs[1].Content)
	assert.Equal(t, "Dali report", msgs[2].Content)

	var meta domain.TranscriptMetadata
	require.NoError(t, json.Unmarshal(msgs[2].Metadata, &meta))
	assert.Equal(t, []string{"f1"}, meta.FileIDs)

	types := env.eventTypes(t, runID)
	assert.Contains(t, types, domain.EventTypeSkillInvoked)
	assert.Contains(t, types, domain.EventTypeSkillDone)
	assert.Contains(t, types, domain.EventTypeRunDone)
	assert.NotContains(t, types, domain.EventTypeFallbackStarted)
}

func TestChatFallsBackAfterPrimaryError(t *testing.T) {
	env := newTestEnv(t, sse(
		`data: {"type":"text_delta","text":"partial"}`,
		`data: {"type":"error","error":"overloaded"}`,
	), []helpers.LLMStep{
		{ToolCalls: []llm.ToolCall{helpers.ToolCall("call_s", "search", `{"query":"Dali homestay prices"}`)}},
		{Text: "fallback answer"},
	})

	rec := &helpers.FrameRecorder{}
	runID, err := env.svc.Chat(context.Background(), chat("sess_2", answered(`"{\"fieldValues\":{\"location\":\"Dali\"}}"`)), rec)
	require.NoError(t, err)

	fallbacks := rec.Annotations(domain.AnnotationSkillFallback)
	require.Len(t, fallbacks, 1)
	data := fallbacks[0].Data.(domain.FallbackAnnotation)
	assert.Equal(t, domain.FailureProtocol, data.Kind)
	assert.NotContains(t, data.Reason, "overloaded")

	assert.Equal(t, 1, rec.Count(domain.FrameKindFinishMessage))
	assert.Equal(t, 1, rec.Count(domain.FrameKindToolCall))
	assert.Equal(t, 1, rec.Count(domain.FrameKindToolResult))
	assertSeqIncreasing(t, rec.Frames())
	assert.Equal(t, []string{"Dali homestay prices"}, env.searches)

	reqs := env.llm.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "system", reqs[0].Messages[0].Role)
	assert.Contains(t, reqs[0].Messages[0].Content, "Dali")
	last := reqs[0].Messages[len(reqs[0].Messages)-1]
	assert.Equal(t, "user", last.Role)
	assert.Contains(t, last.Content, "[Dali]")
	assert.NotEmpty(t, reqs[0].Tools)
	// the tool result is fed back on the next step
	assert.Equal(t, "tool", reqs[1].Messages[len(reqs[1].Messages)-1].Role)

	msgs, err := env.svc.GetMessages(context.Background(), "sess_2", 0, "")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "fallback answer", msgs[2].Content)

	run, err := env.svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunPathFallback, run.Path)
	assert.Equal(t, domain.RunStatusDone, run.Status)

	types := env.eventTypes(t, runID)
	for _, want := range []domain.EventType{
		domain.EventTypeSkillFailed,
		domain.EventTypeFallbackStarted,
		domain.EventTypeToolCallCreated,
		domain.EventTypePolicyDecision,
		domain.EventTypeToolResult,
		domain.EventTypeFallbackDone,
		domain.EventTypeRunDone,
	} {
		assert.Contains(t, types, want)
	}
}

func TestChatPrimaryTimeoutDiscardsPartialText(t *testing.T) {
	env := newTestEnv(t, func(context.Context) (io.ReadCloser, error) {
		return newHangingBody("data: {\"type\":\"text_delta\",\"text\":\"partial\"}\n"), nil
	}, []helpers.LLMStep{{Text: "recovered"}}, func(d *Deps) {
		d.Config.Skills.Timeout = 50 * time.Millisecond
	})

	rec := &helpers.FrameRecorder{}
	_, err := env.svc.Chat(context.Background(), chat("sess_3", answered(`{"fieldValues":{"location":"Dali"}}`)), rec)
	require.NoError(t, err)

	fallbacks := rec.Annotations(domain.AnnotationSkillFallback)
	require.Len(t, fallbacks, 1)
	assert.Equal(t, domain.FailureTimeout, fallbacks[0].Data.(domain.FallbackAnnotation).Kind)

	msgs, err := env.svc.GetMessages(context.Background(), "sess_3", 0, "")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "recovered", msgs[2].Content)
}

func TestChatFallbackExhausted(t *testing.T) {
	env := newTestEnv(t, func(context.Context) (io.ReadCloser, error) {
		return nil, &domain.AttemptError{Kind: domain.FailureTransport, Op: "skills invoke", Status: 503, Err: errors.New("unavailable")}
	}, []helpers.LLMStep{{Err: helpers.ErrScripted}})

	rec := &helpers.FrameRecorder{}
	runID, err := env.svc.Chat(context.Background(), chat("sess_4", answered(`{"fieldValues":{"location":"Dali"}}`)), rec)
	require.Error(t, err)

	var exhausted *domain.FallbackExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 0, rec.Count(domain.FrameKindFinishMessage))
	assert.Len(t, rec.Annotations(domain.AnnotationSkillFallback), 1)
	assert.Len(t, env.llm.Requests(), 1)

	run, err := env.svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Contains(t, string(run.Error), "fallback_exhausted")

	msgs, err := env.svc.GetMessages(context.Background(), "sess_4", 0, "")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestChatClarifySynthesizesAskQuestion(t *testing.T) {
	env := newTestEnv(t, sse(), []helpers.LLMStep{{Text: "Sure, "}, {Text: "let me ask."}})

	rec := &helpers.FrameRecorder{}
	runID, err := env.svc.Chat(context.Background(), chat("sess_5", []domain.ChatMessage{
		{Role: "user", Content: "I want to invest in a homestay"},
	}), rec)
	require.NoError(t, err)
	assert.Equal(t, 0, env.skills.Calls())

	assert.Equal(t, []domain.FrameKind{
		domain.FrameKindStartStep,
		domain.FrameKindText,
		domain.FrameKindText,
		domain.FrameKindToolCall,
		domain.FrameKindFinishStep,
		domain.FrameKindFinishMessage,
	}, rec.Kinds())

	frames := rec.Frames()
	call := frames[3].ToolCall
	require.NotNil(t, call)
	assert.Equal(t, AskQuestionTool, call.ToolName)
	var args catalog.AskQuestionArgs
	require.NoError(t, json.Unmarshal(call.Args, &args))
	require.NotEmpty(t, args.InputFields)
	assert.Equal(t, "location", args.InputFields[0].Name)
	assert.Equal(t, domain.FinishReasonToolCalls, frames[5].Finish.Reason)

	reqs := env.llm.Requests()
	require.Len(t, reqs, 2)
	assert.Nil(t, reqs[0].ToolChoice)
	assert.NotNil(t, reqs[1].ToolChoice)

	run, err := env.svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusNeedsInput, run.Status)
	assert.Equal(t, domain.RunPathClarify, run.Path)

	events, err := env.store.GetEvents(context.Background(), runID, 0, []string{string(domain.EventTypeClarifyDone)}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	var payload domain.ClarifyPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.True(t, payload.Synthesized)
	assert.Equal(t, []string{"location"}, payload.Missing)
}

func TestChatClarifyKeepsModelCallID(t *testing.T) {
	env := newTestEnv(t, sse(), []helpers.LLMStep{
		{ToolCalls: []llm.ToolCall{helpers.ToolCall("call_model", AskQuestionTool, `{"question":"?"}`)}},
	})

	rec := &helpers.FrameRecorder{}
	_, err := env.svc.Chat(context.Background(), chat("sess_6", []domain.ChatMessage{{Role: "user", Content: "hi"}}), rec)
	require.NoError(t, err)

	require.Equal(t, 1, rec.Count(domain.FrameKindToolCall))
	for _, f := range rec.Frames() {
		if f.Kind == domain.FrameKindToolCall {
			assert.Equal(t, "call_model", f.ToolCall.ToolCallID)
			assert.Contains(t, string(f.ToolCall.Args), "inputFields")
		}
	}
	assert.Len(t, env.llm.Requests(), 1)
}

func TestChatHistoryAcrossClarifyAndAnswer(t *testing.T) {
	env := newTestEnv(t, sse(
		`data: {"type":"text_delta","text":"Dali report"}`,
		`data: {"type":"done"}`,
	), []helpers.LLMStep{
		{Text: "One moment. ", ToolCalls: []llm.ToolCall{helpers.ToolCall("call_form", AskQuestionTool, `{}`)}},
	})
	ctx := context.Background()

	_, err := env.svc.Chat(ctx, chat("sess_h", []domain.ChatMessage{
		{Role: "user", Content: "Research homestays"},
	}), &helpers.FrameRecorder{})
	require.NoError(t, err)

	// The client resends the whole conversation with the answered form.
	_, err = env.svc.Chat(ctx, chat("sess_h", answered(`{"fieldValues":{"location":"Dali","budget":"2M"}}`)), &helpers.FrameRecorder{})
	require.NoError(t, err)
	assert.Equal(t, 1, env.skills.Calls())

	msgs, err := env.svc.GetMessages(ctx, "sess_h", 0, "")
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	assert.Equal(t, []string{"user", "assistant", "user", "assistant"}, roles)
	assert.Equal(t, "Research homestays", msgs[0].Content)
	assert.Equal(t, "One moment. ", msgs[1].Content)
	assert.Equal(t, "Investment area: Dali\nBudget: 2M", msgs[2].Content)
	assert.Equal(t, "Dali report", msgs[3].Content)

	var clarifyMeta domain.TranscriptMetadata
	require.NoError(t, json.Unmarshal(msgs[1].Metadata, &clarifyMeta))
	assert.Equal(t, domain.RunPathClarify, clarifyMeta.Path)
	require.Len(t, clarifyMeta.ToolCalls, 1)
	assert.Equal(t, "call_form", clarifyMeta.ToolCalls[0].ToolCallID)
	assert.Equal(t, AskQuestionTool, clarifyMeta.ToolCalls[0].ToolName)

	var answerMeta domain.UserMessageMetadata
	require.NoError(t, json.Unmarshal(msgs[2].Metadata, &answerMeta))
	assert.Equal(t, domain.FieldValues{"location": "Dali", "budget": "2M"}, answerMeta.FieldValues)
}

func TestTurnUserMessages(t *testing.T) {
	cat, err := catalog.Default()
	require.NoError(t, err)
	skill, err := cat.Get("homestay")
	require.NoError(t, err)

	assert.Equal(t, []domain.TranscriptUserMessage{{Content: "hi"}},
		TurnUserMessages([]domain.ChatMessage{{Role: "user", Content: "hi"}}, skill))

	got := TurnUserMessages(answered(`{"fieldValues":{"location":"Dali"}}`), skill)
	require.Len(t, got, 2)
	assert.Equal(t, "Research homestays", got[0].Content)
	assert.Equal(t, "Investment area: Dali", got[1].Content)
	assert.Equal(t, domain.FieldValues{"location": "Dali"}, got[1].FieldValues)

	// A newer user message replaces the answered form as the turn's input.
	conv := append(answered(`{"fieldValues":{"location":"Dali"}}`), domain.ChatMessage{Role: "user", Content: "and Lijiang?"})
	assert.Equal(t, []domain.TranscriptUserMessage{{Content: "and Lijiang?"}}, TurnUserMessages(conv, skill))
}

func TestChatCancelledDuringPrimary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv(t, func(context.Context) (io.ReadCloser, error) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		return newHangingBody("data: {\"type\":\"text_delta\",\"text\":\"partial\"}\n"), nil
	}, nil)

	rec := &helpers.FrameRecorder{}
	runID, err := env.svc.Chat(ctx, chat("sess_7", answered(`{"fieldValues":{"location":"Dali"}}`)), rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.Annotations(domain.AnnotationSkillFallback))
	assert.Empty(t, env.llm.Requests())

	run, err := env.svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, run.Status)
	assert.Contains(t, env.eventTypes(t, runID), domain.EventTypeRunCancelled)
}

func TestChatSinkErrorIsFatal(t *testing.T) {
	env := newTestEnv(t, sse(
		`data: {"type":"text_delta","text":"hello"}`,
		`data: {"type":"done"}`,
	), nil)

	sinkErr := errors.New("client gone")
	rec := &helpers.FrameRecorder{Err: sinkErr, FailAfter: 1}
	runID, err := env.svc.Chat(context.Background(), chat("sess_8", answered(`{"fieldValues":{"location":"Dali"}}`)), rec)
	require.ErrorIs(t, err, sinkErr)
	assert.Empty(t, env.llm.Requests())

	run, err := env.svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
}

func TestChatEmptyConversation(t *testing.T) {
	env := newTestEnv(t, sse(), nil)
	_, err := env.svc.Chat(context.Background(), chat("sess_9", nil), &helpers.FrameRecorder{})
	assert.ErrorIs(t, err, domain.ErrEmptyConversation)
}

func TestChatUnknownSkill(t *testing.T) {
	env := newTestEnv(t, sse(), nil)
	req := chat("sess_10", []domain.ChatMessage{{Role: "user", Content: "hi"}})
	req.Skill = "nope"
	_, err := env.svc.Chat(context.Background(), req, &helpers.FrameRecorder{})
	assert.ErrorIs(t, err, domain.ErrSkillNotFound)
}

func TestFallbackPolicyBlocksTool(t *testing.T) {
	env := newTestEnv(t, func(context.Context) (io.ReadCloser, error) {
		return nil, domain.NewAttemptError(domain.FailureTransport, "skills invoke", errors.New("refused"))
	}, []helpers.LLMStep{
		{ToolCalls: []llm.ToolCall{helpers.ToolCall("call_b", "search", `{"query":"x"}`)}},
		{Text: "answer without search"},
	}, func(d *Deps) {
		d.Policy = fakePolicy{decision: policy.DecisionBlock, reason: "quota"}
	})

	rec := &helpers.FrameRecorder{}
	runID, err := env.svc.Chat(context.Background(), chat("sess_11", answered(`{"fieldValues":{"location":"Dali"}}`)), rec)
	require.NoError(t, err)
	assert.Empty(t, env.searches)

	var result *domain.ToolResultPart
	for _, f := range rec.Frames() {
		if f.Kind == domain.FrameKindToolResult {
			result = f.ToolResult
		}
	}
	require.NotNil(t, result)
	assert.Contains(t, string(result.Result), "blocked by policy: quota")

	events, err := env.store.GetEvents(context.Background(), runID, 0, []string{string(domain.EventTypePolicyDecision)}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, string(events[0].Payload), `"decision":"block"`)
}

func TestFallbackToolCallBudget(t *testing.T) {
	engine, err := policy.NewDefaultEngine(context.Background())
	require.NoError(t, err)

	env := newTestEnv(t, func(context.Context) (io.ReadCloser, error) {
		return nil, domain.NewAttemptError(domain.FailureTransport, "skills invoke", errors.New("refused"))
	}, []helpers.LLMStep{
		{ToolCalls: []llm.ToolCall{
			helpers.ToolCall("c1", "search", `{"query":"a"}`),
			helpers.ToolCall("c2", "search", `{"query":"b"}`),
		}},
		{Text: "final"},
	}, func(d *Deps) {
		d.Policy = engine
		d.Config.Fallback.MaxToolCalls = 1
	})

	rec := &helpers.FrameRecorder{}
	_, err = env.svc.Chat(context.Background(), chat("sess_13", answered(`{"fieldValues":{"location":"Dali"}}`)), rec)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, env.searches)

	var results []*domain.ToolResultPart
	for _, f := range rec.Frames() {
		if f.Kind == domain.FrameKindToolResult {
			results = append(results, f.ToolResult)
		}
	}
	require.Len(t, results, 2)
	assert.NotContains(t, string(results[0].Result), "blocked")
	assert.Contains(t, string(results[1].Result), "blocked by policy: tool call budget exhausted")
}

func TestFallbackLastStepOffersNoTools(t *testing.T) {
	env := newTestEnv(t, func(context.Context) (io.ReadCloser, error) {
		return nil, domain.NewAttemptError(domain.FailureTransport, "skills invoke", errors.New("refused"))
	}, []helpers.LLMStep{
		{ToolCalls: []llm.ToolCall{helpers.ToolCall("c1", "search", `{"query":"a"}`)}},
		{ToolCalls: []llm.ToolCall{helpers.ToolCall("c2", "search", `{"query":"b"}`)}},
		{Text: "final"},
	})

	rec := &helpers.FrameRecorder{}
	_, err := env.svc.Chat(context.Background(), chat("sess_12", answered(`{"fieldValues":{"location":"Dali"}}`)), rec)
	require.NoError(t, err)

	reqs := env.llm.Requests()
	require.Len(t, reqs, 3)
	assert.NotEmpty(t, reqs[1].Tools)
	assert.Empty(t, reqs[2].Tools)
	assert.Equal(t, "final", lastText(rec))
}

func lastText(rec *helpers.FrameRecorder) string {
	frames := rec.Frames()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Kind == domain.FrameKindText {
			return frames[i].Text
		}
	}
	return ""
}

func TestChatObserverSeesFrames(t *testing.T) {
	obs := &fakeObserver{}
	env := newTestEnv(t, sse(
		`data: {"type":"text_delta","text":"hi"}`,
		`data: {"type":"done"}`,
	), nil, func(d *Deps) { d.Watchers = fakeWatchers{obs: obs} })

	rec := &helpers.FrameRecorder{}
	_, err := env.svc.Chat(context.Background(), chat("sess_13", answered(`{"fieldValues":{"location":"Dali"}}`)), rec)
	require.NoError(t, err)

	assert.True(t, obs.started)
	assert.Equal(t, domain.RunStatusDone, obs.status)
	assert.Equal(t, rec.Frames(), obs.frames)
}

func TestFieldValuesFromConversation(t *testing.T) {
	inv := func(result string) domain.ChatMessage {
		return domain.ChatMessage{Role: "assistant", ToolInvocations: []domain.ToolInvocation{{
			ToolName: AskQuestionTool, Result: json.RawMessage(result),
		}}}
	}

	tests := []struct {
		name     string
		messages []domain.ChatMessage
		want     domain.FieldValues
	}{
		{"none", []domain.ChatMessage{{Role: "user", Content: "hi"}}, domain.FieldValues{}},
		{"object", []domain.ChatMessage{inv(`{"fieldValues":{"location":" Dali "}}`)}, domain.FieldValues{"location": "Dali"}},
		{"string encoded", []domain.ChatMessage{inv(`"{\"fieldValues\":{\"budget\":\"1M\"}}"`)}, domain.FieldValues{"budget": "1M"}},
		{"newest wins", []domain.ChatMessage{
			inv(`{"fieldValues":{"location":"old"}}`),
			{Role: "user", Content: "again"},
			inv(`{"fieldValues":{"location":"new"}}`),
		}, domain.FieldValues{"location": "new"}},
		{"non string values", []domain.ChatMessage{inv(`{"fieldValues":{"rooms":4,"note":null}}`)}, domain.FieldValues{"rooms": "4"}},
		{"malformed skipped", []domain.ChatMessage{
			inv(`{"fieldValues":{"location":"Dali"}}`),
			inv(`not json`),
		}, domain.FieldValues{"location": "Dali"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FieldValuesFromConversation(tt.messages))
		})
	}
}

func TestGetRunEventsNotFound(t *testing.T) {
	env := newTestEnv(t, sse(), nil)
	_, err := env.svc.GetRunEvents(context.Background(), "run_missing", 0, nil, 0)
	assert.ErrorIs(t, err, domain.ErrRunNotFound)

	_, err = env.svc.GetMessages(context.Background(), "sess_missing", 0, "")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestTurnForDefaults(t *testing.T) {
	env := newTestEnv(t, sse(), nil)
	turn := env.svc.TurnFor(domain.ChatRequest{})
	assert.True(t, strings.HasPrefix(turn.SessionID, "sess_"))
	assert.True(t, strings.HasPrefix(turn.RunID, "run_"))
	assert.Equal(t, "anonymous", turn.UserID)
	assert.Equal(t, "homestay", turn.Skill)
}

var _ stream.FrameSink = (*fakeObserver)(nil)
