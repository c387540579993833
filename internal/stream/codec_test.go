package stream

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/research/internal/domain"
	"github.com/xiaot623/gogo/research/tests/helpers"
)

func TestEncodeFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame domain.Frame
		want  string
	}{
		{"start step", domain.Frame{Kind: domain.FrameKindStartStep, MessageID: "msg-1"}, `f:{"messageId":"msg-1"}`},
		{"text", domain.Frame{Kind: domain.FrameKindText, Text: "he said \"hi\"\n"}, `0:"he said \"hi\"\n"`},
		{"annotation", domain.Frame{Kind: domain.FrameKindAnnotation, Annotations: []domain.Annotation{
			{Type: domain.AnnotationSkillResult, Data: domain.ResultAnnotation{ResultType: domain.ResultKindCode, State: domain.StepStateRunning}},
		}}, `8:[{"type":"skill_result","data":{"resultType":"code","state":"running"}}]`},
		{"tool call", domain.Frame{Kind: domain.FrameKindToolCall, ToolCall: &domain.ToolCallPart{
			ToolCallID: "call_1", ToolName: "search", Args: []byte(`{"query":"x"}`),
		}}, `9:{"toolCallId":"call_1","toolName":"search","args":{"query":"x"}}`},
		{"tool result", domain.Frame{Kind: domain.FrameKindToolResult, ToolResult: &domain.ToolResultPart{
			ToolCallID: "call_1", Result: []byte(`{"ok":true}`),
		}}, `a:{"toolCallId":"call_1","result":{"ok":true}}`},
		{"finish step", domain.Frame{Kind: domain.FrameKindFinishStep, Finish: &domain.FinishPart{Reason: "stop"}},
			`e:{"finishReason":"stop","isContinued":false}`},
		{"finish message with usage", domain.Frame{Kind: domain.FrameKindFinishMessage, Finish: &domain.FinishPart{
			Reason: "stop", Usage: &domain.Usage{InputTokens: 10, OutputTokens: 5},
		}}, `d:{"finishReason":"stop","usage":{"promptTokens":10,"completionTokens":5}}`},
		{"finish message without usage", domain.Frame{Kind: domain.FrameKindFinishMessage}, `d:{"finishReason":"stop"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeFrame(tt.frame)
			require.NoError(t, err)
			assert.Equal(t, tt.want+"\n", string(got))
		})
	}

	_, err := EncodeFrame(domain.Frame{Kind: "bogus"})
	assert.Error(t, err)
}

func TestParsePart(t *testing.T) {
	code, payload, err := ParsePart(`0:"hello"` + "\n")
	require.NoError(t, err)
	assert.Equal(t, PartText, code)
	assert.JSONEq(t, `"hello"`, string(payload))

	_, _, err = ParsePart("no colon")
	assert.Error(t, err)
	_, _, err = ParsePart("0:{broken")
	assert.Error(t, err)
}

func TestDataStreamWriterFlushes(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewDataStreamWriter(rec)

	require.NoError(t, w.WriteFrame(context.Background(), domain.Frame{Kind: domain.FrameKindText, Text: "a"}))
	require.NoError(t, w.WriteError("research failed"))

	assert.True(t, rec.Flushed)
	assert.Equal(t, "0:\"a\"\n3:\"research failed\"\n", rec.Body.String())
}

func TestTerminalGuard(t *testing.T) {
	rec := &helpers.FrameRecorder{}
	g := NewTerminalGuard(rec)
	ctx := context.Background()

	require.NoError(t, g.WriteFrame(ctx, domain.Frame{Kind: domain.FrameKindText, Text: "x"}))
	assert.False(t, g.Finished())
	require.NoError(t, g.WriteFrame(ctx, domain.Frame{Kind: domain.FrameKindFinishMessage}))
	assert.True(t, g.Finished())

	assert.ErrorIs(t, g.WriteFrame(ctx, domain.Frame{Kind: domain.FrameKindText, Text: "late"}), ErrStreamFinished)
	assert.ErrorIs(t, g.WriteFrame(ctx, domain.Frame{Kind: domain.FrameKindFinishMessage}), ErrStreamFinished)
	assert.Equal(t, 1, rec.Count(domain.FrameKindFinishMessage))
	assert.Len(t, rec.Frames(), 2)
}

func TestTerminalGuardFailedFinishDoesNotLatch(t *testing.T) {
	rec := &helpers.FrameRecorder{Err: errors.New("broken pipe")}
	g := NewTerminalGuard(rec)

	assert.Error(t, g.WriteFrame(context.Background(), domain.Frame{Kind: domain.FrameKindFinishMessage}))
	assert.False(t, g.Finished())
}

func TestTee(t *testing.T) {
	primary := &helpers.FrameRecorder{}
	broken := &helpers.FrameRecorder{Err: errors.New("watcher gone")}
	watcher := &helpers.FrameRecorder{}
	var observed []error

	tee := NewTee(primary, func(err error) { observed = append(observed, err) }, broken, watcher)
	require.NoError(t, tee.WriteFrame(context.Background(), domain.Frame{Kind: domain.FrameKindText, Text: "x"}))

	assert.Len(t, primary.Frames(), 1)
	assert.Len(t, watcher.Frames(), 1)
	assert.Len(t, observed, 1)

	failing := NewTee(broken, nil, watcher)
	assert.Error(t, failing.WriteFrame(context.Background(), domain.Frame{Kind: domain.FrameKindText}))
	assert.Len(t, watcher.Frames(), 1)
}
