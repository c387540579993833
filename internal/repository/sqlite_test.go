package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/research/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createRun(t *testing.T, store *SQLiteStore, sessionID, runID string) {
	t.Helper()
	ctx := context.Background()
	_, err := store.GetOrCreateSession(ctx, sessionID, "u1")
	require.NoError(t, err)
	require.NoError(t, store.CreateRun(ctx, &domain.Run{
		RunID:     runID,
		SessionID: sessionID,
		Skill:     "homestay",
		Status:    domain.RunStatusRunning,
		StartedAt: time.Now(),
	}))
}

func TestGetOrCreateSession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	missing, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	first, err := store.GetOrCreateSession(ctx, "s1", "u1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "u1", first.UserID)

	// A second caller does not take over the session.
	second, err := store.GetOrCreateSession(ctx, "s1", "u2")
	require.NoError(t, err)
	assert.Equal(t, "u1", second.UserID)
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createRun(t, store, "s1", "r1")

	require.NoError(t, store.UpdateRunPath(ctx, "r1", domain.RunPathFallback))
	require.NoError(t, store.UpdateRunCompleted(ctx, "r1", domain.RunStatusFailed, []byte(`{"error":"boom"}`)))

	run, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, domain.RunPathFallback, run.Path)
	assert.JSONEq(t, `{"error":"boom"}`, string(run.Error))
	assert.NotNil(t, run.EndedAt)

	missing, err := store.GetRun(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestEventsOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createRun(t, store, "s1", "r1")

	ts := time.Now().UnixMilli()
	types := []domain.EventType{
		domain.EventTypeRunStarted,
		domain.EventTypeSkillInvoked,
		domain.EventTypeSkillFailed,
		domain.EventTypeFallbackStarted,
	}
	for i, typ := range types {
		require.NoError(t, store.CreateEvent(ctx, &domain.Event{
			EventID: "e" + string(rune('a'+i)),
			RunID:   "r1",
			Ts:      ts, // same millisecond on purpose
			Type:    typ,
			Payload: json.RawMessage(`{}`),
		}))
	}

	events, err := store.GetEvents(ctx, "r1", 0, nil, 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, types[i], ev.Type)
	}

	filtered, err := store.GetEvents(ctx, "r1", 0, []string{string(domain.EventTypeSkillFailed)}, 10)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "ec", filtered[0].EventID)

	after, err := store.GetEvents(ctx, "r1", ts, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, after)
}

func TestAppendTranscript(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createRun(t, store, "s1", "r1")

	err := store.AppendTranscript(ctx, domain.Transcript{
		SessionID:     "s1",
		RunID:         "r1",
		UserID:        "u1",
		Skill:         "homestay",
		Path:          domain.RunPathPrimary,
		UserMessages:  []domain.TranscriptUserMessage{{Content: "Research  homestays\nin Dali"}},
		AssistantText: "Report",
		FileIDs:       []string{"file_1"},
		Usage:         &domain.Usage{InputTokens: 10, OutputTokens: 20},
		Model:         "claude",
		CompletedAt:   time.Now(),
	})
	require.NoError(t, err)

	messages, err := store.GetMessages(ctx, "s1", 0, "")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "assistant", messages[1].Role)
	assert.Equal(t, "Report", messages[1].Content)

	var meta domain.TranscriptMetadata
	require.NoError(t, json.Unmarshal(messages[1].Metadata, &meta))
	assert.Equal(t, domain.RunPathPrimary, meta.Path)
	assert.Equal(t, []string{"file_1"}, meta.FileIDs)
	assert.Equal(t, 20, meta.Usage.OutputTokens)

	run, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusDone, run.Status)
	assert.Equal(t, domain.RunPathPrimary, run.Path)

	session, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Research homestays in Dali", session.Title)

	before, err := store.GetMessages(ctx, "s1", 0, messages[1].MessageID)
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.Equal(t, "user", before[0].Role)
}

func TestAppendTranscriptSkipsStoredUserMessage(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createRun(t, store, "s1", "r1")
	createRun(t, store, "s1", "r2")

	at := time.Now()
	err := store.AppendTranscript(ctx, domain.Transcript{
		SessionID:     "s1",
		RunID:         "r1",
		Path:          domain.RunPathClarify,
		Status:        domain.RunStatusNeedsInput,
		UserMessages:  []domain.TranscriptUserMessage{{Content: "Research homestays"}},
		AssistantText: "Let me ask.",
		ToolCalls:     []domain.ToolCallPart{{ToolCallID: "call_1", ToolName: "ask_question", Args: json.RawMessage(`{}`)}},
		CompletedAt:   at,
	})
	require.NoError(t, err)

	// The second turn resends the first message and finishes in the same
	// millisecond.
	err = store.AppendTranscript(ctx, domain.Transcript{
		SessionID: "s1",
		RunID:     "r2",
		Path:      domain.RunPathPrimary,
		UserMessages: []domain.TranscriptUserMessage{
			{Content: "Research homestays"},
			{Content: "Location: Dali", FieldValues: domain.FieldValues{"location": "Dali"}},
		},
		AssistantText: "Report",
		CompletedAt:   at,
	})
	require.NoError(t, err)

	messages, err := store.GetMessages(ctx, "s1", 0, "")
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.Equal(t, []string{"user", "assistant", "user", "assistant"},
		[]string{messages[0].Role, messages[1].Role, messages[2].Role, messages[3].Role})
	assert.Equal(t, "Research homestays", messages[0].Content)
	assert.Equal(t, "Location: Dali", messages[2].Content)
	assert.Equal(t, "Report", messages[3].Content)

	var clarifyMeta domain.TranscriptMetadata
	require.NoError(t, json.Unmarshal(messages[1].Metadata, &clarifyMeta))
	require.Len(t, clarifyMeta.ToolCalls, 1)
	assert.Equal(t, "call_1", clarifyMeta.ToolCalls[0].ToolCallID)

	var userMeta domain.UserMessageMetadata
	require.NoError(t, json.Unmarshal(messages[2].Metadata, &userMeta))
	assert.Equal(t, domain.FieldValues{"location": "Dali"}, userMeta.FieldValues)
	assert.False(t, messages[2].CreatedAt.Before(messages[1].CreatedAt))
}

func TestAppendTranscriptRequiresIDs(t *testing.T) {
	store := newTestStore(t)

	err := store.AppendTranscript(context.Background(), domain.Transcript{RunID: "r1"})
	assert.Error(t, err)
}
