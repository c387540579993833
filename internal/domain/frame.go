package domain

import "encoding/json"

// Frame is one unit of the client-facing stream. Kind selects which of the
// remaining fields is meaningful. Seq is assigned by the emitter and is
// strictly increasing within a request.
type Frame struct {
	Seq  int64     `json:"seq"`
	Kind FrameKind `json:"kind"`

	MessageID   string          `json:"message_id,omitempty"`
	Text        string          `json:"text,omitempty"`
	Annotations []Annotation    `json:"annotations,omitempty"`
	ToolCall    *ToolCallPart   `json:"tool_call,omitempty"`
	ToolResult  *ToolResultPart `json:"tool_result,omitempty"`
	Finish      *FinishPart     `json:"finish,omitempty"`
}

// Annotation is a typed message annotation.
type Annotation struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Annotation types.
const (
	AnnotationSkillStep     = "skill_step"
	AnnotationSkillResult   = "skill_result"
	AnnotationSkillComplete = "skill_complete"
	AnnotationSkillFiles    = "skill_files"
	AnnotationKeepalive     = "keepalive"
	AnnotationSkillFallback = "skill_fallback"
)

// StepAnnotation reports a step starting or completing.
type StepAnnotation struct {
	StepID     string    `json:"stepId"`
	StepNumber int       `json:"stepNumber"`
	StepType   string    `json:"stepType"`
	ToolName   string    `json:"toolName"`
	State      StepState `json:"state"`
	TotalSteps int       `json:"totalSteps"`
}

// ResultAnnotation reports a result block phase.
type ResultAnnotation struct {
	ResultType ResultKind `json:"resultType"`
	State      StepState  `json:"state"`
}

// FilesAnnotation lists files produced by the skill.
type FilesAnnotation struct {
	FileIDs         []string `json:"fileIds"`
	DownloadBaseURL string   `json:"downloadBaseUrl"`
}

// KeepaliveAnnotation echoes an upstream keepalive.
type KeepaliveAnnotation struct {
	Timestamp int64 `json:"timestamp"`
}

// FallbackAnnotation tells the client the primary path was abandoned.
type FallbackAnnotation struct {
	Reason string      `json:"reason"`
	Kind   FailureKind `json:"kind"`
}

// ToolCallPart is a complete tool call issued by a local generation loop.
type ToolCallPart struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
}

// ToolResultPart is the result of a tool call.
type ToolResultPart struct {
	ToolCallID string          `json:"toolCallId"`
	Result     json.RawMessage `json:"result"`
}

// FinishPart carries the finish reason and, for finish_message, usage.
type FinishPart struct {
	Reason string `json:"reason"`
	Usage  *Usage `json:"usage,omitempty"`
}
