package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/xiaot623/gogo/research/internal/domain"
)

// DataStreamHeader marks a response as a v1 data stream.
const DataStreamHeader = "X-Vercel-AI-Data-Stream"

// Data stream part codes.
const (
	PartText          = "0"
	PartError         = "3"
	PartAnnotations   = "8"
	PartToolCall      = "9"
	PartToolResult    = "a"
	PartFinishMessage = "d"
	PartFinishStep    = "e"
	PartStartStep     = "f"
)

type finishStepPayload struct {
	FinishReason string `json:"finishReason"`
	IsContinued  bool   `json:"isContinued"`
}

type finishMessagePayload struct {
	FinishReason string        `json:"finishReason"`
	Usage        *usagePayload `json:"usage,omitempty"`
}

type usagePayload struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// EncodeFrame renders f as one data stream part, including the trailing
// newline.
func EncodeFrame(f domain.Frame) ([]byte, error) {
	var code string
	var payload any
	switch f.Kind {
	case domain.FrameKindStartStep:
		code, payload = PartStartStep, map[string]string{"messageId": f.MessageID}
	case domain.FrameKindText:
		code, payload = PartText, f.Text
	case domain.FrameKindAnnotation:
		code, payload = PartAnnotations, f.Annotations
	case domain.FrameKindToolCall:
		code, payload = PartToolCall, f.ToolCall
	case domain.FrameKindToolResult:
		code, payload = PartToolResult, f.ToolResult
	case domain.FrameKindFinishStep:
		code, payload = PartFinishStep, finishStepPayload{FinishReason: finishReason(f.Finish)}
	case domain.FrameKindFinishMessage:
		p := finishMessagePayload{FinishReason: finishReason(f.Finish)}
		if f.Finish != nil && f.Finish.Usage != nil {
			p.Usage = &usagePayload{
				PromptTokens:     f.Finish.Usage.InputTokens,
				CompletionTokens: f.Finish.Usage.OutputTokens,
			}
		}
		code, payload = PartFinishMessage, p
	default:
		return nil, fmt.Errorf("unknown frame kind %q", f.Kind)
	}
	return encodePart(code, payload)
}

func finishReason(f *domain.FinishPart) string {
	if f == nil || f.Reason == "" {
		return domain.FinishReasonStop
	}
	return f.Reason
}

func encodePart(code string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal part %s: %w", code, err)
	}
	out := make([]byte, 0, len(code)+len(data)+2)
	out = append(out, code...)
	out = append(out, ':')
	out = append(out, data...)
	out = append(out, '\n')
	return out, nil
}

// ParsePart splits a data stream line into its code and JSON payload.
func ParsePart(line string) (string, json.RawMessage, error) {
	code, payload, ok := strings.Cut(strings.TrimSuffix(line, "\n"), ":")
	if !ok || code == "" {
		return "", nil, fmt.Errorf("invalid data stream part %q", line)
	}
	if !json.Valid([]byte(payload)) {
		return "", nil, fmt.Errorf("invalid payload for part %s", code)
	}
	return code, json.RawMessage(payload), nil
}

// DataStreamWriter is a FrameSink that encodes frames onto an io.Writer and
// flushes after every part.
type DataStreamWriter struct {
	mu    sync.Mutex
	w     io.Writer
	flush func()
}

// NewDataStreamWriter wraps w. If w is an http.Flusher every part is flushed.
func NewDataStreamWriter(w io.Writer) *DataStreamWriter {
	d := &DataStreamWriter{w: w, flush: func() {}}
	if f, ok := w.(http.Flusher); ok {
		d.flush = f.Flush
	}
	return d
}

func (d *DataStreamWriter) WriteFrame(_ context.Context, f domain.Frame) error {
	part, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	return d.write(part)
}

// WriteError writes an error part. Used once the stream has begun and a
// failure can no longer be reported through the status code.
func (d *DataStreamWriter) WriteError(msg string) error {
	part, err := encodePart(PartError, msg)
	if err != nil {
		return err
	}
	return d.write(part)
}

func (d *DataStreamWriter) write(part []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.w.Write(part); err != nil {
		return err
	}
	d.flush()
	return nil
}
