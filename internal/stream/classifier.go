package stream

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/research/internal/domain"
	"github.com/xiaot623/gogo/research/internal/logger"
)

const (
	dataPrefix      = "data:"
	keepalivePrefix = ": keepalive"
	doneSentinel    = "[DONE]"
)

// Classifier maps protocol lines to upstream events.
type Classifier struct {
	log *logger.Logger
}

// NewClassifier creates a Classifier. Malformed payloads are logged at debug
// level and dropped.
func NewClassifier(log *logger.Logger) *Classifier {
	if log == nil {
		log = logger.NewNop()
	}
	return &Classifier{log: log}
}

// Classify parses one line. It returns false for lines that carry no event:
// blank lines, comments other than keepalives, unparseable JSON, and unknown
// payload types.
func (c *Classifier) Classify(line string) (domain.UpstreamEvent, bool) {
	line = strings.TrimSuffix(line, "\r")
	if line == "" {
		return domain.UpstreamEvent{}, false
	}
	if strings.HasPrefix(line, ":") {
		if strings.HasPrefix(line, keepalivePrefix) {
			return domain.UpstreamEvent{Kind: domain.EventKindKeepalive}, true
		}
		return domain.UpstreamEvent{}, false
	}
	if !strings.HasPrefix(line, dataPrefix) {
		return domain.UpstreamEvent{}, false
	}

	data := strings.TrimPrefix(line[len(dataPrefix):], " ")
	if data == doneSentinel {
		return domain.UpstreamEvent{}, false
	}

	var p domain.SkillSSEPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		c.log.Debug("dropping malformed skill event", zap.Error(err), zap.Int("bytes", len(data)))
		return domain.UpstreamEvent{}, false
	}
	return fromPayload(&p)
}

func fromPayload(p *domain.SkillSSEPayload) (domain.UpstreamEvent, bool) {
	switch p.Type {
	case "text_delta":
		text := p.Text
		if text == "" {
			text = p.Delta
		}
		if text == "" {
			return domain.UpstreamEvent{}, false
		}
		return domain.UpstreamEvent{Kind: domain.EventKindTextDelta, Text: text}, true

	case "step_start", "step_complete":
		kind := domain.EventKindStepStart
		if p.Type == "step_complete" {
			kind = domain.EventKindStepComplete
		}
		return domain.UpstreamEvent{Kind: kind, Step: &domain.StepEvent{
			ID:       p.ToolID,
			Number:   p.StepNumber,
			Index:    p.Index,
			Type:     p.StepType,
			ToolName: p.ToolName,
		}}, true

	case "code_result_start":
		return resultEvent(domain.ResultKindCode, domain.ResultPhaseStart), true
	case "server_result_start":
		return resultEvent(domain.ResultKindServer, domain.ResultPhaseStart), true
	case "code_result_complete":
		return resultEvent(domain.ResultKindCode, domain.ResultPhaseComplete), true
	case "server_result_complete":
		return resultEvent(domain.ResultKindServer, domain.ResultPhaseComplete), true

	case "message_stop":
		return domain.UpstreamEvent{Kind: domain.EventKindMessageStop, TotalSteps: p.TotalSteps}, true

	case "done":
		return domain.UpstreamEvent{Kind: domain.EventKindDone, Done: &domain.DoneEvent{
			Usage:       p.Usage,
			FileIDs:     p.FileIDs,
			Model:       p.Model,
			ContainerID: p.ContainerID,
		}}, true

	case "error":
		return domain.UpstreamEvent{Kind: domain.EventKindError, Text: errorMessage(p.Error)}, true
	}
	return domain.UpstreamEvent{}, false
}

func resultEvent(kind domain.ResultKind, phase domain.ResultPhase) domain.UpstreamEvent {
	return domain.UpstreamEvent{
		Kind:   domain.EventKindResultPhase,
		Result: &domain.ResultEvent{Kind: kind, Phase: phase},
	}
}

// errorMessage accepts `"error": "text"` as well as `"error": {"message": "text"}`.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "upstream reported an error"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}
