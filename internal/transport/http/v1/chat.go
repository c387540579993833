package v1

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/research/internal/domain"
	"github.com/xiaot623/gogo/research/internal/stream"
)

// Response headers of the chat stream.
const (
	HeaderDataStream = stream.DataStreamHeader
	HeaderRunID      = "X-Run-ID"
	HeaderSessionID  = "X-Session-ID"
)

const exhaustedMessage = "Research is unavailable right now. Please try again later."

// Chat runs one chat turn and streams the answer as a data stream.
// POST /api/chat
func (h *Handler) Chat(c echo.Context) error {
	var req domain.ChatRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if len(req.Messages) == 0 {
		return errorJSON(c, http.StatusBadRequest, "messages are required")
	}
	if req.Skill != "" && !slices.Contains(h.service.Skills(), req.Skill) {
		return errorJSON(c, http.StatusBadRequest, "unknown skill: "+req.Skill)
	}

	turn := h.service.TurnFor(req)

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/plain; charset=utf-8")
	res.Header().Set(HeaderDataStream, "v1")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set(HeaderRunID, turn.RunID)
	res.Header().Set(HeaderSessionID, turn.SessionID)
	res.WriteHeader(http.StatusOK)
	res.Flush()

	w := stream.NewDataStreamWriter(res)
	finished := false
	sink := stream.FrameSinkFunc(func(ctx context.Context, f domain.Frame) error {
		if err := w.WriteFrame(ctx, f); err != nil {
			return err
		}
		if f.Kind == domain.FrameKindFinishMessage {
			finished = true
		}
		return nil
	})

	err := h.service.Orchestrator().Run(c.Request().Context(), turn, sink)
	if err == nil || finished || errors.Is(err, context.Canceled) {
		return nil
	}

	msg := "internal error"
	var exhausted *domain.FallbackExhaustedError
	if errors.As(err, &exhausted) {
		msg = exhaustedMessage
	}
	if werr := w.WriteError(msg); werr != nil {
		h.log.Debug("failed to write error part", zap.String("run_id", turn.RunID), zap.Error(werr))
	}
	return nil
}
