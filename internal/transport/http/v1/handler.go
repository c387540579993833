// Package v1 provides the public HTTP API of the research service.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/research/internal/domain"
	"github.com/xiaot623/gogo/research/internal/logger"
	"github.com/xiaot623/gogo/research/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
	log     *logger.Logger
}

// NewHandler creates a new handler.
func NewHandler(svc *service.Service, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{service: svc, log: log}
}

// RegisterRoutes registers the public routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/api/chat", h.Chat)
	e.GET("/api/skills-files/:file_id", h.SkillFile)

	e.GET("/v1/sessions/:session_id/messages", h.GetSessionMessages)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.GET("/v1/runs/:run_id/events", h.GetRunEvents)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": "0.1.0",
		"skills":  h.service.Skills(),
	})
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

// storeError maps lookup errors to a response.
func (h *Handler) storeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrRunNotFound), errors.Is(err, domain.ErrSessionNotFound):
		return errorJSON(c, http.StatusNotFound, err.Error())
	default:
		h.log.WithError(err).Error("request failed")
		return errorJSON(c, http.StatusInternalServerError, "internal error")
	}
}
