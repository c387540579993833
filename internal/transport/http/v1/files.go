package v1

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/research/internal/adapter/skills"
)

// SkillFile proxies file metadata or a file download from the skill
// service.
// GET /api/skills-files/:file_id?action=metadata|download
func (h *Handler) SkillFile(c echo.Context) error {
	fileID := c.Param("file_id")
	if fileID == "" {
		return errorJSON(c, http.StatusBadRequest, "file_id is required")
	}
	ctx := c.Request().Context()

	switch action := c.QueryParam("action"); action {
	case "", "metadata":
		meta, err := h.service.FileMetadata(ctx, fileID)
		if err != nil {
			return h.upstreamError(c, fileID, err)
		}
		return c.JSON(http.StatusOK, meta)

	case "download":
		dl, err := h.service.DownloadFile(ctx, fileID)
		if err != nil {
			return h.upstreamError(c, fileID, err)
		}
		defer dl.Body.Close()

		contentType := dl.ContentType
		if contentType == "" {
			contentType = echo.MIMEOctetStream
		}
		disposition := dl.ContentDisposition
		if disposition == "" {
			disposition = fmt.Sprintf("attachment; filename=%q", fileID)
		}
		c.Response().Header().Set(echo.HeaderContentDisposition, disposition)
		if dl.ContentLength > 0 {
			c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(dl.ContentLength, 10))
		}
		return c.Stream(http.StatusOK, contentType, dl.Body)

	default:
		return errorJSON(c, http.StatusBadRequest, "invalid action: "+action)
	}
}

func (h *Handler) upstreamError(c echo.Context, fileID string, err error) error {
	var se *skills.StatusError
	if errors.As(err, &se) {
		return errorJSON(c, se.Status, fmt.Sprintf("Skills API returned %d", se.Status))
	}
	h.log.Error("skills file request failed", zap.String("file_id", fileID), zap.Error(err))
	return errorJSON(c, http.StatusBadGateway, "failed to reach skills API")
}
