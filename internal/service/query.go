package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/gogo/research/internal/adapter/skills"
	"github.com/xiaot623/gogo/research/internal/domain"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 200
	defaultEventLimit   = 500
)

// GetMessages returns a page of a session's history.
func (s *Service) GetMessages(ctx context.Context, sessionID string, limit int, before string) ([]domain.Message, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, domain.ErrSessionNotFound
	}
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}
	return s.store.GetMessages(ctx, sessionID, limit, before)
}

// GetRun returns a run or domain.ErrRunNotFound.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, domain.ErrRunNotFound
	}
	return run, nil
}

// GetRunEvents returns a run's trace events after afterTs, optionally
// filtered by type.
func (s *Service) GetRunEvents(ctx context.Context, runID string, afterTs int64, types []string, limit int) ([]domain.Event, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultEventLimit
	}
	return s.store.GetEvents(ctx, runID, afterTs, types, limit)
}

// FileMetadata proxies a file metadata lookup to the skill service.
func (s *Service) FileMetadata(ctx context.Context, fileID string) (*skills.FileMetadata, error) {
	if fileID == "" {
		return nil, fmt.Errorf("file id is required")
	}
	return s.skills.FileMetadata(ctx, fileID)
}

// DownloadFile proxies a file download. The caller closes the body.
func (s *Service) DownloadFile(ctx context.Context, fileID string) (*skills.FileDownload, error) {
	if fileID == "" {
		return nil, fmt.Errorf("file id is required")
	}
	return s.skills.DownloadFile(ctx, fileID)
}
