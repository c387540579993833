// Package service runs research requests: clarification, the primary skill
// stream, the search-based fallback and persistence.
package service

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

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
)

// SkillsAPI is the part of the skill service the research flow uses.
type SkillsAPI interface {
	OpenStream(ctx context.Context, req domain.ExecutionRequest) (io.ReadCloser, error)
	FileMetadata(ctx context.Context, fileID string) (*skills.FileMetadata, error)
	DownloadFile(ctx context.Context, fileID string) (*skills.FileDownload, error)
}

// ToolPolicy decides whether a fallback tool call may run.
type ToolPolicy interface {
	Evaluate(ctx context.Context, input policy.Input) (string, string, error)
}

// RunObserver receives the frames of a run besides the requesting client.
type RunObserver interface {
	stream.FrameSink
	Started()
	Ended(status domain.RunStatus, err error)
}

// Watchers hands out observers for runs.
type Watchers interface {
	Observe(sessionID, runID string) RunObserver
}

// Deps are the collaborators of a Service. Policy and Watchers may be nil.
type Deps struct {
	Store    store.Store
	Skills   SkillsAPI
	LLM      llm.LLMClient
	Catalog  *catalog.Catalog
	Tools    *tools.Registry
	Policy   ToolPolicy
	Watchers Watchers
	Config   *config.Config
	Logger   *logger.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type Service struct {
	store        store.Store
	skills       SkillsAPI
	catalog      *catalog.Catalog
	orchestrator *Orchestrator
	config       *config.Config
	log          *logger.Logger
}

func New(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = logger.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{
		store:        deps.Store,
		skills:       deps.Skills,
		catalog:      deps.Catalog,
		orchestrator: NewOrchestrator(deps),
		config:       deps.Config,
		log:          deps.Logger,
	}
}

// Chat runs one chat turn, writing frames to sink. The chat id is the
// session id.
func (s *Service) Chat(ctx context.Context, req domain.ChatRequest, sink stream.FrameSink) (string, error) {
	turn := s.TurnFor(req)
	return turn.RunID, s.orchestrator.Run(ctx, turn, sink)
}

// TurnFor resolves a chat request to a turn with a fresh run id.
func (s *Service) TurnFor(req domain.ChatRequest) domain.Turn {
	sessionID := req.ID
	if sessionID == "" {
		sessionID = "sess_" + uuid.New().String()[:8]
	}
	userID := req.UserID
	if userID == "" {
		userID = "anonymous"
	}
	skill := req.Skill
	if skill == "" && s.config != nil {
		skill = s.config.Catalog.Skill
	}
	return domain.Turn{
		SessionID: sessionID,
		RunID:     "run_" + uuid.New().String()[:8],
		UserID:    userID,
		Skill:     skill,
		Messages:  req.Messages,
	}
}

// Orchestrator returns the request orchestrator.
func (s *Service) Orchestrator() *Orchestrator { return s.orchestrator }

// Skills lists the catalog's skill names.
func (s *Service) Skills() []string { return s.catalog.Names() }
