// Command research serves the research chat stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/research/internal/adapter/llm"
	"github.com/xiaot623/gogo/research/internal/adapter/skills"
	"github.com/xiaot623/gogo/research/internal/catalog"
	"github.com/xiaot623/gogo/research/internal/config"
	"github.com/xiaot623/gogo/research/internal/hub"
	"github.com/xiaot623/gogo/research/internal/logger"
	"github.com/xiaot623/gogo/research/internal/policy"
	"github.com/xiaot623/gogo/research/internal/repository"
	"github.com/xiaot623/gogo/research/internal/service"
	"github.com/xiaot623/gogo/research/internal/tools"
	transport "github.com/xiaot623/gogo/research/internal/transport/http"
	"github.com/xiaot623/gogo/research/internal/transport/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "research: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting research service",
		zap.Int("port", cfg.Server.Port),
		zap.String("database", cfg.Database.URL),
		zap.String("skills_url", cfg.Skills.URL),
		zap.String("llm_url", cfg.LLM.URL),
		zap.Bool("llm_mock", cfg.LLM.Mock))

	cat, err := loadCatalog(cfg.Catalog)
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policyEngine, err := policy.NewDefaultEngine(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	watchHub := hub.NewHub(log)
	svc := service.New(service.Deps{
		Store:    db,
		Skills:   skills.NewClient(cfg.Skills.URL),
		LLM:      llm.NewLLMClient(cfg.LLM, log),
		Catalog:  cat,
		Tools:    tools.NewResearchRegistry(cfg.Search),
		Policy:   policyEngine,
		Watchers: ws.NewWatchers(watchHub),
		Config:   cfg,
		Logger:   log,
	})

	e := transport.NewServer(svc, ws.NewServer(cfg.Server, watchHub, log), log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		watchHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down research service")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shut down HTTP server gracefully", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("research service stopped")
	return nil
}

func loadCatalog(cfg config.CatalogConfig) (*catalog.Catalog, error) {
	var cat *catalog.Catalog
	var err error
	if cfg.Path != "" {
		cat, err = catalog.Load(cfg.Path)
	} else {
		cat, err = catalog.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load skill catalog: %w", err)
	}
	if _, err := cat.Get(cfg.Skill); err != nil {
		return nil, fmt.Errorf("default skill: %w", err)
	}
	return cat, nil
}
