package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tabletalk/tabletalk/internal/api"
	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/nl2sql"
	"github.com/tabletalk/tabletalk/internal/observability"
	"github.com/tabletalk/tabletalk/internal/session"
	"github.com/tabletalk/tabletalk/internal/sessionstore"
	"github.com/tabletalk/tabletalk/internal/storage"
	s3store "github.com/tabletalk/tabletalk/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("tabletalk-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api server failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := sessionstore.Open(ctx, cfg.SessionStore)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	readiness := []api.ReadinessCheck{api.CheckPing("session store", store)}
	var objects storage.ObjectStore
	if cfg.ObjectStore.Enabled {
		s3, err := s3store.New(ctx, cfg.ObjectStore)
		if err != nil {
			return err
		}
		objects = s3
		readiness = append(readiness, api.CheckPing("object store", s3))
	}

	var translator nl2sql.Translator
	if cfg.AI.TranslateEnabled {
		translator, err = nl2sql.New(ctx, cfg.AI)
		if err != nil {
			return err
		}
	}

	opts, err := session.OptionsFromConfig(cfg, store, objects, translator, logger)
	if err != nil {
		return err
	}
	manager, err := session.NewManager(opts)
	if err != nil {
		return err
	}
	defer func() { _ = manager.Close() }()

	authMiddleware, err := api.AuthMiddlewareFromConfig(cfg, logger)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr: cfg.HTTP.Address,
		Handler: api.NewHandler(cfg, api.Dependencies{
			Logger:            logger,
			Readiness:         api.CombineReadinessChecks(readiness...),
			AuthMiddleware:    authMiddleware,
			DependencyTimeout: time.Second,
			Sessions:          manager,
		}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("session_store", string(cfg.SessionStore.Driver)),
			slog.Bool("object_store", cfg.ObjectStore.Enabled),
			slog.Bool("translation", manager.TranslationEnabled()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return manager.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		logger.Info("shutting down api server")
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
			return err
		}
		return nil
	})
	return group.Wait()
}
