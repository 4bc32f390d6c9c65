package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/mvallesp/arrowcoach/backend/internal/config"
	"github.com/mvallesp/arrowcoach/backend/internal/handler"
	"github.com/mvallesp/arrowcoach/backend/internal/service/ai"
	chatservice "github.com/mvallesp/arrowcoach/backend/internal/service/chat"
	"github.com/mvallesp/arrowcoach/backend/internal/service/quota"
	"github.com/mvallesp/arrowcoach/backend/internal/service/session"
	"github.com/mvallesp/arrowcoach/backend/internal/service/turn"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Session persistence: sqlite when a path is configured, memory otherwise.
	var store session.Store
	if cfg.App.SQLitePath != "" {
		sqliteStore, err := session.OpenSQLiteStore(cfg.App.SQLitePath)
		if err != nil {
			logger.Fatal("failed to open session store", zap.Error(err))
		}
		defer sqliteStore.Close()
		store = sqliteStore
		logger.Info("session store ready", zap.String("path", cfg.App.SQLitePath))
	} else {
		store = session.NewMemoryStore()
		logger.Info("no SQLITE_PATH configured, sessions are in-memory only")
	}

	chatSvc := chatservice.NewService(store, logger)
	profiles := quota.NewMemoryProfileStore(cfg.App.TokenLimit, cfg.App.ImageLimit)

	// The generation backend is optional: without credentials the API still
	// serves session CRUD, just not turns.
	var coordinator *turn.Coordinator
	if cfg.AI.Enabled() {
		aiSvc, err := ai.NewService(ctx, cfg.AI, logger)
		if err != nil {
			logger.Warn("failed to initialize AI service, continuing without turns", zap.Error(err))
		} else {
			coordinator = turn.NewCoordinator(aiSvc, chatSvc, profiles, logger,
				cfg.App.HistoryLimit, cfg.App.TurnTimeout)
			logger.Info("AI service initialized")
		}
	} else {
		logger.Info("model credentials not configured, skipping AI initialization")
	}

	router := handler.NewRouter(chatSvc, coordinator, profiles, logger)

	startServer(ctx, cfg.Server, router, logger)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger *zap.Logger) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("ArrowCoach backend listening", zap.String("addr", serverCfg.Addr))
	if err := runServer(ctx, srv); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
