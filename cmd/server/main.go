package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/irc-web-terminal/backend/api/handlers"
	"github.com/irc-web-terminal/backend/internal/auth"
	"github.com/irc-web-terminal/backend/internal/config"
	"github.com/irc-web-terminal/backend/internal/db"
	"github.com/irc-web-terminal/backend/internal/logger"
	"github.com/irc-web-terminal/backend/internal/repository"
	"github.com/irc-web-terminal/backend/internal/session"
	"github.com/irc-web-terminal/backend/internal/workspace"
	"github.com/irc-web-terminal/backend/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	sessionRepo := repository.NewSessionRepository(database)
	tokenRepo := repository.NewTokenRepository(database)
	settingsRepo := repository.NewSettingsRepository(database)

	// Records left running by a previous process have no live process behind them.
	if n, err := sessionRepo.MarkOrphaned(context.Background()); err != nil {
		log.Warn("failed to mark orphaned sessions", zap.Error(err))
	} else if n > 0 {
		log.Info("marked orphaned sessions", zap.Int64("count", n))
	}

	if cfg.BootstrapAdmin != "" {
		token, err := tokenRepo.Issue(context.Background(), cfg.BootstrapAdmin, true, cfg.BootstrapTTL)
		if err != nil {
			return fmt.Errorf("failed to issue bootstrap token: %w", err)
		}
		// Full token for the operator only; the log gets a prefix.
		fmt.Fprintf(os.Stderr, "bootstrap admin token for %s: %s\n", cfg.BootstrapAdmin, token)
		log.Info("issued bootstrap admin token",
			zap.String("identity", cfg.BootstrapAdmin),
			zap.String("token_prefix", tokenPrefix(token)),
			zap.Duration("ttl", cfg.BootstrapTTL))
	}

	workspaces := workspace.NewManager(workspace.Options{
		BaseDir:      cfg.SessionsDir,
		TmuxBin:      cfg.TmuxBin,
		IrssiBin:     cfg.IrssiBin,
		FallbackDirs: cfg.FallbackDirs,
		Locale:       cfg.Locale,
		RestartDelay: cfg.RestartDelay,
		Logger:       log,
	})

	broker := session.NewBroker(session.Options{
		Spawner: &session.PTYSpawner{
			Workspace: workspaces,
			RecordDir: cfg.RecordDir,
			Logger:    log,
		},
		Journal:       sessionRepo,
		Workspace:     workspaces,
		RefreshDelay:  cfg.RefreshDelay,
		AttachRefresh: cfg.AttachRefresh,
		HistorySize:   cfg.HistoryBytes,
		Logger:        log,
	})
	defer broker.Close()

	resolver := auth.NewTokenResolver(tokenRepo)
	terminal := handlers.NewTerminalHandler(ws.NewHandler(ws.Options{
		Broker:         broker,
		Resolver:       resolver,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         log,
	}))
	admin := handlers.NewAdminHandler(broker, sessionRepo, tokenRepo, settingsRepo, log)

	if !cfg.LogDevelopment {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(handlers.CORS(cfg.AllowedOrigins))

	r.GET("/health", handlers.Health(func() int { return len(broker.Snapshot()) }))
	terminal.RegisterRoutes(r)
	admin.RegisterRoutes(r.Group("/api/admin", handlers.RequireAdmin(resolver)))

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; killing the
	// sessions closes them.
	broker.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}
	return nil
}

// tokenPrefix returns enough of a token to correlate it without revealing it.
func tokenPrefix(token string) string {
	const n = 6
	if len(token) <= n {
		return "***"
	}
	return token[:n] + "..."
}
