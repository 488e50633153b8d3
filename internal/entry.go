// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/gitadr/internal/adrservice"
	"github.com/starford/gitadr/internal/api"
	"github.com/starford/gitadr/internal/index"
	"github.com/starford/gitadr/internal/mcpserver"
	"github.com/starford/gitadr/internal/sse"
)

func newApplication(out io.Writer, opts []Option) (*application, error) {
	app := &application{version: "dev"}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if app.logger == nil {
		app.logger = NewLogger(out, app.config.App.LogLevel)
	}
	return app, nil
}

// NewLogger returns the structured JSON logger used by every command.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Run starts the HTTP server with the given options and blocks until ctx is
// cancelled or a termination signal arrives.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(os.Stdout, opts)
	if err != nil {
		return err
	}
	cfg, logger := app.config, app.logger
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("repo_path", cfg.Git.RepoPath),
		slog.String("adr_ref", cfg.Notes.ADRRef),
		slog.String("artifact_ref", cfg.Notes.ArtifactRef),
		slog.String("log_level", cfg.App.LogLevel.String()))

	eng, err := OpenEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	// Warm the index so the first request does not pay for the load.
	if err := eng.Index.Rebuild(ctx); err != nil {
		logger.Warn("initial index build failed", slog.String("error", err.Error()))
	}

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()
	eng.Service.SetObserver(func(kind adrservice.EventKind, id string) {
		broker.PublishADREvent(string(kind), id)
	})

	apiRouter := api.NewRouter(eng.Service, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := eng.Git.RefExists(req.Context(), "HEAD"); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"ok","version":%q}`, app.version)
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Watch the notes refs so writes from the CLI or git fetch reach clients.
	g.Go(func() error {
		err := index.Watch(gCtx, eng.Index, eng.GitDir, eng.Refs(), logger, func(refs []string) {
			broker.PublishADREvent(string(adrservice.EventSynced), "")
		})
		if err != nil {
			logger.Warn("notes watcher stopped", slog.String("error", err.Error()))
		}
		return nil
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group context so the watcher exits with the server.
var errShutdown = errors.New("shutdown")

// RunMCP serves the MCP protocol on stdin/stdout. Logs go to stderr.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(os.Stderr, opts)
	if err != nil {
		return err
	}
	eng, err := OpenEngine(ctx, app.config, app.logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	app.logger.Info("MCP server starting", slog.String("repo_path", app.config.Git.RepoPath))
	return mcpserver.New(eng.Service, app.version).ServeStdio()
}
