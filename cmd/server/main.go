package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeedit/execsession/api/handlers"
	"github.com/codeedit/execsession/internal/db"
	"github.com/codeedit/execsession/internal/repository"
	"github.com/codeedit/execsession/internal/runner"
	"github.com/codeedit/execsession/internal/session"
	"github.com/codeedit/execsession/internal/ws"
)

func main() {
	// Get configuration from environment
	port := getEnv("PORT", "8000")
	dbPath := getEnv("DB_PATH", "data/sessions.db")
	workDir := getEnv("WORK_DIR", filepath.Join(os.TempDir(), "execsession"))
	pythonBin := getEnv("PYTHON_BIN", "python3")
	nodeBin := getEnv("NODE_BIN", "node")
	maxSessions := getEnvInt("MAX_SESSIONS", session.DefaultMaxSessions)
	retention := getEnvDuration("LEDGER_RETENTION", 24*time.Hour)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(getEnv("LOG_LEVEL", "info"))}))
	slog.SetDefault(logger)

	// Ensure data directories exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		log.Fatalf("Failed to create work directory: %v", err)
	}

	database, err := db.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open session ledger: %v", err)
	}
	defer database.Close()

	sessionRepo := repository.NewSessionRepository(database)

	codeRunner := runner.New(runner.Config{
		WorkDir:   workDir,
		Languages: runner.DefaultLanguages(pythonBin, nodeBin),
		Fallback:  runner.DefaultFallback,
	})

	sessionManager := session.NewManager(codeRunner, sessionRepo, session.Config{
		MaxSessions: maxSessions,
		Logger:      logger,
	})

	wsService := ws.NewService(sessionManager, logger)

	sessionHandler := handlers.NewSessionHandler(sessionManager)
	wsHandler := handlers.NewWebSocketHandler(wsService.Handler(), logger)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"connected": wsService.ConnectedCount(),
		})
	})

	wsHandler.RegisterRoutes(r)
	api := r.Group("/api")
	{
		sessionHandler.RegisterRoutes(api)
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go pruneLedger(ctx, sessionRepo, retention, logger)

	go func() {
		logger.Info("starting server", "addr", srv.Addr, "db", dbPath, "workdir", workDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	// Hijacked WebSocket connections are not tracked by Shutdown.
	wsService.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
}

// pruneLedger removes disconnected sessions older than retention once an hour.
func pruneLedger(ctx context.Context, repo *repository.SessionRepository, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		n, err := repo.PruneDisconnected(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Warn("failed to prune session ledger", "error", err)
		} else if n > 0 {
			logger.Info("pruned session ledger", "removed", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return d
}

func logLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
