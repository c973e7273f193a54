// Command coderelay runs the session manager control plane: the HTTP and
// WebSocket API, the per-session orchestration core, the SQLite or
// PostgreSQL store and the Docker sandbox driver.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/database"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/gateway"
	"github.com/coderelay/coderelay/internal/sandbox"
	"github.com/coderelay/coderelay/internal/sandbox/docker"
	"github.com/coderelay/coderelay/internal/session/api"
	"github.com/coderelay/coderelay/internal/session/core"
	"github.com/coderelay/coderelay/internal/session/repository"
	"github.com/coderelay/coderelay/internal/worktree"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting coderelay control plane...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Open the store: PostgreSQL when configured, embedded SQLite otherwise
	repo, err := openRepository(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer repo.Close()

	// 4. Connect the event bus: NATS when configured, in-memory otherwise
	eventBus, err := openEventBus(cfg, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	if _, err := eventBus.Subscribe("session.>", func(_ context.Context, ev *bus.Event) error {
		log.Info("Lifecycle event", zap.String("subject", ev.Type), zap.Any("data", ev.Data))
		return nil
	}); err != nil {
		log.Warn("Failed to attach lifecycle event subscriber", zap.Error(err))
	}

	// 5. Initialize the Docker client and sandbox driver
	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to initialize Docker client", zap.Error(err))
	}
	defer dockerClient.Close()

	if err := dockerClient.Ping(ctx); err != nil {
		log.Warn("Docker daemon unreachable; sandbox spawns will fail until it is back", zap.Error(err))
	} else {
		log.Info("Connected to Docker daemon")
	}
	driver := sandbox.NewDriver(dockerClient, cfg.Sandbox, cfg.Server.PublicHost, cfg.Server.Port, log)

	// 6. Initialize the git worktree manager
	worktrees, err := worktree.NewManager(cfg.Worktree, log)
	if err != nil {
		log.Fatal("Failed to initialize worktree manager", zap.Error(err))
	}

	// 7. Assemble the session core and reconcile persisted state with the
	// container runtime
	sessionCore := core.New(repo, gateway.NewRegistry(log), driver, worktrees,
		eventBus, core.ConfigFromApp(cfg), log)
	if err := sessionCore.Reconcile(ctx); err != nil {
		log.Error("Startup reconcile failed", zap.Error(err))
	}

	// 8. Setup the HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(sessionCore, repo, driver, cfg, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 9. Run the server and the container reaper until shutdown
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		sessionCore.RunReaper(groupCtx, 30*time.Second)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()

		log.Info("Shutting down coderelay control plane...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("Shutdown error", zap.Error(err))
	}
	log.Info("coderelay control plane stopped")
}

// openRepository picks the configured store backend.
func openRepository(ctx context.Context, cfg *config.Config, log *logger.Logger) (repository.Repository, error) {
	if cfg.Database.UsePostgres() {
		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		log.Info("Connected to PostgreSQL",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.DBName))
		return repository.NewPostgresRepository(ctx, db)
	}

	dataDir, err := config.ExpandHome(cfg.Database.DataDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	cfg.Database.DataDir = dataDir

	log.Info("Using embedded SQLite store", zap.String("path", cfg.Database.SQLitePath()))
	return repository.NewSQLiteRepository(cfg.Database.SQLitePath())
}

// openEventBus picks the configured bus backend.
func openEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL == "" {
		log.Info("Using in-memory event bus")
		return bus.NewMemoryEventBus(log), nil
	}

	log.Info("Connecting to NATS", zap.String("url", cfg.NATS.URL))
	return bus.NewNATSEventBus(bus.NATSConfig{
		URL:            cfg.NATS.URL,
		MaxReconnects:  cfg.NATS.MaxReconnects,
		ReconnectWait:  2 * time.Second,
		ConnectionName: cfg.NATS.ClientID,
	}, log)
}
