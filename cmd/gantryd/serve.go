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
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gantryhq/gantry/internal/chat"
	"github.com/gantryhq/gantry/internal/common/config"
	"github.com/gantryhq/gantry/internal/common/httpmw"
	"github.com/gantryhq/gantry/internal/common/logger"
	"github.com/gantryhq/gantry/internal/db"
	"github.com/gantryhq/gantry/internal/events"
	"github.com/gantryhq/gantry/internal/events/bus"
	"github.com/gantryhq/gantry/internal/gateway/websocket"
	"github.com/gantryhq/gantry/internal/orchestrator/executor"
	"github.com/gantryhq/gantry/internal/orchestrator/scheduler"
	"github.com/gantryhq/gantry/internal/registry"
	"github.com/gantryhq/gantry/internal/task/api"
	"github.com/gantryhq/gantry/internal/task/repository"
	"github.com/gantryhq/gantry/internal/task/service"
	"github.com/gantryhq/gantry/internal/workspace"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Gantry server",
	Long: `Start the task store, scheduler and HTTP/WebSocket API, then run
until interrupted. Tasks left in progress by a previous crash are
requeued on boot.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(serveConfigPath)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "directory containing config.yaml")
}

func runServe(configPath string) error {
	// 1. Load configuration
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Initialize logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Gantry...",
		zap.String("version", Version),
		zap.String("commit", Commit))

	// 3. Root context, cancelled by SIGINT or SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Connect the event bus
	eventBus, closeBus, err := events.Provide(cfg.Events, log)
	if err != nil {
		log.Fatal("Failed to start event bus", zap.Error(err))
	}
	log.Info("Connected event bus", zap.String("provider", cfg.Events.Provider))

	// 5. Open the task store
	var database *sqlx.DB
	switch cfg.Database.Driver {
	case "pgx":
		database, err = db.OpenPostgres(cfg.Database.DSN, cfg.Database.MaxConns, cfg.Database.MinConns)
	default:
		database, err = db.OpenSQLite(cfg.Database.Path)
	}
	if err != nil {
		log.Fatal("Failed to open task database", zap.Error(err))
	}
	repo, err := repository.NewSQLRepository(database)
	if err != nil {
		log.Fatal("Failed to initialize task store", zap.Error(err))
	}
	log.Info("Opened task store", zap.String("driver", cfg.Database.Driver))

	// 6. Requeue tasks orphaned by a previous crash
	requeued, err := repo.Recover(ctx)
	if err != nil {
		log.Fatal("Crash recovery failed", zap.Error(err))
	}
	if requeued > 0 {
		log.Info("Requeued interrupted tasks", zap.Int("count", requeued))
	}

	// 7. Workspace manager for per-task git worktrees
	workspaces, err := workspace.NewManager(cfg.Workspace.BaseRepo, cfg.Workspace.WorktreesDir, log)
	if err != nil {
		log.Fatal("Failed to initialize workspace manager", zap.Error(err))
	}
	log.Info("Initialized workspace manager", zap.String("base_repo", workspaces.BaseRepo()))

	// 8. Agent executor
	runner := executor.NewExecutor(workspaces, executor.Config{
		Binary: cfg.Agent.Binary,
		LogDir: cfg.Workspace.LogDir,
	}, log)

	// 9. Start the scheduler
	sched := scheduler.NewScheduler(repo, runner, eventBus, scheduler.Config{
		PollInterval:  cfg.Scheduler.PollIntervalDuration(),
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		PlanReview:    cfg.Scheduler.PlanReview,
	}, log)
	if err := sched.Start(ctx); err != nil {
		log.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// 10. WebSocket hub fanning bus events out to observers
	hub := websocket.NewHub(eventBus, log)
	go func() {
		if err := hub.Run(ctx); err != nil {
			log.Error("WebSocket hub stopped", zap.Error(err))
		}
	}()
	wsHandler := websocket.NewHandler(hub, log)

	// 11. Shared JSON task registry (optional)
	var reg *registry.Registry
	var regSub bus.Subscription
	if cfg.Registry.Enabled {
		reg = registry.New(cfg.Registry.Path, repo, log)
		if err := reg.Load(); err != nil {
			log.Fatal("Failed to load task registry", zap.Error(err))
		}
		if err := reg.Sync(ctx); err != nil {
			log.Error("Initial registry sync failed", zap.Error(err))
		}
		regSub, err = reg.Watch(eventBus)
		if err != nil {
			log.Fatal("Failed to watch task events for registry", zap.Error(err))
		}
		log.Info("Loaded task registry", zap.String("path", cfg.Registry.Path))
	}

	// 12. Chat sessions (optional)
	var chatSvc *chat.Service
	if cfg.Chat.Enabled {
		chatSvc = chat.NewService(chat.Config{Binary: cfg.Agent.Binary}, eventBus, log)
	}

	// 13. Task service
	tasks := service.NewService(repo, eventBus, log)
	tasks.SetAgentCanceller(runner)
	tasks.SetDispatcher(sched)
	tasks.SetBranchMerger(workspaces)
	if reg != nil {
		tasks.SetRegistry(reg)
	}

	// 14. Setup HTTP router with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.RequestLogger(log))
	router.Use(httpmw.CORS())
	if cfg.Metrics.Enabled {
		router.Use(httpmw.Metrics())
	}
	router.Use(httpmw.ErrorHandler(log))

	api.SetupRoutes(router, api.Deps{
		Tasks:         tasks,
		Chat:          chatSvc,
		WS:            wsHandler,
		APICredential: cfg.Auth.APICredential,
		Metrics:       cfg.Metrics.Enabled,
	}, log)

	// 15. Start HTTP server in goroutine
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 16. Wait for shutdown signal
	<-ctx.Done()
	log.Info("Shutting down Gantry...")

	// Agents killed by the context stay in_progress in the store; the
	// next boot requeues them through crash recovery.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := sched.Stop(); err != nil {
		log.Error("Scheduler stop error", zap.Error(err))
	}
	if chatSvc != nil {
		chatSvc.Close()
	}
	if regSub != nil {
		_ = regSub.Unsubscribe()
	}
	closeBus()
	if err := repo.Close(); err != nil {
		log.Error("Task store close error", zap.Error(err))
	}

	log.Info("Gantry stopped")
	return nil
}
