package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/kvoss/fleetline/internal/adapter"
	"github.com/kvoss/fleetline/internal/api"
	"github.com/kvoss/fleetline/internal/config"
	"github.com/kvoss/fleetline/internal/orchestrator"
	"github.com/kvoss/fleetline/internal/registry"
	"github.com/kvoss/fleetline/internal/relay"
	"github.com/kvoss/fleetline/internal/scheduler"
	pgstore "github.com/kvoss/fleetline/internal/store"
)

// workflowRunner bridges the scheduler to the orchestrator: each firing
// loads the workflow and runs it under a fresh context.
type workflowRunner struct {
	workflows api.WorkflowStore
	runner    *orchestrator.Runner
}

func (w *workflowRunner) RunWorkflow(ctx context.Context, workflowID string) (string, error) {
	wf, err := w.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}
	result, err := w.runner.Run(ctx, wf, uuid.New().String())
	if err != nil {
		return "", err
	}
	switch result.Status {
	case orchestrator.RunFailed:
		return "", fmt.Errorf("workflow %s failed: %s", workflowID, result.Error)
	case orchestrator.RunSuspended:
		return "", fmt.Errorf("workflow %s suspended on human input: %s", workflowID, result.Question)
	}
	var last string
	for _, step := range result.Steps {
		if step.Output != "" {
			last = step.Output
		}
	}
	return last, nil
}

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Fleetline...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/fleetline.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Event relay: in-process hub, plus Redis Streams when configured.
	hub := relay.NewHub(logger)
	var redisSink *relay.RedisSink
	if cfg.Database.Redis.URL != "" {
		rs, rsErr := relay.NewRedisSink(cfg.Database.Redis.URL, logger)
		if rsErr != nil {
			logger.Warn("Redis unavailable, events stay in process", zap.Error(rsErr))
		} else {
			hub.AddSink(rs)
			redisSink = rs
			logger.Info("Redis event sink attached")
		}
	}

	// PostgreSQL persistence is optional; everything degrades to memory.
	var store *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			store = ps
		}
	}

	// Agent registry
	reg := registry.New(hub, logger)
	if store != nil {
		reg.SetPersister(store)
		cards, loadErr := store.ListCards(context.Background())
		if loadErr != nil {
			logger.Warn("failed to load agent cards from DB", zap.Error(loadErr))
		} else {
			for _, c := range cards {
				reg.Register(c)
			}
			logger.Info("Loaded agent cards from DB", zap.Int("count", len(cards)))
		}
	}

	// Executor pool for remote agents
	dispatchCfg := adapter.Config{
		Concurrency:   cfg.Dispatch.Concurrency,
		RatePerMinute: cfg.Dispatch.RatePerMinute,
		MaxRetries:    cfg.Dispatch.MaxRetries,
	}
	pool := adapter.NewPool(dispatchCfg, 120*time.Second, logger)

	// Planner, used for plan-driven workflows and evaluate steps.
	var planner orchestrator.Planner
	if cfg.Planner.Endpoint != "" {
		planner = orchestrator.NewLLMPlanner(cfg.Planner.Endpoint, cfg.Planner.APIKey, cfg.Planner.Model, logger)
		logger.Info("Planner configured", zap.String("model", cfg.Planner.Model))
	} else {
		logger.Warn("no planner endpoint, plan-driven workflows disabled")
	}

	// Orchestrator. Without Postgres all state stays in process.
	var (
		workflows  api.WorkflowStore
		pendings   orchestrator.PendingRunStore
		documents  api.DocumentStore
		searcher   orchestrator.DocumentSearcher
		schedStore scheduler.Store
	)
	if store != nil {
		workflows, pendings, documents, searcher = store, store, store, store
		schedStore = store
	} else {
		mem := pgstore.NewMemory(logger)
		workflows, pendings, documents, searcher = mem, mem, mem, mem
		schedStore = scheduler.NewMemoryStore()
	}
	runner := orchestrator.NewRunner(reg, pool, planner, hub, pendings, searcher, orchestrator.Options{}, logger)

	// Scheduler
	tick := time.Duration(cfg.Scheduler.TickSeconds) * time.Second
	sched := scheduler.New(schedStore, &workflowRunner{workflows: workflows, runner: runner}, tick, logger)

	rootCtx, stop := context.WithCancel(context.Background())
	go sched.Loop(rootCtx)
	go reg.SyncLoop(rootCtx, time.Duration(cfg.Registry.SyncIntervalSeconds)*time.Second)

	// Build HTTP handler
	handler := api.NewHandler(reg, pool, runner, sched, schedStore, workflows, pendings, documents, hub, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Fleetline listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Fleetline...")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	if redisSink != nil {
		redisSink.Close()
	}
	if store != nil {
		store.Close()
	}
}
