// Command tentackl runs the task orchestration core. With no flags it
// serves the spec §6 HTTP API until terminated; with -goal it runs as a
// one-shot CLI harness, creating and auto-starting a single task,
// waiting for it to reach a terminal state, printing the result, and
// exiting with the status spec §6 defines. Grounded on
// itsneelabh-gomind/core/cmd/example/main.go's imperative, no-DI-
// framework wiring style.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fluxtopus/fluxos-sub009/checkpoint"
	"github.com/fluxtopus/fluxos-sub009/core"
	"github.com/fluxtopus/fluxos-sub009/dispatcher"
	"github.com/fluxtopus/fluxos-sub009/domain"
	"github.com/fluxtopus/fluxos-sub009/eventbus"
	"github.com/fluxtopus/fluxos-sub009/orchestrator"
	"github.com/fluxtopus/fluxos-sub009/planner"
	"github.com/fluxtopus/fluxos-sub009/plugin"
	"github.com/fluxtopus/fluxos-sub009/scheduler"
	"github.com/fluxtopus/fluxos-sub009/store"
	httptransport "github.com/fluxtopus/fluxos-sub009/transport/http"
	"github.com/fluxtopus/fluxos-sub009/usecases"
)

// Exit codes per spec §6.
const (
	exitOK             = 0
	exitUsage          = 1
	exitPlannerFailure = 2
	exitRuntimeFailure = 3
)

type app struct {
	taskStore    store.TaskStore
	checkpoints  *checkpoint.Manager
	registry     *plugin.Registry
	orchestrator *orchestrator.Orchestrator
	scheduler    *scheduler.Scheduler
	bus          *eventbus.Bus
	logger       core.Logger
	cancel       context.CancelFunc
}

func main() {
	goal := flag.String("goal", "", "run a single task to completion for this goal and exit, instead of serving HTTP")
	flag.Parse()

	a, exitCode, err := bootstrap()
	if err != nil {
		if a != nil && a.logger != nil {
			a.logger.Error("startup failed", map[string]interface{}{"error": err.Error()})
		}
		os.Exit(exitCode)
	}
	defer a.cancel()

	if *goal != "" {
		os.Exit(a.runOneShot(*goal))
	}
	os.Exit(a.serve())
}

func bootstrap() (*app, int, error) {
	cfg := core.NewConfig()
	logger := core.NewProductionLogger(cfg.Logging.ServiceName, cfg.Logging.MinLevel)

	dialect := envOr("TENTACKL_DB_DIALECT", "sqlite3")
	dsn := envOr("TENTACKL_DB_DSN", "tentackl.db")
	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return &app{logger: logger}, exitUsage, fmt.Errorf("open database: %w", err)
	}

	sqlDialect := dialect
	if sqlDialect == "sqlite3" {
		sqlDialect = "sqlite"
	}
	sqlStore, err := store.NewSQLTaskStore(db, sqlDialect)
	if err != nil {
		return &app{logger: logger}, exitUsage, fmt.Errorf("initialize task store schema: %w", err)
	}

	var taskStore store.TaskStore = sqlStore
	if redisAddr := os.Getenv("TENTACKL_REDIS_ADDR"); redisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
		cache := store.NewRedisCache(redisClient, store.RedisCacheConfig{
			KeyPrefix: "tentackl",
			TTL:       cfg.CacheTTL,
			LeaseTTL:  cfg.LeaseTTL,
			Logger:    logger,
		})
		taskStore = store.NewCachedStore(sqlStore, cache, logger)
	}

	bus := eventbus.New(cfg.EventReplayLogSize, logger)

	registry := plugin.New(sqlStore, logger)
	plugin.RegisterBuiltins(registry, &http.Client{Timeout: 30 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())

	if err := registry.Sync(ctx); err != nil {
		cancel()
		return &app{logger: logger}, exitRuntimeFailure, fmt.Errorf("sync plugin registry: %w", err)
	}

	executor := plugin.NewExecutor(registry, sqlStore, logger)
	checkpoints := checkpoint.New(sqlStore, bus, logger)

	var aiClient core.AIClient
	if apiKey := os.Getenv("TENTACKL_OPENAI_API_KEY"); apiKey != "" {
		aiClient = core.NewOpenAIClient(apiKey, os.Getenv("TENTACKL_OPENAI_BASE_URL"), logger)
	} else {
		logger.Warn("TENTACKL_OPENAI_API_KEY not set; planner and llm_agent steps will fail until configured", nil)
	}
	llmPlanner := planner.NewLLMPlanner(aiClient, cfg.PlannerModel, cfg.PlannerMaxValidationRetries, nil, nil, logger)
	agentWorker := dispatcher.NewLLMAgentWorker(aiClient, cfg.PlannerModel, logger)

	disp := dispatcher.New(executor, checkpoints, agentWorker, nil, bus, logger)
	sched := scheduler.New(taskStore, checkpoints, disp, bus, logger,
		scheduler.WithDefaultConcurrency(cfg.TaskDefaultConcurrency),
		scheduler.WithWorkerPoolSize(cfg.WorkerPoolSize),
	)

	orch := orchestrator.New(taskStore, sched, llmPlanner, checkpoints, registry, bus, logger)
	orch.Run(ctx)

	go checkpoints.RunExpirySweeper(ctx, time.Minute, func(cp *domain.Checkpoint) {
		logger.Info("checkpoint expired", map[string]interface{}{"task_id": cp.TaskID, "step_id": cp.StepID})
	})

	return &app{
		taskStore: taskStore, checkpoints: checkpoints, registry: registry,
		orchestrator: orch, scheduler: sched, bus: bus, logger: logger, cancel: cancel,
	}, exitOK, nil
}

// serve runs the spec §6 HTTP API until an interrupt/terminate signal
// or an unrecoverable listener error.
func (a *app) serve() int {
	uc := usecases.New(a.taskStore, a.checkpoints, a.orchestrator, a.scheduler, a.logger)
	server := httptransport.New(uc, nil, a.bus, a.registry, a.logger)

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)

	addr := envOr("TENTACKL_LISTEN_ADDR", ":8080")
	httpServer := &http.Server{Addr: addr, Handler: mux}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("starting tentackl", map[string]interface{}{"addr": addr})
		serveErr <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			a.logger.Error("server exited unexpectedly", map[string]interface{}{"error": err.Error()})
			return exitRuntimeFailure
		}
	case <-sigCh:
		a.logger.Info("shutting down", nil)
		a.cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("graceful shutdown failed", map[string]interface{}{"error": err.Error()})
			return exitRuntimeFailure
		}
	}
	return exitOK
}

// runOneShot creates and auto-starts a task for goal, polls until it
// reaches a terminal status, prints the final task as JSON, and maps
// the outcome to spec §6's exit codes.
func (a *app) runOneShot(goal string) int {
	ctx := context.Background()
	uc := usecases.New(a.taskStore, a.checkpoints, a.orchestrator, a.scheduler, a.logger)

	task, err := uc.CreateTask(ctx, domain.Owner{}, goal, domain.Constraints{}, nil, true)
	if err != nil {
		a.logger.Error("failed to create task", map[string]interface{}{"error": err.Error()})
		return exitRuntimeFailure
	}

	deadline := time.Now().Add(10 * time.Minute)
	for !task.Status.IsTerminal() && time.Now().Before(deadline) {
		time.Sleep(500 * time.Millisecond)
		task, err = uc.GetTask(ctx, task.ID)
		if err != nil {
			a.logger.Error("failed to poll task", map[string]interface{}{"error": err.Error()})
			return exitRuntimeFailure
		}
	}

	output, _ := json.MarshalIndent(task, "", "  ")
	fmt.Println(string(output))

	switch task.Status {
	case domain.TaskCompleted:
		return exitOK
	case domain.TaskFailed:
		if task.ErrorKind == string(core.KindPlannerError) {
			return exitPlannerFailure
		}
		return exitRuntimeFailure
	default:
		a.logger.Warn("task did not reach a terminal state before the deadline", map[string]interface{}{"task_id": task.ID, "status": string(task.Status)})
		return exitRuntimeFailure
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
