package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/jwebster45206/phase-engine/internal/assembler"
	"github.com/jwebster45206/phase-engine/internal/compactor"
	"github.com/jwebster45206/phase-engine/internal/config"
	"github.com/jwebster45206/phase-engine/internal/executor"
	"github.com/jwebster45206/phase-engine/internal/handlers"
	"github.com/jwebster45206/phase-engine/internal/lock"
	"github.com/jwebster45206/phase-engine/internal/logger"
	"github.com/jwebster45206/phase-engine/internal/memorystore"
	"github.com/jwebster45206/phase-engine/internal/metrics"
	"github.com/jwebster45206/phase-engine/internal/orchestrator"
	"github.com/jwebster45206/phase-engine/internal/services"
	"github.com/jwebster45206/phase-engine/internal/storage"
	"github.com/jwebster45206/phase-engine/pkg/gametools"
	"github.com/jwebster45206/phase-engine/pkg/history"
	"github.com/jwebster45206/phase-engine/pkg/memory"
	"github.com/jwebster45206/phase-engine/pkg/phase"
	"github.com/jwebster45206/phase-engine/pkg/prompts"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	log := logger.Setup(cfg)

	log.Info("Starting Phase Engine API",
		"port", cfg.Port,
		"environment", cfg.Environment,
		"llm_provider", cfg.LLMProvider,
		"model_name", cfg.ModelName,
		"memory_backend", cfg.MemoryBackend,
		"lock_backend", cfg.LockBackend)

	phases, marker, err := config.LoadPhases(cfg.PhasesFile)
	if err != nil {
		log.Error("Failed to load phase configuration", "error", err, "path", cfg.PhasesFile)
		os.Exit(1)
	}

	llmService, err := services.NewOpenAIService(services.OpenAIConfig{
		Provider:     cfg.LLMProvider,
		BaseURL:      cfg.LLMBaseURL,
		APIKey:       cfg.LLMAPIKey,
		Model:        cfg.ModelName,
		BackendModel: cfg.BackendModelName,
	}, log)
	if err != nil {
		log.Error("Failed to initialize LLM service", "error", err)
		os.Exit(1)
	}

	client, err := storage.NewClient(cfg.RedisURL)
	if err != nil {
		log.Error("Invalid Redis URL", "error", err)
		os.Exit(1)
	}
	store := storage.NewRedisStorageWithClient(client, cfg.SessionTTL, log)
	storageCtx, storageCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer storageCancel()
	if err := store.WaitForConnection(storageCtx); err != nil {
		log.Error("Failed to connect to storage", "error", err)
		os.Exit(1)
	}
	log.Info("Storage connection established successfully")

	mem, closeMemory, err := openMemory(cfg, client, log)
	if err != nil {
		log.Error("Failed to open memory store", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	engine, err := buildEngine(cfg, phases, marker, store, client, mem, llmService, m, log)
	if err != nil {
		log.Error("Failed to build orchestrator", "error", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     handlers.NewRouter(engine, store, reg, log),
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: turns stream and are bounded by TURN_TIMEOUT
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("Server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Server is shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	if err := closeMemory(); err != nil {
		log.Error("Error closing memory store", "error", err)
	}
	if err := store.Close(); err != nil {
		log.Error("Error closing storage connection", "error", err)
	}

	log.Info("Server exited")
}

func openMemory(cfg *config.Config, client *redis.Client, log *slog.Logger) (memory.Store, func() error, error) {
	if cfg.MemoryBackend == "badger" {
		b, err := memorystore.OpenBadger(memorystore.BadgerConfig{
			Path:   cfg.BadgerPath,
			Logger: log,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	}
	// shares the storage connection, which owns closing it
	return memorystore.NewRedis(client, cfg.SessionTTL, log), func() error { return nil }, nil
}

func buildEngine(
	cfg *config.Config,
	phases phase.Config,
	marker string,
	store *storage.RedisStorage,
	client *redis.Client,
	mem memory.Store,
	llm services.LLMService,
	m *metrics.Metrics,
	log *slog.Logger,
) (*orchestrator.Orchestrator, error) {
	histories := history.NewStore(store, cfg.Limits(), log)

	registries, err := gametools.New(store, mem, phases, log).Registries()
	if err != nil {
		return nil, err
	}
	setups := make(map[phase.Phase]orchestrator.PhaseSetup, len(registries))
	for p, r := range registries {
		setups[p] = orchestrator.PhaseSetup{Tools: r}
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.LockBackend == "redis" {
		locker = lock.NewRedis(client, lock.DefaultTTL, log)
	}

	return orchestrator.New(orchestrator.Deps{
		World:     store,
		Histories: histories,
		Context:   assembler.New(store, mem, phases, registries, assembler.DefaultOptions(), log),
		Executor: executor.New(llm, histories, prompts.FileLoader{Dir: cfg.PromptsDir}, executor.Config{
			Rating: cfg.ContentRating,
		}, m, log),
		Compactor: compactor.New(llm, histories, mem, m, log),
		Locker:    locker,
		Setups:    setups,
		Metrics:   m,
		Logger:    log,
	}, orchestrator.Config{
		Phases:      phases,
		Marker:      marker,
		TurnTimeout: cfg.TurnTimeout,
	})
}
