// Command inspect is an operator tool for looking at and fixing stored
// sessions without going through the API.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jwebster45206/phase-engine/internal/config"
	"github.com/jwebster45206/phase-engine/internal/memorystore"
	"github.com/jwebster45206/phase-engine/internal/storage"
	"github.com/jwebster45206/phase-engine/pkg/history"
)

func main() {
	if err := newRootCmd(openInspector).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openInspector connects to the same stores the API uses.
func openInspector(ctx context.Context) (*inspector, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	phases, _, err := config.LoadPhases(cfg.PhasesFile)
	if err != nil {
		return nil, err
	}
	// operator output goes to stdout; keep the store logs out of it
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if cfg.LogLevel <= slog.LevelDebug {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	}

	client, err := storage.NewClient(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	store := storage.NewRedisStorageWithClient(client, cfg.SessionTTL, log)
	if err := store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	in := &inspector{
		world:     store,
		histories: history.NewStore(store, cfg.Limits(), log),
		phases:    phases,
		closers:   []func() error{store.Close},
	}
	if cfg.MemoryBackend == "badger" {
		b, err := memorystore.OpenBadger(memorystore.BadgerConfig{Path: cfg.BadgerPath, Logger: log})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		in.memory = b
		in.closers = append([]func() error{b.Close}, in.closers...)
	} else {
		in.memory = memorystore.NewRedis(client, cfg.SessionTTL, log)
	}
	return in, nil
}
