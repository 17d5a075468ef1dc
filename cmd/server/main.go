package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/prudhvinik1/tasksync/internal/api"
	"github.com/prudhvinik1/tasksync/internal/config"
	"github.com/prudhvinik1/tasksync/internal/database"
	"github.com/prudhvinik1/tasksync/internal/engine"
	"github.com/prudhvinik1/tasksync/internal/logging"
	"github.com/prudhvinik1/tasksync/internal/storage"
	"github.com/prudhvinik1/tasksync/internal/storage/memory"
	"github.com/prudhvinik1/tasksync/internal/storage/postgres"
	"github.com/prudhvinik1/tasksync/internal/storage/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tasksync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logging.Default()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	eng := engine.New(engine.Config{
		SnapshotVersions: cfg.SnapshotVersions,
		SnapshotDays:     cfg.SnapshotDays,
		CreateClients:    cfg.CreateClients,
		PruneOnSnapshot:  cfg.PruneOnSnapshot,
	}, store, log)

	router := api.NewServer(cfg, eng, log).Router()

	servers := make([]*http.Server, 0, len(cfg.Listen))
	for _, addr := range cfg.Listen {
		servers = append(servers, &http.Server{Addr: addr, Handler: router})
	}

	group, ctx := errgroup.WithContext(ctx)
	for _, server := range servers {
		server := server
		group.Go(func() error {
			log.Info(ctx, "listening", "addr", server.Addr, "backend", cfg.StorageBackend)
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	// graceful shutdown on signal or first listener failure
	group.Go(func() error {
		<-ctx.Done()
		log.Info(context.Background(), "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, server := range servers {
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Error(context.Background(), "shutdown error", "addr", server.Addr, "error", err)
			}
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	log.Info(context.Background(), "server stopped gracefully")
	return nil
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.StorageBackend {
	case config.BackendSqlite:
		return sqlite.Open(cfg.DataDir)
	case config.BackendPostgres:
		pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return postgres.New(ctx, pool)
	case config.BackendMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
