// Package main runs the credit ledger indexer: it watches every registered
// project contract, reconciles TransferSingle events into the ledger and
// serves health, metrics, status and wallet balances over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"credit-ledger-indexer/internal/chain"
	"credit-ledger-indexer/internal/config"
	"credit-ledger-indexer/internal/httpapi"
	"credit-ledger-indexer/internal/ledger"
	"credit-ledger-indexer/internal/observability"
	"credit-ledger-indexer/internal/registry"
	"credit-ledger-indexer/internal/storage"
	chstore "credit-ledger-indexer/internal/storage/clickhouse"
	"credit-ledger-indexer/internal/storage/memory"
	"credit-ledger-indexer/internal/storage/migrations"
	pgstore "credit-ledger-indexer/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL")
	httpAddr := flag.String("http-addr", "", "HTTP listen address (overrides config)")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
	}

	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.Validate(*useMemory); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
		cancel()

		select {
		case sig := <-sigCh:
			logger.Error("received second signal, forcing immediate shutdown", zap.String("signal", sig.String()))
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Error("graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	err = run(ctx, cfg, *useMemory, logger)

	done <- err
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		var connErr *chain.ConnectionError
		if errors.As(err, &connErr) {
			logger.Fatal("chain connection failed", zap.String("endpoint", connErr.Endpoint), zap.Error(connErr.Err))
		}
		logger.Fatal("indexer stopped with error", zap.Error(err))
	}

	logger.Info("shutdown complete")
}

// stores holds the storage implementations selected at startup.
type stores struct {
	projects storage.ProjectStore
	ledger   storage.LedgerStore
	journal  storage.OperationJournal
	cleanup  []func()
}

func (s *stores) close() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
}

func run(ctx context.Context, cfg *config.Config, useMemory bool, logger *zap.Logger) error {
	st, err := openStores(ctx, cfg, useMemory, logger)
	if err != nil {
		return err
	}
	defer st.close()

	if err := seedProjects(ctx, cfg, st.projects, logger); err != nil {
		return err
	}

	poller := chain.DefaultPollerConfig()
	poller.Interval = cfg.Chain.PollInterval
	conn, err := chain.Dial(ctx, cfg.Chain.Endpoint, &chain.Options{
		Poller: &poller,
		Logger: logger.Named("chain"),
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	reconciler := ledger.NewReconciler(st.ledger, &ledger.ReconcilerOptions{
		Journal:     st.journal,
		Logger:      logger.Named("reconciler"),
		MaxAttempts: cfg.Reconciler.MaxAttempts,
	})
	dispatcher := ledger.NewDispatcher(reconciler, &ledger.DispatcherOptions{
		Workers:   cfg.Reconciler.Workers,
		QueueSize: cfg.Reconciler.QueueSize,
		Logger:    logger.Named("dispatcher"),
	})
	reg := registry.NewRegistry(st.projects, conn, dispatcher, &registry.Options{
		ScanInterval: cfg.Registry.ScanInterval,
		Progress:     st.ledger,
		Logger:       logger.Named("registry"),
	})
	server := httpapi.NewServer(httpapi.Options{
		Addr:       cfg.HTTP.Addr,
		Watches:    reg,
		Balances:   st.ledger,
		Projects:   st.projects,
		Operations: st.journal,
		Transport:  conn.Transport(),
		Logger:     logger.Named("http"),
	})

	logger.Info("starting indexer",
		zap.String("transport", conn.Transport()),
		zap.Bool("memory", useMemory),
		zap.Bool("journal", st.journal != nil),
		zap.Int("workers", dispatcher.Workers()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return reg.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	return g.Wait()
}

func openStores(ctx context.Context, cfg *config.Config, useMemory bool, logger *zap.Logger) (*stores, error) {
	st := &stores{}

	if useMemory {
		st.projects = memory.NewProjectStore()
		st.ledger = memory.NewLedgerStore()
		st.journal = memory.NewOperationJournal()
	} else {
		pool, err := pgstore.NewPool(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		st.cleanup = append(st.cleanup, pool.Close)

		if cfg.Postgres.Migrate {
			if err := migrations.RunPostgresMigrations(ctx, pool, logger.Named("migrations")); err != nil {
				st.close()
				return nil, fmt.Errorf("postgres migrations: %w", err)
			}
		}
		st.projects = pgstore.NewProjectStore(pool)
		st.ledger = pgstore.NewLedgerStore(pool)
	}

	if cfg.ClickHouse.DSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickHouse.DSN, logger.Named("migrations"))
		if err != nil {
			st.close()
			return nil, fmt.Errorf("clickhouse migrations: %w", err)
		}
		st.cleanup = append(st.cleanup, func() { conn.Close() })
		st.journal = chstore.NewOperationJournal(conn)
	}

	return st, nil
}

// seedProjects inserts the projects declared in the config file. Projects
// already present are left untouched.
func seedProjects(ctx context.Context, cfg *config.Config, projects storage.ProjectStore, logger *zap.Logger) error {
	seeds, err := cfg.SeedProjects()
	if err != nil {
		return err
	}
	for _, p := range seeds {
		err := projects.Insert(ctx, p)
		switch {
		case err == nil:
			logger.Info("seeded project", zap.String("project_id", p.ID), zap.String("contract", p.Contract()))
		case errors.Is(err, storage.ErrDuplicateKey):
			logger.Debug("project already registered", zap.String("contract", p.Contract()))
		default:
			return fmt.Errorf("seed project %s: %w", p.Contract(), err)
		}
	}
	return nil
}
