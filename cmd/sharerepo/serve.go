package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sharerepo/api"
	"sharerepo/auth"
	"sharerepo/db"
	"sharerepo/event"
	"sharerepo/internal/config"
	"sharerepo/keeper"
	"sharerepo/ledger"
	"sharerepo/service"
	"sharerepo/store"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, the keeper and the outbox relay",
		Run: func(cmd *cobra.Command, args []string) {
			serveRun(cmd, args, mustConfig(cmd))
		},
	}
}

func serveRun(cmd *cobra.Command, _ []string, cfg *config.Config) {
	logger := commonRun()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg, logger); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, db.PoolConfig{
		MaxConns:        cfg.DBMaxConns,
		MaxConnIdleTime: cfg.DBMaxConnIdle,
		MaxConnLifetime: cfg.DBMaxConnLifetime,
		Schema:          cfg.DBSchema,
	})
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET must be set")
	}
	credit, err := cfg.Credit()
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	bus := event.NewBus(promRegistry, logger)
	defer bus.Stop()

	l := ledger.New(ledger.Config{
		Bus:          bus,
		Logger:       logger,
		PromRegistry: promRegistry,
		Clock:        time.Now,
	})

	svcCfg := service.Config{Ledger: l, Logger: logger}
	var (
		users auth.Repository = auth.NewMemoryRepository()
		pool  *pgxpool.Pool
	)
	if cfg.DatabaseURL != "" {
		pool, err = openPool(ctx, cfg)
		if err != nil {
			return fmt.Errorf("bootstrap database pool: %w", err)
		}
		defer pool.Close()
		applied, err := store.Migrate(ctx, pool)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("database ready", "component", programName, "migrations_applied", len(applied))
		svcCfg.Pool = pool
		users = auth.NewRepository(pool)
	} else {
		logger.Warn("no DATABASE_URL, running in memory", "component", programName)
	}

	svc := service.New(svcCfg)
	accounts := auth.NewService(users, cfg.JWTSecret,
		auth.WithStartingCredit(l, credit),
		auth.WithTokenTTL(cfg.TokenTTL),
	)

	apiServer := &http.Server{
		Addr: cfg.ListenAddr(),
		Handler: api.New(api.Config{
			Service:  svc,
			Accounts: accounts,
			Logger:   logger,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	servers := []*http.Server{apiServer}

	if addr := cfg.MetricsAddr(); addr != "" {
		servers = append(servers, &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("listening", "component", programName, "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	k := keeper.New(keeper.Config{
		Service:      svc,
		Interval:     cfg.KeeperInterval,
		Workers:      cfg.KeeperWorkers,
		Logger:       logger,
		PromRegistry: promRegistry,
	})
	g.Go(func() error { return k.Run(gctx) })

	if pool != nil {
		relay := keeper.NewRelay(keeper.RelayConfig{
			Pool:         pool,
			Publisher:    keeper.BusPublisher{Bus: bus},
			Batch:        cfg.OutboxBatch,
			MaxAttempts:  cfg.OutboxMaxAttempts,
			Logger:       logger,
			PromRegistry: promRegistry,
		})
		g.Go(func() error { return relay.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("shutdown", "component", programName, "addr", srv.Addr, "err", err)
			}
		}
		return nil
	})

	err = g.Wait()
	logger.Info("stopped", "component", programName)
	return err
}
