// Command meterd runs the metering engine behind an HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/metering"
	"github.com/xraph/metering/api"
	audithook "github.com/xraph/metering/audit_hook"
	"github.com/xraph/metering/extension"
	"github.com/xraph/metering/internal/config"
	"github.com/xraph/metering/internal/httpx"
	"github.com/xraph/metering/internal/logger"
	"github.com/xraph/metering/observability"
	"github.com/xraph/metering/plan"
	"github.com/xraph/metering/store"
	"github.com/xraph/metering/store/memory"
	"github.com/xraph/metering/store/mongo"
	"github.com/xraph/metering/store/postgres"
	"github.com/xraph/metering/store/sqlite"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfgPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env-file", ".env", "path to a .env file")
	flag.Parse()

	if err := run(*cfgPath, *envFile); err != nil {
		fmt.Fprintln(os.Stderr, "meterd:", err)
		os.Exit(1)
	}
}

func run(cfgPath, envFile string) error {
	cfg, err := config.Load(cfgPath, envFile)
	if err != nil {
		return err
	}
	log := logger.New(cfg.App.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts, err := extension.EngineOptions(cfg.Metering,
		metering.WithLogger(log),
		metering.WithPlugin(observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))),
		metering.WithPlugin(audithook.New(auditLog(log), audithook.WithLogger(log))),
	)
	if err != nil {
		_ = st.Close() //nolint:errcheck
		return err
	}
	eng := metering.New(st, opts...)

	if err := eng.Start(ctx); err != nil {
		_ = st.Close() //nolint:errcheck
		return err
	}
	defer func() {
		if err := eng.Stop(); err != nil {
			log.Error("engine stop", "error", err)
		}
	}()

	if cfg.Store.SeedCatalog {
		n, err := eng.SeedPlans(ctx, plan.DefaultCatalogue())
		if err != nil {
			return fmt.Errorf("seed plans: %w", err)
		}
		if n > 0 {
			log.Info("seeded plan catalogue", "plans", n)
		}
	}

	srvOpts := httpx.Options{
		Addr:   cfg.HTTP.Addr,
		Health: eng.Health,
		API:    api.New(eng, log),
		Logger: log,
	}
	if cfg.Metrics.Enabled {
		srvOpts.Gatherer = reg
	}
	srv := httpx.New(srvOpts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", "addr", cfg.HTTP.Addr, "store", cfg.Store.Driver)
		return srv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMongo:
		return mongo.Connect(ctx, cfg.Mongo.URL, cfg.Mongo.Database)
	case config.DriverPostgres:
		return postgres.Connect(ctx, cfg.Postgres.DSN)
	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.SQLite.DSN)
	default:
		return memory.New(), nil
	}
}

// auditLog writes audit events to the structured log.
func auditLog(log *slog.Logger) audithook.RecorderFunc {
	return func(ctx context.Context, ev *audithook.AuditEvent) error {
		log.InfoContext(ctx, "audit",
			"action", ev.Action,
			"resource", ev.Resource,
			"resource_id", ev.ResourceID,
			"category", ev.Category,
			"outcome", ev.Outcome,
			"severity", ev.Severity,
			"reason", ev.Reason,
			"metadata", ev.Metadata,
		)
		return nil
	}
}
