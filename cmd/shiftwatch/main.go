// Command shiftwatch runs the attendance monitoring service: ingestion over
// REST and Kafka, the live status engine, and the observer API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"

	"shiftwatch/internal/alerts"
	"shiftwatch/internal/api"
	"shiftwatch/internal/auth"
	"shiftwatch/internal/config"
	"shiftwatch/internal/directory"
	"shiftwatch/internal/engine"
	"shiftwatch/internal/hub"
	"shiftwatch/internal/ingest"
	"shiftwatch/internal/logging"
	"shiftwatch/internal/metrics"
	"shiftwatch/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("SHIFTWATCH_CONFIG"), "path to YAML or JSON config file")
	flag.Parse()

	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "shiftwatch:", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Manager, error) {
	if path == "" {
		cfg := config.DefaultConfig()
		config.ApplyEnv(cfg)
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
		return config.NewStatic(cfg), nil
	}
	return config.NewManager(config.ResolvePath(path))
}

func run(configPath string) error {
	mgr, err := loadConfig(configPath)
	if err != nil {
		return errors.Annotate(err, "load config")
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return errors.Annotate(err, "open storage")
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return errors.Annotate(err, "init storage")
	}

	m := metrics.New()
	dir := directory.NewStatic(cfg.Companies)
	h := hub.New(cfg.Hub, logger.With("component", "hub"), m)
	eng := engine.New(engine.Options{
		Store:     store,
		Directory: dir,
		Metrics:   m,
		Feed:      alerts.NewFeed(cfg.Alerts.StoreLimit),
		Logger:    logger.With("component", "engine"),
		Detection: cfg.Detection,
	})
	eng.SetPublisher(h)

	gw := ingest.NewGateway(ingest.Options{
		Store:     store,
		Processor: eng,
		Metrics:   m,
		Logger:    logger.With("component", "ingest"),
		Ingest:    cfg.Ingest,
	})
	validator := auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	logger.Info("shiftwatch starting",
		"version", version,
		"config", mgr.Path(),
		"storage", cfg.Storage.Driver,
		"companies", len(cfg.Companies),
	)

	// Rebuild live state from the store before serving observers a snapshot.
	if err := eng.Sweep(ctx); err != nil {
		logger.Warn("initial sweep failed", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Run(gctx) })
	g.Go(func() error { return eng.Run(gctx) })
	if mgr.Path() != "" {
		g.Go(func() error {
			mgr.Watch(0, func(next *config.Config) {
				dir.Update(next.Companies)
				eng.UpdateConfig(next.Detection)
				gw.UpdateConfig(next.Ingest)
				logger.Info("config reloaded", "companies", len(next.Companies))
			}, func(err error) {
				logger.Warn("config reload failed", "err", err)
			}, gctx.Done())
			return nil
		})
	}
	if cfg.Ingest.REST.Enabled {
		rest := ingest.NewRESTServer(gw, validator, logger.With("component", "rest"))
		g.Go(func() error { return rest.Serve(gctx, cfg.Ingest.REST.Addr) })
	} else {
		logger.Info("rest ingest disabled")
	}
	if cfg.Ingest.Kafka.Enabled {
		consumer := ingest.NewKafkaConsumer(cfg.Ingest.Kafka, gw, logger.With("component", "kafka"))
		logger.Info("kafka ingest enabled",
			"brokers", cfg.Ingest.Kafka.Brokers,
			"topic", cfg.Ingest.Kafka.Topic,
			"group_id", cfg.Ingest.Kafka.GroupID,
		)
		g.Go(func() error { return consumer.Run(gctx) })
	}
	if cfg.API.Enabled {
		srv := api.New(api.Options{
			Config:    mgr,
			Engine:    eng,
			Hub:       h,
			Validator: validator,
			Metrics:   m,
			Logger:    logger.With("component", "api"),
			Version:   version,
		})
		g.Go(func() error { return srv.Serve(gctx, cfg.API.Addr) })
	} else {
		logger.Info("api disabled")
	}

	err = g.Wait()
	logger.Info("shiftwatch stopped")
	return err
}
