package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/marketcalls/openalgo-sub010/internal/bus"
	"github.com/marketcalls/openalgo-sub010/internal/config"
	"github.com/marketcalls/openalgo-sub010/internal/connection"
	"github.com/marketcalls/openalgo-sub010/internal/instrument"
	"github.com/marketcalls/openalgo-sub010/internal/metrics"
	"github.com/marketcalls/openalgo-sub010/internal/proxy"
	"github.com/marketcalls/openalgo-sub010/internal/server"
	"github.com/marketcalls/openalgo-sub010/internal/version"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, sync, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := serve(ctx, cfg, logger); err != nil {
				logger.Error("gateway stopped with error", "error", err)
				return err
			}
			return nil
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting gateway",
		"version", version.Version,
		"commit", version.Commit,
		"accounts", cfg.AccountIDs(),
		"listen", cfg.Server.Listen,
	)

	accts, err := accounts(cfg)
	if err != nil {
		return err
	}

	var (
		m        *metrics.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Metrics.On() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(reg)
		gatherer = reg
	}

	var rdb redis.Cmdable
	if cfg.Redis.Enabled() {
		client := newRedisClient(cfg.Redis)
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		rdb = client
		logger.Info("redis connected", "addr", cfg.Redis.Addr)
	}

	validator, err := buildValidator(cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	creds, err := buildCredentials(cfg.Credentials, rdb)
	if err != nil {
		return err
	}

	src, closeInstruments, err := openInstruments(ctx, cfg.Instruments, logger)
	if err != nil {
		return err
	}
	defer closeInstruments()
	cache := instrument.NewCache(src, instrument.CacheConfig{
		TTL:         cfg.Instruments.CacheTTL,
		NegativeTTL: cfg.Instruments.NegativeTTL,
		Metrics:     m,
	})
	logger.Info("instrument master ready", "driver", cfg.Instruments.Driver)

	b := bus.New(bus.Options{QueueSize: cfg.Bus.QueueSize, Logger: logger, Metrics: m})
	var (
		publisher bus.Publisher = b
		tee       *bus.Tee
	)
	if mirrors := buildMirrors(cfg.Mirror, rdb); len(mirrors) > 0 {
		tee = bus.NewTee(b, bus.TeeOptions{
			QueueSize:    cfg.Mirror.QueueSize,
			BatchSize:    cfg.Mirror.BatchSize,
			WriteTimeout: cfg.Mirror.WriteTimeout,
			Logger:       logger,
			Metrics:      m,
		}, mirrors...)
		publisher = tee
	}

	manager, err := connection.NewManager(managerConfig(cfg, m), accts, creds, publisher,
		connection.WithInstruments(cache),
		connection.WithLogger(logger),
		connection.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	px := proxy.New(proxyConfig(cfg), manager, b, cache, validator,
		proxy.WithLogger(logger),
		proxy.WithMetrics(m),
	)

	srv := server.New(server.Config{
		Listen:          cfg.Server.Listen,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MetricsPath:     cfg.Metrics.Path,
	}, server.Deps{
		WebSocket: px,
		Manager:   manager,
		Proxy:     px,
		Bus:       b,
		Gatherer:  gatherer,
		Metrics:   m,
		Logger:    logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	manager.Start(gctx)
	if tee != nil {
		tee.Start(gctx)
	}

	g.Go(func() error { return srv.Run(gctx) })
	if cfg.Server.GRPCListen != "" {
		health := server.NewHealth(manager, server.DefaultHealthInterval, logger)
		g.Go(func() error { return health.Run(gctx, cfg.Server.GRPCListen) })
	}
	g.Go(func() error {
		purgeCache(gctx, cache, cfg.Instruments.NegativeTTL, logger)
		return nil
	})

	logger.Info("gateway running", "instance_id", cfg.Instance.ID)
	err = g.Wait()

	logger.Info("shutting down...")
	// Sessions go first so their streams are released before the
	// upstream connections close.
	px.Close()
	manager.Close()
	if tee != nil {
		if cerr := tee.Close(); cerr != nil {
			logger.Warn("mirror close failed", "error", cerr)
		}
	}
	logger.Info("gateway stopped")
	return err
}

// purgeCache drops expired instrument entries every interval.
func purgeCache(ctx context.Context, cache *instrument.Cache, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = instrument.DefaultNegativeTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := cache.Purge(); n > 0 {
				logger.Debug("instrument cache purged", "removed", n, "remaining", cache.Len())
			}
		}
	}
}
