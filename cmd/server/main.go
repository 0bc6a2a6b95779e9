package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/liamcoop/rulesets/internal/config"
	"github.com/liamcoop/rulesets/internal/logger"
	"github.com/liamcoop/rulesets/internal/scheduler"
	"github.com/liamcoop/rulesets/loader"
	"github.com/liamcoop/rulesets/rules"
)

func main() {
	configPath := flag.String("config", os.Getenv("RULES_CONFIG"), "Path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}

	if level, err := logger.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	logger.SetSampleRate(cfg.Logging.SampleRate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := openBackends(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to open backends", "error", err)
	}
	defer stores.Close()

	var (
		registerer prometheus.Registerer
		gatherer   prometheus.Gatherer
	)
	if cfg.Server.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		registerer, gatherer = reg, reg
	}

	engineCfg := rules.DefaultConfig()
	engineCfg.ContentTTL = cfg.Content.TTL
	engineCfg.Cache.MaxEntriesPerRuleSet = cfg.Engine.CacheMaxEntries
	engineCfg.CostLimit = cfg.Engine.CostLimit
	engineCfg.Registerer = registerer

	engine, err := rules.NewEngine(ctx, stores.registry, stores.content, engineCfg)
	if err != nil {
		logger.Fatal("failed to create engine", "error", err)
	}
	logger.Info("engine ready",
		"storage", cfg.Storage.Backend,
		"content", cfg.Content.Backend,
		"rule_sets", len(engine.ListAll(ctx)))

	if stores.purger != nil && cfg.Maintenance.PurgeSchedule != config.PurgeDisabled {
		purge := scheduler.NewPurgeScheduler(stores.purger, cfg.Maintenance.PurgeSchedule)
		if err := purge.Start(ctx); err != nil {
			logger.Fatal("failed to start purge scheduler", "error", err)
		}
	}

	if cfg.Loader.WatchDir != "" {
		compiler, err := rules.NewCELCompilerWithCostLimit(cfg.Engine.CostLimit)
		if err != nil {
			logger.Fatal("failed to create compiler", "error", err)
		}
		l := loader.New(cfg.Loader.WatchDir, engine, compiler, cfg.Loader.Debounce)
		go func() {
			if err := l.Watch(ctx); err != nil {
				logger.Error("rule directory watcher exited", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      NewServer(engine, gatherer, stores.Health),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := logger.Shutdown(shutdownCtx); err != nil {
		logger.Error("logger shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
