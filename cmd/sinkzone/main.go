// Command sinkzone runs the ad-blocking caching DNS server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sinkzone/pkg/blockfilter"
	"sinkzone/pkg/cache"
	"sinkzone/pkg/config"
	dnsserver "sinkzone/pkg/dns"
	"sinkzone/pkg/localrecords"
	"sinkzone/pkg/logging"
	"sinkzone/pkg/policy"
	"sinkzone/pkg/querylog"
	"sinkzone/pkg/resolver"
	"sinkzone/pkg/telemetry"
	"sinkzone/pkg/upstream"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "sinkzone:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	metrics, err := tel.NewMetrics()
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	tel.StartSystemCollector(metrics)

	answerCache, err := cache.New(&cfg.Cache, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to create answer cache: %w", err)
	}

	records := localrecords.NewManager(answerCache, logger)
	if err := records.LoadConfig(cfg.LocalRecords); err != nil {
		return fmt.Errorf("failed to load local records: %w", err)
	}

	var blocks *blockfilter.Engine
	var ruleWatcher *config.RuleWatcher
	if cfg.Blocking.Enabled {
		blocks, err = blockfilter.NewEngine(&cfg.Blocking, logger, metrics)
		if err != nil {
			return fmt.Errorf("failed to compile block filter: %w", err)
		}
		if cfg.Blocking.WatchSources {
			paths := blockfilter.SourcePaths(&cfg.Blocking)
			ruleWatcher, err = config.NewRuleWatcher(paths, func() {
				if err := blocks.Reload(); err != nil {
					logger.Error("Rule file reload failed", "error", err)
				}
			})
			if err != nil {
				return fmt.Errorf("failed to watch rule files: %w", err)
			}
			defer func() { _ = ruleWatcher.Close() }()
		}
	}

	var policies *policy.Engine
	if cfg.Policy.Enabled {
		policies, err = policy.NewEngine(&cfg.Policy)
		if err != nil {
			return fmt.Errorf("failed to compile policy rules: %w", err)
		}
		logger.Info("Policy engine loaded", "rules", policies.RuleCount())
	}

	pools, err := upstream.NewManager(ctx, &cfg.Upstream, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to build upstream pools: %w", err)
	}
	defer func() { _ = pools.Close() }()
	if cfg.Upstream.HealthCheck.Enabled {
		go pools.RunProber(ctx, cfg.Upstream.HealthCheck.Interval)
	}

	core := resolver.NewCoreResolver(pools, cfg.DNSSEC.Enabled,
		cfg.Filters.LocalDomain, cfg.Filters.LocalDNSServer, logger)

	negatives := cache.NewNegativeTracker(
		cfg.Cache.NegativeFrequentTTL,
		cfg.Cache.NegativeRareTTL,
		cfg.Cache.NegativeFrequencyThreshold)

	pipeline := resolver.NewCachedResolver(core, answerCache, negatives, cfg.Cache.DefaultTTL, logger, metrics).
		WithFilters(resolver.NewFilters(&cfg.Filters))
	if cfg.DNSSEC.Enabled {
		pipeline = pipeline.WithValidator(resolver.PassthroughValidator{}, cfg.DNSSEC.SoftFail)
	}
	if cfg.Prefetch.Enabled {
		pipeline = pipeline.WithPrefetcher(
			resolver.NewPrefetcher(cfg.Prefetch.MaxPredictions, cfg.Prefetch.MinProbability, logger))
	}

	go pipeline.RunRefreshWorker(ctx)

	maintainer := resolver.NewMaintainer(answerCache, negatives, pipeline, &cfg.Maintenance, logger)
	go maintainer.Run(ctx)

	var sink *querylog.Sink
	if cfg.QueryLog.Enabled {
		writer, err := querylog.NewSQLiteWriter(cfg.QueryLog.Path)
		if err != nil {
			return fmt.Errorf("failed to open query log: %w", err)
		}
		sink = querylog.NewSink(writer, cfg.QueryLog.BufferSize, cfg.QueryLog.Workers,
			cfg.QueryLog.FlushEvery, logger, metrics)
		defer func() { _ = sink.Close() }()
	}

	handler := dnsserver.NewHandler(pipeline, blocks, policies, sink, &cfg.Server, logger, metrics)
	server := dnsserver.NewServer(&cfg.Server, handler, answerCache, logger, metrics)
	if err := server.Start(); err != nil {
		return err
	}

	logger.Info("sinkzone started", "listen", cfg.Server.ListenAddress)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", "signal", sig.String())

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown incomplete", "error", err)
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown incomplete", "error", err)
	}

	stats := answerCache.Stats()
	logger.Info("Final cache statistics",
		"hits", stats.Hits,
		"misses", stats.Misses,
		"hit_rate", fmt.Sprintf("%.3f", stats.HitRate),
		"entries", stats.Entries)

	return nil
}
