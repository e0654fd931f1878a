// Package telemetry wires up the Prometheus-backed OpenTelemetry meter and
// the metric instruments used across the resolver.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"sinkzone/pkg/config"
	"sinkzone/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Telemetry holds the meter provider and the metrics HTTP server.
type Telemetry struct {
	cfg           *config.TelemetryConfig
	meterProvider metric.MeterProvider
	server        *http.Server
	logger        *logging.Logger
	stopSystem    context.CancelFunc
}

// Metrics holds all application instruments.
type Metrics struct {
	QueriesTotal     metric.Int64Counter
	QueriesByType    metric.Int64Counter
	QueryDuration    metric.Float64Histogram
	CacheHits        metric.Int64Counter
	CacheMisses      metric.Int64Counter
	CacheStaleHits   metric.Int64Counter
	CacheEvictions   metric.Int64Counter
	CacheRefreshes   metric.Int64Counter
	CacheSize        metric.Int64UpDownCounter
	BlockedQueries   metric.Int64Counter
	FastPathHits     metric.Int64Counter
	UpstreamLatency  metric.Float64Histogram
	UpstreamFailures metric.Int64Counter
	HealthFlips      metric.Int64Counter
	QueryLogDropped  metric.Int64Counter

	ProcessRSS metric.Int64Gauge
	ProcessCPU metric.Float64Gauge
}

// New creates a telemetry instance. When disabled, a noop meter is returned
// so call sites never need nil checks on individual instruments.
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{cfg: cfg, meterProvider: noop.NewMeterProvider(), logger: logger}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String("sinkzone"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	t := &Telemetry{
		cfg:           cfg,
		meterProvider: provider,
		server:        server,
		logger:        logger,
	}

	go func() {
		logger.Info("Metrics endpoint listening", "addr", cfg.ListenAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", "error", err)
		}
	}()

	return t, nil
}

// NewMetrics creates the instrument set on this telemetry's meter.
func (t *Telemetry) NewMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("sinkzone")

	m := &Metrics{}
	var err error

	if m.QueriesTotal, err = meter.Int64Counter("dns_queries_total",
		metric.WithDescription("Total DNS queries received")); err != nil {
		return nil, err
	}
	if m.QueriesByType, err = meter.Int64Counter("dns_queries_by_type",
		metric.WithDescription("DNS queries by record type")); err != nil {
		return nil, err
	}
	if m.QueryDuration, err = meter.Float64Histogram("dns_query_duration_seconds",
		metric.WithDescription("End-to-end query handling duration")); err != nil {
		return nil, err
	}
	if m.CacheHits, err = meter.Int64Counter("dns_cache_hits_total",
		metric.WithDescription("Answer cache hits")); err != nil {
		return nil, err
	}
	if m.CacheMisses, err = meter.Int64Counter("dns_cache_misses_total",
		metric.WithDescription("Answer cache misses")); err != nil {
		return nil, err
	}
	if m.CacheStaleHits, err = meter.Int64Counter("dns_cache_stale_hits_total",
		metric.WithDescription("Stale entries served within grace")); err != nil {
		return nil, err
	}
	if m.CacheEvictions, err = meter.Int64Counter("dns_cache_evictions_total",
		metric.WithDescription("Entries evicted under pressure")); err != nil {
		return nil, err
	}
	if m.CacheRefreshes, err = meter.Int64Counter("dns_cache_refreshes_total",
		metric.WithDescription("Background refresh attempts")); err != nil {
		return nil, err
	}
	if m.CacheSize, err = meter.Int64UpDownCounter("dns_cache_size",
		metric.WithDescription("Live cache entries")); err != nil {
		return nil, err
	}
	if m.BlockedQueries, err = meter.Int64Counter("dns_blocked_queries_total",
		metric.WithDescription("Queries rejected by the block filter")); err != nil {
		return nil, err
	}
	if m.FastPathHits, err = meter.Int64Counter("dns_fastpath_hits_total",
		metric.WithDescription("Responses synthesized on the wire fast path")); err != nil {
		return nil, err
	}
	if m.UpstreamLatency, err = meter.Float64Histogram("dns_upstream_latency_seconds",
		metric.WithDescription("Upstream exchange latency")); err != nil {
		return nil, err
	}
	if m.UpstreamFailures, err = meter.Int64Counter("dns_upstream_failures_total",
		metric.WithDescription("Failed upstream exchanges")); err != nil {
		return nil, err
	}
	if m.HealthFlips, err = meter.Int64Counter("dns_upstream_health_transitions_total",
		metric.WithDescription("Upstream health state transitions")); err != nil {
		return nil, err
	}
	if m.QueryLogDropped, err = meter.Int64Counter("query_log_dropped_total",
		metric.WithDescription("Query log events dropped under backpressure")); err != nil {
		return nil, err
	}
	if m.ProcessRSS, err = meter.Int64Gauge("process_resident_memory_bytes_coarse",
		metric.WithDescription("Resident set size sampled by the system collector")); err != nil {
		return nil, err
	}
	if m.ProcessCPU, err = meter.Float64Gauge("process_cpu_percent",
		metric.WithDescription("Process CPU usage sampled by the system collector")); err != nil {
		return nil, err
	}

	return m, nil
}

// StartSystemCollector samples process RSS and CPU on a slow tick.
func (t *Telemetry) StartSystemCollector(m *Metrics) {
	if !t.cfg.Enabled || !t.cfg.SystemMetrics {
		return
	}
	interval := t.cfg.SystemInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.stopSystem = cancel

	go func() {
		proc, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			t.logger.Warn("System metrics collector unavailable", "error", err)
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if mem, err := proc.MemoryInfo(); err == nil {
					m.ProcessRSS.Record(ctx, int64(mem.RSS))
				}
				if pct, err := proc.CPUPercent(); err == nil {
					m.ProcessCPU.Record(ctx, pct)
				}
				// Touch host CPU counters so sampling windows stay warm.
				_, _ = cpu.Percent(0, false)
			}
		}
	}()
}

// Shutdown stops the metrics server and the system collector.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.stopSystem != nil {
		t.stopSystem()
	}
	if t.server != nil {
		return t.server.Shutdown(ctx)
	}
	return nil
}
