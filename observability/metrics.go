package observability

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const meterName = "opexec"

// Instruments holds the counters and histograms shared by the store and
// task-scheduling layers.
type Instruments struct {
	RunDuration   metric.Float64Histogram
	RetryAttempts metric.Int64Counter
	DedupHits     metric.Int64Counter
	CacheHits     metric.Int64Counter
	CacheMisses   metric.Int64Counter
}

// InitMetrics sets up a global OTLP/gRPC metrics exporter (push, periodic).
// On failure it logs a warning, returns a no-op shutdown, and still hands
// back usable (globally-registered) instruments so callers never need a nil
// check.
func InitMetrics(ctx context.Context, component string) (shutdown func(context.Context) error, instruments Instruments) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(component),
		attribute.String("component", component),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, createInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, createInstruments()
}

// RecordRunDuration records a Store run's wall-clock duration, the same
// counter InitMetrics' Instruments.RunDuration exposes, looked up fresh
// against the current global meter provider so callers need no explicit
// Instruments handle (matching resilience's own
// otel.GetMeterProvider().Meter(meterName) pattern).
func RecordRunDuration(ctx context.Context, dur time.Duration) {
	meter := otel.Meter(meterName)
	h, _ := meter.Float64Histogram("opexec_store_run_duration_ms")
	h.Record(ctx, float64(dur.Milliseconds()))
}

// RecordRetryAttempt increments the retry-attempts counter once per
// attempt beyond the first.
func RecordRetryAttempt(ctx context.Context) {
	meter := otel.Meter(meterName)
	c, _ := meter.Int64Counter("opexec_store_retry_attempts_total")
	c.Add(ctx, 1)
}

// RecordDedupHit increments the dedup-hits counter when a Run call
// collapses onto an already in-flight task instead of starting its own.
func RecordDedupHit(ctx context.Context) {
	meter := otel.Meter(meterName)
	c, _ := meter.Int64Counter("opexec_store_dedup_hits_total")
	c.Add(ctx, 1)
}

// RecordCacheHit increments the cache-hits counter when a Client lookup
// finds an already-registered store for a path.
func RecordCacheHit(ctx context.Context) {
	meter := otel.Meter(meterName)
	c, _ := meter.Int64Counter("opexec_cache_hits_total")
	c.Add(ctx, 1)
}

// RecordCacheMiss increments the cache-misses counter when a Client lookup
// finds no registered store for a path.
func RecordCacheMiss(ctx context.Context) {
	meter := otel.Meter(meterName)
	c, _ := meter.Int64Counter("opexec_cache_misses_total")
	c.Add(ctx, 1)
}

func createInstruments() Instruments {
	meter := otel.Meter(meterName)
	dur, _ := meter.Float64Histogram("opexec_store_run_duration_ms")
	retry, _ := meter.Int64Counter("opexec_store_retry_attempts_total")
	dedup, _ := meter.Int64Counter("opexec_store_dedup_hits_total")
	hit, _ := meter.Int64Counter("opexec_cache_hits_total")
	miss, _ := meter.Int64Counter("opexec_cache_misses_total")
	return Instruments{
		RunDuration:   dur,
		RetryAttempts: retry,
		DedupHits:     dedup,
		CacheHits:     hit,
		CacheMisses:   miss,
	}
}
