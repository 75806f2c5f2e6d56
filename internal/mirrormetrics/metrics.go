// Package mirrormetrics exposes OpenTelemetry/Prometheus counters for
// ingest progress and serve-path traffic, grounded on the teacher repo's
// metrics package (same exporter wiring: an OTel Prometheus exporter bound
// to a fresh MeterProvider, counters created once at startup) generalized
// from depot's per-ecosystem download counters to this mirror's narinfo
// and nar serving paths.
package mirrormetrics

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds every counter this process exposes. The zero value has nil
// counters; every increment method is a no-op against the zero value so
// callers that skip New (e.g. in tests) don't need a nil check.
type Metrics struct {
	NarInfoRequestsTotal metric.Int64Counter
	NarRequestsTotal     metric.Int64Counter
	ServedBytesTotal     metric.Int64Counter
	IngestArtifactsTotal metric.Int64Counter
}

// New installs a Prometheus exporter as the global OTel MeterProvider and
// creates every counter.
func New() (m Metrics, err error) {
	exporter, err := prometheus.New()
	if err != nil {
		return Metrics{}, fmt.Errorf("mirrormetrics: create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("github.com/ncmirror/ncmirror")

	if m.NarInfoRequestsTotal, err = meter.Int64Counter("narinfo_requests_total",
		metric.WithDescription("Total narinfo requests, partitioned by hit/miss")); err != nil {
		return Metrics{}, fmt.Errorf("mirrormetrics: create narinfo_requests_total: %w", err)
	}
	if m.NarRequestsTotal, err = meter.Int64Counter("nar_requests_total",
		metric.WithDescription("Total nar payload requests, partitioned by hit/miss")); err != nil {
		return Metrics{}, fmt.Errorf("mirrormetrics: create nar_requests_total: %w", err)
	}
	if m.ServedBytesTotal, err = meter.Int64Counter("served_bytes_total",
		metric.WithDescription("Total nar payload bytes streamed to clients")); err != nil {
		return Metrics{}, fmt.Errorf("mirrormetrics: create served_bytes_total: %w", err)
	}
	if m.IngestArtifactsTotal, err = meter.Int64Counter("ingest_artifacts_total",
		metric.WithDescription("Total artifacts committed to the catalog during ingest")); err != nil {
		return Metrics{}, fmt.Errorf("mirrormetrics: create ingest_artifacts_total: %w", err)
	}

	return m, nil
}

// ListenAndServe serves the Prometheus scrape endpoint at /metrics.
func ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	return http.ListenAndServe(addr, mux)
}

func (m Metrics) IncrementNarInfoRequests(ctx context.Context, hit bool) {
	if m.NarInfoRequestsTotal == nil {
		return
	}
	m.NarInfoRequestsTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("hit", hit)))
}

func (m Metrics) IncrementNarRequests(ctx context.Context, hit bool) {
	if m.NarRequestsTotal == nil {
		return
	}
	m.NarRequestsTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("hit", hit)))
}

func (m Metrics) AddServedBytes(ctx context.Context, bytes int64) {
	if m.ServedBytesTotal == nil {
		return
	}
	m.ServedBytesTotal.Add(ctx, bytes)
}

func (m Metrics) IncrementIngestArtifacts(ctx context.Context, n int64) {
	if m.IngestArtifactsTotal == nil {
		return
	}
	m.IngestArtifactsTotal.Add(ctx, n)
}
