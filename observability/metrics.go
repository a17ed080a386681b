package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/scttfrdmn/genekit/genekit-go/evaluation"
	"github.com/scttfrdmn/genekit/genekit-go/gene"
	"github.com/scttfrdmn/genekit/genekit-go/middleware"
)

// MeterProvider global instance
var globalMeterProvider *sdkmetric.MeterProvider

// MetricsConfig configures metrics export.
type MetricsConfig struct {
	// ServiceName is reported as the service.name resource attribute.
	// Default: "genekit"
	ServiceName string

	// Registry receives the exported metrics. Default: a new registry
	Registry *prometheus.Registry
}

// InitMetrics initializes OpenTelemetry metrics with Prometheus export and
// installs the provider globally. The returned handler serves the registry
// in the Prometheus text format.
func InitMetrics(config MetricsConfig) (*sdkmetric.MeterProvider, http.Handler, error) {
	if config.ServiceName == "" {
		config.ServiceName = "genekit"
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(config.Registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	globalMeterProvider = provider
	return provider, promhttp.HandlerFor(config.Registry, promhttp.HandlerOpts{}), nil
}

// ServeMetrics serves handler at /metrics on addr until ctx is done.
func ServeMetrics(ctx context.Context, addr string, handler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// GetMeter returns a meter from the current global meter provider.
func GetMeter(name string) metric.Meter {
	// Looked up on each call so tests can install their own provider.
	return otel.Meter(name)
}

// ObjectiveStats are in-process totals of objective calls.
type ObjectiveStats struct {
	Evaluations int64
	Errors      int64
	InFlight    int64

	TotalLatency time.Duration
	MinLatency   time.Duration
	MaxLatency   time.Duration
}

// AverageLatency returns the mean call latency.
func (s ObjectiveStats) AverageLatency() time.Duration {
	if s.Evaluations == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.Evaluations)
}

// ErrorRate returns the fraction of failed calls.
func (s ObjectiveStats) ErrorRate() float64 {
	if s.Evaluations == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Evaluations)
}

// ObjectiveMetrics holds the instruments recorded around objective calls,
// plus in-process totals readable through Stats.
type ObjectiveMetrics struct {
	evaluations metric.Int64Counter
	errors      metric.Int64Counter
	latency     metric.Float64Histogram
	scores      metric.Float64Histogram
	attrs       []attribute.KeyValue

	mu    sync.Mutex
	stats ObjectiveStats
}

// Stats returns a copy of the in-process totals.
func (m *ObjectiveMetrics) Stats() ObjectiveStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Reset clears the in-process totals. Exported instruments are unaffected.
func (m *ObjectiveMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = ObjectiveStats{InFlight: m.stats.InFlight}
}

func (m *ObjectiveMetrics) begin() {
	m.mu.Lock()
	m.stats.InFlight++
	m.mu.Unlock()
}

func (m *ObjectiveMetrics) end(latency time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.InFlight--
	m.stats.Evaluations++
	m.stats.TotalLatency += latency
	if m.stats.MinLatency == 0 || latency < m.stats.MinLatency {
		m.stats.MinLatency = latency
	}
	if latency > m.stats.MaxLatency {
		m.stats.MaxLatency = latency
	}
	if failed {
		m.stats.Errors++
	}
}

// NewObjectiveMetrics creates the objective instruments on meter. attrs are
// attached to every measurement, typically the run ID and algorithm.
func NewObjectiveMetrics(meter metric.Meter, attrs ...attribute.KeyValue) (*ObjectiveMetrics, error) {
	evaluations, err := meter.Int64Counter(
		"genekit.objective.evaluations",
		metric.WithDescription("Total number of objective evaluations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluation counter: %w", err)
	}

	errorCounter, err := meter.Int64Counter(
		"genekit.objective.errors",
		metric.WithDescription("Total number of failed objective evaluations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}

	latency, err := meter.Float64Histogram(
		"genekit.objective.latency",
		metric.WithDescription("Objective evaluation latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create latency histogram: %w", err)
	}

	scores, err := meter.Float64Histogram(
		"genekit.objective.score",
		metric.WithDescription("Objective scores"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create score histogram: %w", err)
	}

	return &ObjectiveMetrics{
		evaluations: evaluations,
		errors:      errorCounter,
		latency:     latency,
		scores:      scores,
		attrs:       attrs,
	}, nil
}

// Middleware returns a Middleware recording every call of the objective.
func (m *ObjectiveMetrics) Middleware() middleware.Middleware {
	return func(next evaluation.ObjectiveFunc) evaluation.ObjectiveFunc {
		return func(ctx context.Context, args gene.Args) (float64, error) {
			return m.observe(ctx, next, args)
		}
	}
}

func (m *ObjectiveMetrics) observe(ctx context.Context, objective evaluation.ObjectiveFunc, args gene.Args) (float64, error) {
	m.begin()
	startTime := time.Now()
	score, err := objective(ctx, args)
	elapsed := time.Since(startTime)
	m.end(elapsed, err != nil)
	latencyMs := float64(elapsed.Microseconds()) / 1000.0

	attrs := make([]attribute.KeyValue, len(m.attrs), len(m.attrs)+2)
	copy(attrs, m.attrs)

	if err != nil {
		attrs = append(attrs,
			attribute.String("status", "error"),
			attribute.String("error.type", fmt.Sprintf("%T", err)),
		)
		opt := metric.WithAttributes(attrs...)
		m.evaluations.Add(ctx, 1, opt)
		m.errors.Add(ctx, 1, opt)
		m.latency.Record(ctx, latencyMs, opt)
		return 0, err
	}

	attrs = append(attrs, attribute.String("status", "success"))
	opt := metric.WithAttributes(attrs...)
	m.evaluations.Add(ctx, 1, opt)
	m.latency.Record(ctx, latencyMs, opt)
	m.scores.Record(ctx, score, opt)
	return score, nil
}

// ShutdownMetrics flushes and stops the meter provider installed by InitMetrics.
func ShutdownMetrics(ctx context.Context) error {
	if globalMeterProvider != nil {
		return globalMeterProvider.Shutdown(ctx)
	}
	return nil
}
