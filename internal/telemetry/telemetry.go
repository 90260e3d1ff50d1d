package telemetry

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc/credentials"
)

// Config controls telemetry initialization via env flags.
//
//   - Prometheus exporter enabled by default (/metrics)
//   - OTLP exporter disabled by default
//   - Durations in seconds
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Optional resource attribute identifying this watcher instance.
	InstanceID string

	PromEnabled bool
	OTLPEnabled bool

	OTLPEndpoint string // host:port
	OTLPInsecure bool

	MetricExportInterval time.Duration
	AdminAddr            string // e.g.: ":2112"

	// Optional build info for wswatch_build_info metric
	BuildVersion string
	BuildCommit  string
}

// FromEnv reads configuration from environment variables.
//
//	WSWATCH_METRICS_PROMETHEUS_ENABLED (default: true)
//	WSWATCH_METRICS_OTLP_ENABLED       (default: false)
//	OTEL_EXPORTER_OTLP_ENDPOINT        (default: "localhost:4317")
//	OTEL_EXPORTER_OTLP_INSECURE        (default: true)
//	OTEL_METRIC_EXPORT_INTERVAL        (default: 15s)
//	OTEL_SERVICE_NAME                  (default: "wswatch")
//	OTEL_SERVICE_VERSION               (default: "")
//	WSWATCH_ADMIN_ADDR                 (default: ":2112")
func FromEnv() Config {
	instance := os.Getenv("WSWATCH_INSTANCE_ID")
	if instance == "" {
		if ra := os.Getenv("OTEL_RESOURCE_ATTRIBUTES"); ra != "" {
			instance = parseResourceAttributes(ra)["instance_id"]
		}
	}
	return Config{
		ServiceName:          getenv("OTEL_SERVICE_NAME", "wswatch"),
		ServiceVersion:       os.Getenv("OTEL_SERVICE_VERSION"),
		InstanceID:           instance,
		PromEnabled:          getenv("WSWATCH_METRICS_PROMETHEUS_ENABLED", "true") == "true",
		OTLPEnabled:          getenv("WSWATCH_METRICS_OTLP_ENABLED", "false") == "true",
		OTLPEndpoint:         getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:         getenv("OTEL_EXPORTER_OTLP_INSECURE", "true") == "true",
		MetricExportInterval: getdur("OTEL_METRIC_EXPORT_INTERVAL", 15*time.Second),
		AdminAddr:            getenv("WSWATCH_ADMIN_ADDR", ":2112"),
	}
}

// Setup holds initialized telemetry providers and (optionally) a /metrics handler.
// Call Shutdown when the process terminates to flush exporters.
type Setup struct {
	MeterProvider  *metric.MeterProvider
	TracerProvider *trace.TracerProvider

	PrometheusHandler http.Handler // nil if Prometheus exporter disabled

	shutdowns []func(context.Context) error
}

// Init configures OpenTelemetry metrics and (optionally) tracing.
//
// It sets a global MeterProvider and TracerProvider, registers runtime instrumentation,
// installs histogram views for *_seconds instruments, and returns a Setup with
// a Shutdown method to flush exporters.
func Init(ctx context.Context, cfg Config) (*Setup, error) {
	if getenv("WSWATCH_METRICS_INCLUDE_SERVER_LABEL", "true") == "true" {
		includeServerVal.Store(true)
	} else {
		includeServerVal.Store(false)
	}
	res := buildResource(ctx, cfg)

	s := &Setup{}
	readers, promHandler, shutdowns, err := setupMetricExport(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	s.PrometheusHandler = promHandler
	mp := buildMeterProvider(res, readers)
	otel.SetMeterProvider(mp)
	s.MeterProvider = mp
	s.shutdowns = append(s.shutdowns, mp.Shutdown)
	if cfg.OTLPEnabled {
		if tp, shutdown := setupTracing(ctx, cfg, res); tp != nil {
			otel.SetTracerProvider(tp)
			s.TracerProvider = tp
			s.shutdowns = append(s.shutdowns, func(c context.Context) error {
				return errors.Join(shutdown(c), tp.Shutdown(c))
			})
		}
	}
	s.shutdowns = append(s.shutdowns, shutdowns...)
	_ = runtime.Start(runtime.WithMeterProvider(mp))
	if err := registerInstruments(); err != nil {
		return nil, err
	}
	if cfg.BuildVersion != "" || cfg.BuildCommit != "" {
		RegisterBuildInfo(cfg.BuildVersion, cfg.BuildCommit)
	}
	return s, nil
}

func buildResource(ctx context.Context, cfg Config) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.InstanceID != "" {
		attrs = append(attrs, attribute.String("service.instance.id", cfg.InstanceID))
	}
	res, _ := resource.New(ctx, resource.WithFromEnv(), resource.WithHost(), resource.WithAttributes(attrs...))
	return res
}

func setupMetricExport(ctx context.Context, cfg Config, _ *resource.Resource) ([]metric.Reader, http.Handler, []func(context.Context) error, error) {
	var readers []metric.Reader
	var shutdowns []func(context.Context) error
	var promHandler http.Handler
	if cfg.PromEnabled {
		reg := promclient.NewRegistry()
		exp, err := prometheus.New(prometheus.WithRegisterer(reg))
		if err != nil {
			return nil, nil, nil, err
		}
		readers = append(readers, exp)
		promHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	if cfg.OTLPEnabled {
		mopts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if hdrs := parseOTLPHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); len(hdrs) > 0 {
			mopts = append(mopts, otlpmetricgrpc.WithHeaders(hdrs))
		}
		if cfg.OTLPInsecure {
			mopts = append(mopts, otlpmetricgrpc.WithInsecure())
		} else if certFile := os.Getenv("OTEL_EXPORTER_OTLP_CERTIFICATE"); certFile != "" {
			if creds, cerr := credentials.NewClientTLSFromFile(certFile, ""); cerr == nil {
				mopts = append(mopts, otlpmetricgrpc.WithTLSCredentials(creds))
			}
		}
		mexp, err := otlpmetricgrpc.New(ctx, mopts...)
		if err != nil {
			return nil, nil, nil, err
		}
		readers = append(readers, metric.NewPeriodicReader(mexp, metric.WithInterval(cfg.MetricExportInterval)))
		shutdowns = append(shutdowns, mexp.Shutdown)
	}
	return readers, promHandler, shutdowns, nil
}

func buildMeterProvider(res *resource.Resource, readers []metric.Reader) *metric.MeterProvider {
	var mpOpts []metric.Option
	mpOpts = append(mpOpts, metric.WithResource(res))
	for _, r := range readers {
		mpOpts = append(mpOpts, metric.WithReader(r))
	}
	mpOpts = append(mpOpts, metric.WithView(metric.NewView(
		metric.Instrument{Name: "wswatch_*_latency_seconds"},
		metric.Stream{Aggregation: metric.AggregationExplicitBucketHistogram{Boundaries: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}}},
	)))
	// Heartbeat gaps are expected in the seconds-to-minutes range.
	mpOpts = append(mpOpts, metric.WithView(metric.NewView(
		metric.Instrument{Name: "wswatch_heartbeat_gap_seconds"},
		metric.Stream{Aggregation: metric.AggregationExplicitBucketHistogram{Boundaries: []float64{1, 5, 10, 15, 20, 30, 45, 60, 120, 300, 600}}},
	)))
	mpOpts = append(mpOpts, metric.WithView(metric.NewView(
		metric.Instrument{Name: "wswatch_*"},
		metric.Stream{AttributeFilter: func(kv attribute.KeyValue) bool {
			switch string(kv.Key) {
			case "server", "transport", "direction", "result", "reason", "error_type", "msg_type", "kind", "version", "commit":
				return true
			default:
				return false
			}
		}},
	)))
	return metric.NewMeterProvider(mpOpts...)
}

func setupTracing(ctx context.Context, cfg Config, res *resource.Resource) (*trace.TracerProvider, func(context.Context) error) {
	topts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if hdrs := parseOTLPHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); len(hdrs) > 0 {
		topts = append(topts, otlptracegrpc.WithHeaders(hdrs))
	}
	if cfg.OTLPInsecure {
		topts = append(topts, otlptracegrpc.WithInsecure())
	} else if certFile := os.Getenv("OTEL_EXPORTER_OTLP_CERTIFICATE"); certFile != "" {
		if creds, cerr := credentials.NewClientTLSFromFile(certFile, ""); cerr == nil {
			topts = append(topts, otlptracegrpc.WithTLSCredentials(creds))
		}
	}
	exp, err := otlptracegrpc.New(ctx, topts...)
	if err != nil {
		return nil, nil
	}
	tp := trace.NewTracerProvider(trace.WithBatcher(exp), trace.WithResource(res))
	return tp, exp.Shutdown
}

// MetricsHandler returns the Prometheus handler, or nil when the exporter is
// disabled or s is nil.
func (s *Setup) MetricsHandler() http.Handler {
	if s == nil {
		return nil
	}
	return s.PrometheusHandler
}

// Shutdown flushes exporters and providers in reverse init order.
func (s *Setup) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	var err error
	for i := len(s.shutdowns) - 1; i >= 0; i-- {
		err = errors.Join(err, s.shutdowns[i](ctx))
	}
	return err
}

func parseOTLPHeaders(h string) map[string]string {
	return parseKeyValues(h)
}

// parseResourceAttributes parses OTEL_RESOURCE_ATTRIBUTES formatted as k=v,k2=v2
func parseResourceAttributes(s string) map[string]string {
	return parseKeyValues(s)
}

func parseKeyValues(s string) map[string]string {
	m := map[string]string{}
	if s == "" {
		return m
	}
	for _, p := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) == 2 {
			m[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return m
}

var includeServerVal atomic.Value // bool; default true

// ShouldIncludeServer returns whether the server label should be emitted.
// The label set is bounded by the configured server list.
func ShouldIncludeServer() bool {
	if v, ok := includeServerVal.Load().(bool); ok {
		return v
	}
	return true
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getdur(k string, d time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if p, e := time.ParseDuration(v); e == nil {
			return p
		}
	}
	return d
}
