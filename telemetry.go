package intentd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"
)

// telemetryConfig collects the observability knobs NewServer forwards from
// Config.
type telemetryConfig struct {
	OTLPEndpoint    string
	MetricsListen   string
	PprofListen     string
	RuntimeProfiles bool
}

func (tc telemetryConfig) enabled() bool {
	return strings.TrimSpace(tc.OTLPEndpoint) != "" ||
		strings.TrimSpace(tc.MetricsListen) != "" ||
		strings.TrimSpace(tc.PprofListen) != "" ||
		tc.RuntimeProfiles
}

// httpSidecar is a small auxiliary HTTP listener (metrics scrape endpoint or
// pprof) that lives and dies with the server.
type httpSidecar struct {
	name string
	srv  *http.Server
	ln   net.Listener
}

// telemetryBundle owns every provider and sidecar started by setupTelemetry.
type telemetryBundle struct {
	traces   *sdktrace.TracerProvider
	meters   *sdkmetric.MeterProvider
	sidecars []httpSidecar
	logger   pslog.Logger
}

// Shutdown flushes providers and stops sidecar listeners, collecting every
// failure rather than stopping at the first.
func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	var errs []error
	fail := func(what string, err error) {
		errs = append(errs, fmt.Errorf("%s shutdown: %w", what, err))
		t.logger.Warn("telemetry.shutdown.failure", "component", what, "error", err)
	}
	if t.meters != nil {
		if err := t.meters.Shutdown(ctx); err != nil {
			fail("metric provider", err)
		}
	}
	for _, sc := range t.sidecars {
		if err := sc.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fail(sc.name, err)
		}
		_ = sc.ln.Close()
	}
	if t.traces != nil {
		if err := t.traces.Shutdown(ctx); err != nil {
			fail("trace provider", err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	t.logger.Info("telemetry.shutdown.complete")
	return nil
}

// runtime metrics may only be registered once per process.
var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

// setupTelemetry initializes OTLP tracing, the Prometheus scrape endpoint,
// and the pprof listener as requested by tc. It returns (nil, nil) when all
// of them are disabled.
func setupTelemetry(ctx context.Context, tc telemetryConfig, logger pslog.Logger) (*telemetryBundle, error) {
	if !tc.enabled() {
		return nil, nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if tc.RuntimeProfiles && strings.TrimSpace(tc.MetricsListen) == "" {
		return nil, fmt.Errorf("telemetry: profiling metrics require metrics listen address")
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName("intentd")),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	bundle := &telemetryBundle{logger: logger}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bundle.Shutdown(shutdownCtx)
	}

	if endpoint := strings.TrimSpace(tc.OTLPEndpoint); endpoint != "" {
		target, err := parseOTLPEndpoint(endpoint)
		if err != nil {
			return nil, err
		}
		bundle.traces, err = startTracing(ctx, target, res)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(bundle.traces)
		logger.Info("telemetry.tracing.enabled",
			"protocol", target.proto,
			"endpoint", target.hostPort,
			"path", target.urlPath,
			"insecure", target.plaintext,
		)
	}

	if listen := strings.TrimSpace(tc.MetricsListen); listen != "" {
		registry := prometheus.NewRegistry()
		exporterOpts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if tc.RuntimeProfiles {
			exporterOpts = append(exporterOpts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(exporterOpts...)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("telemetry: start prometheus exporter: %w", err)
		}
		bundle.meters = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(bundle.meters)
		if tc.RuntimeProfiles {
			runtimeMetricsOnce.Do(func() {
				runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(bundle.meters))
			})
			if runtimeMetricsErr != nil {
				cleanup()
				return nil, fmt.Errorf("telemetry: start runtime metrics: %w", runtimeMetricsErr)
			}
			logger.Info("profiling.metrics.enabled")
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		sc, err := startSidecar("metrics server", listen, mux, logger)
		if err != nil {
			cleanup()
			return nil, err
		}
		bundle.sidecars = append(bundle.sidecars, sc)
		logger.Info("telemetry.metrics.enabled", "listen", listen)
	}

	if listen := strings.TrimSpace(tc.PprofListen); listen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		sc, err := startSidecar("pprof server", listen, mux, logger)
		if err != nil {
			cleanup()
			return nil, err
		}
		bundle.sidecars = append(bundle.sidecars, sc)
		logger.Info("profiling.pprof.enabled", "listen", listen)
	}

	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)
	otel.SetErrorHandler(otelErrorHandler{logger: logger})

	return bundle, nil
}

func startSidecar(name, addr string, handler http.Handler, logger pslog.Logger) (httpSidecar, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return httpSidecar{}, fmt.Errorf("telemetry: %s listen: %w", name, err)
	}
	srv := &http.Server{Handler: handler}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("telemetry.sidecar.serve_error", "component", name, "error", err)
		}
	}()
	return httpSidecar{name: name, srv: srv, ln: ln}, nil
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil || h.logger == nil {
		return
	}
	// Collector reconnects are routine; keep them out of the warn stream.
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

// otlpTarget is a parsed collector endpoint.
type otlpTarget struct {
	proto     string // "grpc" or "http"
	hostPort  string
	urlPath   string // http only
	plaintext bool
}

const (
	otlpDefaultGRPCPort = "4317"
	otlpDefaultHTTPPort = "4318"
)

// parseOTLPEndpoint accepts a bare host[:port] (treated as plaintext gRPC) or
// a grpc://, grpcs://, http://, https:// URL.
func parseOTLPEndpoint(raw string) (otlpTarget, error) {
	if !strings.Contains(raw, "://") {
		return otlpTarget{
			proto:     "grpc",
			hostPort:  ensurePort(raw, otlpDefaultGRPCPort),
			plaintext: true,
		}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	host := u.Host
	path := strings.TrimSuffix(u.Path, "/")
	if host == "" {
		host = path
		path = ""
	}
	if host == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	switch strings.ToLower(u.Scheme) {
	case "grpc":
		return otlpTarget{proto: "grpc", hostPort: ensurePort(host, otlpDefaultGRPCPort), plaintext: true}, nil
	case "grpcs":
		return otlpTarget{proto: "grpc", hostPort: ensurePort(host, otlpDefaultGRPCPort)}, nil
	case "http":
		return otlpTarget{proto: "http", hostPort: ensurePort(host, otlpDefaultHTTPPort), urlPath: path, plaintext: true}, nil
	case "https":
		return otlpTarget{proto: "http", hostPort: ensurePort(host, otlpDefaultHTTPPort), urlPath: path}, nil
	default:
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
}

func ensurePort(host, port string) string {
	if strings.Contains(host, ":") {
		return host
	}
	return net.JoinHostPort(host, port)
}

// startTracing builds a batching tracer provider exporting to the resolved
// collector target.
func startTracing(ctx context.Context, target otlpTarget, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	const exportTimeout = 10 * time.Second
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch target.proto {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(target.hostPort),
			otlptracegrpc.WithTimeout(exportTimeout),
		}
		if target.plaintext {
			opts = append(opts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		} else {
			opts = append(opts,
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))),
			)
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.hostPort),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if target.plaintext {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.urlPath != "" && target.urlPath != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(target.urlPath))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.proto)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter (%s): %w", target.proto, err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1.0))),
		sdktrace.WithBatcher(exporter),
	), nil
}
