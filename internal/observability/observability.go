package observability

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "natsflow"

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled      bool           `yaml:"enabled"`
	OTLPEndpoint string         `yaml:"otlp_endpoint"`
	Insecure     bool           `yaml:"insecure"`
	SampleRatio  float64        `yaml:"sample_ratio"`
	Resource     ResourceConfig `yaml:"resource"`
}

type ResourceConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
}

type Config struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

var (
	metricsEnabled int32
	tracingEnabled int32

	defaultTracer trace.Tracer

	registerOnce sync.Once

	publishedMsgsTotal  prometheus.Counter
	publishedBytesTotal prometheus.Counter
	pullsTotal          *prometheus.CounterVec
	deliveredTotal      *prometheus.CounterVec
	statusFramesTotal   *prometheus.CounterVec
	acksTotal           *prometheus.CounterVec
	errorsTotal         *prometheus.CounterVec
)

func MetricsEnabled() bool {
	return atomic.LoadInt32(&metricsEnabled) == 1
}

func TracingEnabled() bool {
	return atomic.LoadInt32(&tracingEnabled) == 1
}

func Tracer() trace.Tracer {
	if defaultTracer != nil {
		return defaultTracer
	}
	return otel.Tracer(instrumentationName)
}

// RegisterMetrics creates the client collectors and registers them with reg
// once per process. It also turns metric recording on.
func RegisterMetrics(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		publishedMsgsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "natsflow_published_messages_total",
			Help: "Number of messages published",
		})
		publishedBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "natsflow_published_bytes_total",
			Help: "Wire bytes of published messages",
		})
		pullsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "natsflow_pulls_total",
			Help: "Pull requests issued by consumers",
		}, []string{"stream", "consumer"})
		deliveredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "natsflow_delivered_total",
			Help: "Messages delivered to consumers",
		}, []string{"stream", "consumer"})
		statusFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "natsflow_status_frames_total",
			Help: "Status frames received by consumers",
		}, []string{"code"})
		acksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "natsflow_acks_total",
			Help: "Acknowledgments sent",
		}, []string{"kind"})
		errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "natsflow_errors_total",
			Help: "Errors by stage",
		}, []string{"stage"})
		reg.MustRegister(publishedMsgsTotal, publishedBytesTotal, pullsTotal,
			deliveredTotal, statusFramesTotal, acksTotal, errorsTotal)
	})
	atomic.StoreInt32(&metricsEnabled, 1)
}

func Init(ctx context.Context, cfg Config, l *slog.Logger) (func(context.Context) error, error) {
	shutdownFns := []func(context.Context) error{}

	if cfg.Metrics.Enabled {
		RegisterMetrics(prometheus.DefaultRegisterer)

		mux := http.NewServeMux()
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, promhttp.Handler())
		httpSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				l.Error("metrics http server", "err", err)
			}
		}()
		l.Info("metrics server started", "addr", cfg.Metrics.Addr)
		shutdownFns = append(shutdownFns, func(ctx context.Context) error {
			atomic.StoreInt32(&metricsEnabled, 0)
			return httpSrv.Shutdown(ctx)
		})
	}

	if cfg.Tracing.Enabled {
		var opts []otlptracegrpc.Option
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Tracing.OTLPEndpoint))
		if cfg.Tracing.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			l.Error("init otlp exporter", "err", err)
		} else {
			atomic.StoreInt32(&tracingEnabled, 1)
			sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Tracing.SampleRatio))
			res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
				"",
				attribute.String("service.name", cfg.Tracing.Resource.ServiceName),
				attribute.String("service.version", cfg.Tracing.Resource.ServiceVersion),
				attribute.String("deployment.environment", cfg.Tracing.Resource.Environment),
			))
			tp := sdktrace.NewTracerProvider(
				sdktrace.WithBatcher(exp),
				sdktrace.WithSampler(sampler),
				sdktrace.WithResource(res),
			)
			otel.SetTracerProvider(tp)
			defaultTracer = tp.Tracer(instrumentationName)
			shutdownFns = append(shutdownFns, func(ctx context.Context) error {
				atomic.StoreInt32(&tracingEnabled, 0)
				return tp.Shutdown(ctx)
			})
		}
	}

	return func(ctx context.Context) error {
		for i := len(shutdownFns) - 1; i >= 0; i-- {
			_ = shutdownFns[i](ctx)
		}
		return nil
	}, nil
}

func AddPublished(bytes int) {
	publishedMsgsTotal.Inc()
	publishedBytesTotal.Add(float64(bytes))
}

func IncPull(stream, consumer string) {
	pullsTotal.WithLabelValues(stream, consumer).Inc()
}

func IncDelivered(stream, consumer string) {
	deliveredTotal.WithLabelValues(stream, consumer).Inc()
}

func IncStatus(code int) {
	statusFramesTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

func IncAck(kind string) {
	acksTotal.WithLabelValues(kind).Inc()
}

func IncError(stage string) {
	errorsTotal.WithLabelValues(stage).Inc()
}

// StartSpan starts a client span when tracing is enabled. The returned end
// function records err on the span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	if !TracingEnabled() {
		return ctx, func(error) {}
	}

	ctx, span := Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
