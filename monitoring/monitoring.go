package monitoring

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"voucher-service/logging"
)

const instrumentationName = "voucher-service"

var (
	// OpenTelemetry metrics
	PaymentCounter       metric.Int64Counter
	PaymentAmount        metric.Float64Histogram
	VoucherCounter       metric.Int64Counter
	ProvisioningFailures metric.Int64Counter
	SMSAttempts          metric.Int64Counter
	RateLimitRejections  metric.Int64Counter
	ExternalCallDuration metric.Float64Histogram
	HTTPServerDuration   metric.Float64Histogram
)

// Instruments are created against the global meter, which delegates to the
// real provider once InitMeter installs it.
func init() {
	if err := registerInstruments(otel.Meter(instrumentationName)); err != nil {
		panic("monitoring: " + err.Error())
	}
}

// InitTracer initializes OpenTelemetry tracing
func InitTracer(serviceName, endpoint string) (*sdktrace.TracerProvider, trace.Tracer, error) {
	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, err
	}

	res, err := newResource(ctx, serviceName)
	if err != nil {
		return nil, nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	tracer := tp.Tracer(serviceName)

	logging.Info("Tracing initialized", zap.String("service_name", serviceName))

	return tp, tracer, nil
}

// InitMeter initializes OpenTelemetry metrics with an OTLP exporter and,
// optionally, a Prometheus reader served by MetricsHandler.
func InitMeter(serviceName, endpoint string, withPrometheus bool) (*sdkmetric.MeterProvider, metric.Meter, error) {
	ctx := context.Background()

	res, err := newResource(ctx, serviceName)
	if err != nil {
		return nil, nil, err
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if endpoint != "" {
		metricExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))
	}

	if withPrometheus {
		promExporter, err := otelprom.New()
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, sdkmetric.WithReader(promExporter))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	meter := mp.Meter(serviceName)

	logging.Info("Metrics initialized",
		zap.String("endpoint", endpoint),
		zap.Bool("prometheus", withPrometheus),
	)

	return mp, meter, nil
}

// MetricsHandler exposes the Prometheus registry the exporter writes to.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
}

func registerInstruments(meter metric.Meter) error {
	var err error

	PaymentCounter, err = meter.Int64Counter(
		"payments_total",
		metric.WithDescription("Payment state transitions by provider and status"),
	)
	if err != nil {
		return err
	}

	PaymentAmount, err = meter.Float64Histogram(
		"payment_amount_ugx",
		metric.WithDescription("Completed payment amounts in UGX"),
	)
	if err != nil {
		return err
	}

	VoucherCounter, err = meter.Int64Counter(
		"vouchers_issued_total",
		metric.WithDescription("Vouchers issued for completed payments"),
	)
	if err != nil {
		return err
	}

	ProvisioningFailures, err = meter.Int64Counter(
		"voucher_provisioning_failures_total",
		metric.WithDescription("Vouchers that could not be pushed to the access controller"),
	)
	if err != nil {
		return err
	}

	SMSAttempts, err = meter.Int64Counter(
		"sms_attempts_total",
		metric.WithDescription("SMS provider attempts by provider and outcome"),
	)
	if err != nil {
		return err
	}

	RateLimitRejections, err = meter.Int64Counter(
		"rate_limit_rejections_total",
		metric.WithDescription("Requests refused by the rate limiter"),
	)
	if err != nil {
		return err
	}

	ExternalCallDuration, err = meter.Float64Histogram(
		"external_provider_duration_seconds",
		metric.WithDescription("Duration of mobile money, SMS and controller calls"),
	)
	if err != nil {
		return err
	}

	HTTPServerDuration, err = meter.Float64Histogram(
		"http_server_duration_milliseconds",
		metric.WithDescription("HTTP server request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	return err
}
