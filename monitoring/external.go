package monitoring

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RecordExternalCall records how long an outbound provider call took.
func RecordExternalCall(ctx context.Context, service, operation, status string, start time.Time) {
	ExternalCallDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(
			attribute.String("external.service", service),
			attribute.String("external.operation", operation),
			attribute.String("status", status),
		),
	)
}
