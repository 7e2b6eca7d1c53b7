package store

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// processing entries older than this are considered abandoned by a crashed
// relay and become fetchable again
const lockExpiration = 5 * time.Minute

const tracerName = "go-saga"

func addDBStatsToSpan(span trace.Span, system, statement string, rowCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("rowCount", rowCount),
		attribute.String("db.system", system),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}
