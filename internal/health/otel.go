package health

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instruments mirrors monitor counters to OpenTelemetry. A nil instrument
// set (meter registration failed) degrades to no-ops; health derivation
// never depends on it.
type instruments struct {
	queries   metric.Int64Counter
	errors    metric.Int64Counter
	cacheHits metric.Int64Counter
	latency   metric.Float64Histogram
}

func newInstruments() *instruments {
	meter := otel.Meter("ragserve/health")

	queries, err1 := meter.Int64Counter("kb.queries",
		metric.WithDescription("Total queries served"))
	errs, err2 := meter.Int64Counter("kb.query_errors",
		metric.WithDescription("Queries that returned an error"))
	hits, err3 := meter.Int64Counter("kb.cache_hits",
		metric.WithDescription("Queries answered from the project cache"))
	latency, err4 := meter.Float64Histogram("kb.query_latency_ms",
		metric.WithDescription("Query latency in milliseconds"))

	for _, err := range []error{err1, err2, err3, err4} {
		if err != nil {
			log.Warn().Err(err).Msg("OTel instrument registration failed, metrics disabled")
			return nil
		}
	}
	return &instruments{queries: queries, errors: errs, cacheHits: hits, latency: latency}
}

func (i *instruments) recordQuery(projectID string, latencyMs float64, success, cacheHit bool) {
	if i == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("project_id", projectID))

	i.queries.Add(ctx, 1, attrs)
	if !success {
		i.errors.Add(ctx, 1, attrs)
	}
	if cacheHit {
		i.cacheHits.Add(ctx, 1, attrs)
	}
	i.latency.Record(ctx, latencyMs, attrs)
}
