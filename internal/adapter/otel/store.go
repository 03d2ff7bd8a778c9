package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/slotgrid/bookcore/internal/domain"
)

const tracerName = "github.com/slotgrid/bookcore/internal/adapter/otel"

// Backend is the combined storage surface the tracing decorator wraps.
type Backend interface {
	domain.RuleStore
	domain.BookingLedger
	domain.AnalyticsStore
}

// TracingStore wraps a storage backend with OpenTelemetry tracing. Each
// method creates a span with semantic attributes and records errors.
type TracingStore struct {
	next   Backend
	tracer trace.Tracer
}

// Compile-time check: TracingStore implements the wrapped ports.
var _ Backend = (*TracingStore)(nil)

// NewTracingStore creates a tracing decorator around the given backend.
func NewTracingStore(next Backend) *TracingStore {
	return &TracingStore{
		next:   next,
		tracer: otel.Tracer(tracerName),
	}
}

func (s *TracingStore) Get(ctx context.Context, tenantID string) (domain.RuleSet, error) {
	ctx, span := s.tracer.Start(ctx, "RuleStore.Get",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)),
	)
	defer span.End()

	rs, err := s.next.Get(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int64("ruleset.version", rs.Version))
	}
	return rs, err
}

func (s *TracingStore) UpdateField(ctx context.Context, tenantID, field string, value any) (domain.RuleSet, error) {
	ctx, span := s.tracer.Start(ctx, "RuleStore.UpdateField",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("rule.field", field),
		),
	)
	defer span.End()

	rs, err := s.next.UpdateField(ctx, tenantID, field, value)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int64("ruleset.version", rs.Version))
	}
	return rs, err
}

func (s *TracingStore) BookedIntervals(ctx context.Context, tenantID, resourceID string, date time.Time) ([]domain.BookedInterval, error) {
	ctx, span := s.tracer.Start(ctx, "BookingLedger.BookedIntervals",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("resource.id", resourceID),
			attribute.String("booking.date", date.Format("2006-01-02")),
		),
	)
	defer span.End()

	intervals, err := s.next.BookedIntervals(ctx, tenantID, resourceID, date)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("result.count", len(intervals)))
	}
	return intervals, err
}

func (s *TracingStore) Aggregate(ctx context.Context, tenantID, metric string, from, to time.Time) (domain.AnalyticsReport, error) {
	ctx, span := s.tracer.Start(ctx, "AnalyticsStore.Aggregate",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("analytics.metric", metric),
		),
	)
	defer span.End()

	report, err := s.next.Aggregate(ctx, tenantID, metric, from, to)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("result.count", len(report.Points)))
	}
	return report, err
}
