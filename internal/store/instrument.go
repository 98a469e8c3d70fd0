package store

import (
	"context"
	"time"

	"github.com/mhdhaikalll/IoT-Flood-System/pkg/metrics"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/tracing"
)

type instrumented struct {
	next    Store
	backend string
	metrics *metrics.PipelineMetrics
}

// Instrument wraps s with metrics and client spans labelled with backend.
// A nil m still records spans.
func Instrument(s Store, backend string, m *metrics.PipelineMetrics) Store {
	return &instrumented{next: s, backend: backend, metrics: m}
}

func (s *instrumented) Append(ctx context.Context, r telemetry.SensorReading) (id string, err error) {
	defer s.observe(ctx, "append", time.Now())(&err)
	return s.next.Append(ctx, r)
}

func (s *instrumented) Query(ctx context.Context, q Query) (recs []Record, err error) {
	defer s.observe(ctx, "query", time.Now())(&err)
	return s.next.Query(ctx, q)
}

func (s *instrumented) Latest(ctx context.Context) (recs []Record, err error) {
	defer s.observe(ctx, "latest", time.Now())(&err)
	return s.next.Latest(ctx)
}

func (s *instrumented) Close() error {
	return s.next.Close()
}

func (s *instrumented) observe(ctx context.Context, op string, start time.Time) func(*error) {
	_, span := tracing.StartClientSpan(ctx, "flood.store."+op, s.backend)
	return func(errp *error) {
		tracing.EndSpan(span, *errp)
		if s.metrics == nil {
			return
		}
		status := "success"
		if *errp != nil {
			status = "error"
		}
		s.metrics.StoreOperations.WithLabelValues(s.backend, op, status).Inc()
		s.metrics.StoreDuration.WithLabelValues(s.backend, op).Observe(time.Since(start).Seconds())
	}
}
