package tracing_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mhdhaikalll/IoT-Flood-System/pkg/tracing"
)

var _ = Describe("Tracing", func() {
	It("should be a no-op without an endpoint", func() {
		shutdown, err := tracing.Init(context.Background(), "", "flood", "test")
		Expect(err).NotTo(HaveOccurred())
		Expect(shutdown(context.Background())).To(Succeed())
	})

	It("should nest step spans under the ingest span and record errors", func() {
		recorder := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
		previous := otel.GetTracerProvider()
		otel.SetTracerProvider(tp)
		DeferCleanup(func() { otel.SetTracerProvider(previous) })

		ctx, root := tracing.StartIngestSpan(context.Background(), "N1", "http")
		_, step := tracing.StartStepSpan(ctx, "persist", "N1")
		tracing.EndSpan(step, errors.New("database unavailable"))
		tracing.EndSpan(root, nil)

		spans := recorder.Ended()
		Expect(spans).To(HaveLen(2))
		Expect(spans[0].Name()).To(Equal("flood.persist"))
		Expect(spans[0].Parent().SpanID()).To(Equal(spans[1].SpanContext().SpanID()))
		Expect(spans[0].Events()).NotTo(BeEmpty())
		Expect(spans[1].Name()).To(Equal("flood.ingest"))
	})
})
