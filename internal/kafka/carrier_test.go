package kafka

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestHeaderCarrier_SetReplaces(t *testing.T) {
	var c HeaderCarrier
	c.Set("traceparent", "a")
	c.Set("baggage", "b")
	c.Set("traceparent", "c")

	assert.Equal(t, "c", c.Get("traceparent"))
	assert.Equal(t, "b", c.Get("baggage"))
	assert.ElementsMatch(t, []string{"traceparent", "baggage"}, c.Keys())
	assert.Empty(t, c.Get("missing"))
}

func TestHeaderCarrier_RoundTripsTraceContext(t *testing.T) {
	prop := propagation.TraceContext{}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	var c HeaderCarrier
	prop.Inject(ctx, &c)
	got := trace.SpanContextFromContext(prop.Extract(context.Background(), &c))

	assert.Equal(t, sc.TraceID(), got.TraceID())
	assert.Equal(t, sc.SpanID(), got.SpanID())
}
