package testserve

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/albertbausili/testserve"

// startDispatchSpan opens a span around handler dispatch, continuing any
// trace the client propagated in its headers.
func startDispatchSpan(ctx context.Context, req *Request) (context.Context, trace.Span) {
	propagator := otel.GetTextMapPropagator()
	ctx = propagator.Extract(ctx, requestHeaderCarrier{req.Headers})

	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, req.Method+" "+req.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.target", req.RequestPath),
			attribute.String("http.flavor", req.Protocol),
		),
	)
}

func noopSpan() trace.Span {
	return trace.SpanFromContext(context.Background())
}

func endDispatchSpan(span trace.Span, status int) {
	span.SetAttributes(attribute.Int("http.status_code", status))
	if status >= 500 {
		span.SetStatus(codes.Error, "")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// requestHeaderCarrier adapts RequestHeaders to the propagation carrier
// interface. Injection is unused on the server side.
type requestHeaderCarrier struct {
	h *RequestHeaders
}

var _ propagation.TextMapCarrier = requestHeaderCarrier{}

func (c requestHeaderCarrier) Get(key string) string {
	return c.h.Get(key)
}

func (c requestHeaderCarrier) Set(key, value string) {}

func (c requestHeaderCarrier) Keys() []string {
	items := c.h.Items()
	keys := make([]string, 0, len(items))
	for _, p := range items {
		keys = append(keys, p[0])
	}
	return keys
}
