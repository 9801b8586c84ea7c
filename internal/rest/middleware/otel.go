package middleware

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pbinitiative/zenworkflow/internal/appcontext"
	"github.com/pbinitiative/zenworkflow/internal/config"
	otelint "github.com/pbinitiative/zenworkflow/internal/otel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconvV4 "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// countingBody tracks the bytes read from a request body and the last read error.
type countingBody struct {
	io.ReadCloser
	read int64
	err  error
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.read += int64(n)
	b.err = err
	return n, err
}

// Opentelemetry returns middleware that traces and meters every request. The
// span is named after the chi route pattern and carries the tenant resolved by
// Identity, so Identity must run first.
func Opentelemetry(conf config.Config) func(next http.Handler) http.Handler {
	tracer := otel.GetTracerProvider().Tracer("http-request-middleware")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			propagator := otel.GetTextMapPropagator()
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx = transferHeadersCtx(ctx, r, conf.Tracing.TransferHeaders)
			ctx, span := tracer.Start(ctx, "request",
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(semconvV4.NetAttributesFromHTTPRequest("tcp", r)...),
				trace.WithAttributes(semconvV4.EndUserAttributesFromHTTPRequest(r)...),
				trace.WithAttributes(transferHeaderAttributes(r, conf.Tracing.TransferHeaders)...),
			)
			defer span.End()
			propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			var body *countingBody
			if r.Body != nil && r.Body != http.NoBody {
				body = &countingBody{ReadCloser: r.Body}
				r.Body = body
			}
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			startTime := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			routePattern := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				routePattern = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			span.SetName(r.Method + " " + routePattern)
			span.SetAttributes(otelint.RouteKey.String(routePattern))
			span.SetAttributes(semconvV4.HTTPServerAttributesFromHTTPRequest(conf.Tracing.Name, routePattern, r)...)
			if tenantId, ok := appcontext.TenantFromContext(r.Context()); ok {
				span.SetAttributes(otelint.TenantIdKey.String(tenantId))
			}
			if userId, ok := appcontext.UserFromContext(r.Context()); ok {
				span.SetAttributes(otelint.UserIdKey.String(userId))
			}
			recordSpanResult(span, body, int64(ww.BytesWritten()), status)
			recordRequestMetrics(r, routePattern, status, int64(ww.BytesWritten()), startTime)
		})
	}
}

func recordSpanResult(span trace.Span, body *countingBody, wrote int64, status int) {
	if body != nil && body.read > 0 {
		span.SetAttributes(otelint.ReadBytesKey.Int64(body.read))
	}
	if body != nil && body.err != nil && body.err != io.EOF {
		span.SetAttributes(otelint.ReadErrorKey.String(body.err.Error()))
	}
	if wrote > 0 {
		span.SetAttributes(otelint.WroteBytesKey.Int64(wrote))
	}
	span.SetAttributes(semconvV4.HTTPAttributesFromHTTPStatusCode(status)...)
	span.SetStatus(semconvV4.SpanStatusFromHTTPStatusCode(status))
}

func recordRequestMetrics(r *http.Request, routePattern string, status int, wrote int64, startTime time.Time) {
	// instruments exist only once otel was set up
	if otelint.RequestTotal == nil {
		return
	}
	tags := []attribute.KeyValue{
		attribute.String("path", routePattern),
		attribute.String("method", r.Method),
		attribute.Int("status", status),
	}
	if tenantId, ok := appcontext.TenantFromContext(r.Context()); ok {
		tags = append(tags, attribute.String("tenant", tenantId))
	}
	ctx := r.Context()
	otelint.RequestTotal.Add(ctx, 1)
	otelint.RequestUriTotal.Add(ctx, 1, metric.WithAttributes(tags...))
	if r.ContentLength >= 0 {
		otelint.RequestBodySize.Add(ctx, float64(r.ContentLength), metric.WithAttributes(tags...))
	}
	if wrote > 0 {
		otelint.ResponseBodySize.Add(ctx, float64(wrote), metric.WithAttributes(tags...))
	}
	otelint.RequestDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), metric.WithAttributes(tags...))
}

// transferHeadersCtx stores the configured headers on the context so outgoing
// calls made while serving the request can forward them.
func transferHeadersCtx(ctx context.Context, r *http.Request, headers []string) context.Context {
	for _, header := range headers {
		if value := r.Header.Get(header); value != "" {
			ctx = context.WithValue(ctx, otelint.TransferHeaderKey(header), value)
		}
	}
	return ctx
}

func transferHeaderAttributes(r *http.Request, headers []string) []attribute.KeyValue {
	attributes := make([]attribute.KeyValue, 0, len(headers))
	for _, header := range headers {
		if value := r.Header.Get(header); value != "" {
			attributes = append(attributes, attribute.String(header, value))
		}
	}
	return attributes
}
