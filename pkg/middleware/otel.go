package middleware

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelConfig configures the OpenTelemetry tracing middleware.
type OTelConfig struct {
	// TracerName is the instrumentation scope name (default: "wirecall").
	TracerName string

	// Filter decides whether a request is traced. Requests for which
	// it returns false pass through untouched. Default: trace all.
	Filter func(r *http.Request) bool

	// AttributeExtractor adds custom attributes to the span.
	AttributeExtractor func(r *http.Request) []attribute.KeyValue

	// CallNamer maps a request to the service and method for the span
	// name. Default: the last two path segments.
	CallNamer func(r *http.Request) (service, method string)
}

// OTelOption configures the OpenTelemetry tracing middleware.
type OTelOption func(*OTelConfig)

// WithTracerName sets the instrumentation scope name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) { c.TracerName = name }
}

// WithFilter sets the request filter.
func WithFilter(fn func(r *http.Request) bool) OTelOption {
	return func(c *OTelConfig) { c.Filter = fn }
}

// WithAttributeExtractor sets the custom attribute extractor.
func WithAttributeExtractor(fn func(r *http.Request) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) { c.AttributeExtractor = fn }
}

// WithSpanCallNamer sets the request-to-span-name mapping.
func WithSpanCallNamer(fn func(r *http.Request) (service, method string)) OTelOption {
	return func(c *OTelConfig) { c.CallNamer = fn }
}

func defaultOTelConfig() OTelConfig {
	return OTelConfig{
		TracerName: "wirecall",
		CallNamer:  callTarget,
	}
}

// OpenTelemetry creates middleware that opens a span for every call
// passing through it. The span is named "service/method", carries
// wirecall.service, wirecall.method and wirecall.transport attributes,
// and ends with an error status for 5xx and thrown (550) responses.
//
// The span context rides the request context, so method code reached
// through CallContext.Context sees the active span and can attach
// children to it.
//
// Socket upgrades get a span covering the upgrade handshake only; the
// connection afterwards lives outside the HTTP stack.
func OpenTelemetry(opts ...OTelOption) func(http.Handler) http.Handler {
	config := defaultOTelConfig()
	for _, opt := range opts {
		opt(&config)
	}
	tracer := otel.Tracer(config.TracerName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.Filter != nil && !config.Filter(r) {
				next.ServeHTTP(w, r)
				return
			}

			service, method := config.CallNamer(r)
			spanName := method
			if service != "" {
				spanName = service + "/" + method
			}

			attrs := []attribute.KeyValue{
				attribute.String("wirecall.service", service),
				attribute.String("wirecall.method", method),
				attribute.String("wirecall.transport", "http"),
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
			}
			if config.AttributeExtractor != nil {
				attrs = append(attrs, config.AttributeExtractor(r)...)
			}

			ctx, span := tracer.Start(r.Context(), spanName,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...))
			defer span.End()

			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r.WithContext(ctx))

			if sw.hijacked {
				span.SetAttributes(attribute.String("wirecall.transport", "socket"))
				span.SetStatus(codes.Ok, "")
				return
			}

			status := sw.status()
			span.SetAttributes(attribute.Int("http.status_code", status))
			switch {
			case status == 550:
				span.SetStatus(codes.Error, "thrown")
			case status >= 500:
				span.SetStatus(codes.Error, http.StatusText(status))
			default:
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}
