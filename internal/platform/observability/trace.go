package observability

import (
	"encoding/binary"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lumenshop/api/internal/platform/requestctx"
)

// Cloud Run fronts the API and stamps every request with this header; log
// correlation in Cloud Logging keys off the same value.
const cloudTraceHeader = "X-Cloud-Trace-Context"

var tracer = otel.Tracer("github.com/lumenshop/api/internal/platform/observability")

// TraceMiddleware continues the trace from the incoming Cloud Trace header,
// opens a server span per request, and stores the trace metadata on the
// request context so logs can link back to the span. The outgoing response
// echoes the header for clients that correlate on their side.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if parent, ok := parseTraceHeader(r.Header.Get(cloudTraceHeader)); ok {
				ctx = trace.ContextWithRemoteSpanContext(ctx, parent.spanContext())
			}

			ctx, span := tracer.Start(ctx, requestSpanName(r),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(requestAttributes(r)...),
			)
			defer span.End()

			sc := span.SpanContext()
			info := requestctx.TraceInfo{
				TraceID:   sc.TraceID().String(),
				SpanID:    sc.SpanID().String(),
				Sampled:   sc.IsSampled(),
				ProjectID: projectID,
			}
			r = r.WithContext(requestctx.WithTrace(ctx, info))

			if echoed := formatTraceHeader(info); echoed != "" {
				w.Header().Set(cloudTraceHeader, echoed)
			}

			next.ServeHTTP(w, r)
		})
	}
}

// traceHeader holds the pieces of a parsed X-Cloud-Trace-Context value:
// TRACE_ID/SPAN_ID;o=OPTIONS.
type traceHeader struct {
	traceID trace.TraceID
	spanID  trace.SpanID
	sampled bool
}

func (h traceHeader) spanContext() trace.SpanContext {
	flags := trace.TraceFlags(0)
	if h.sampled {
		flags = trace.FlagsSampled
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    h.traceID,
		SpanID:     h.spanID,
		TraceFlags: flags,
		Remote:     true,
	})
}

func parseTraceHeader(value string) (traceHeader, bool) {
	value = strings.TrimSpace(value)
	tracePart, rest, found := strings.Cut(value, "/")
	if !found {
		return traceHeader{}, false
	}

	tracePart = strings.TrimSpace(tracePart)
	if len(tracePart) != 32 {
		return traceHeader{}, false
	}
	traceID, err := trace.TraceIDFromHex(tracePart)
	if err != nil {
		return traceHeader{}, false
	}

	spanPart, options, _ := strings.Cut(rest, ";")
	spanID, ok := parseSpanID(strings.TrimSpace(spanPart))
	if !ok {
		return traceHeader{}, false
	}

	return traceHeader{
		traceID: traceID,
		spanID:  spanID,
		sampled: traceOptionsSampled(options),
	}, true
}

// parseSpanID accepts the hex form emitted by most tracing clients and the
// decimal form Cloud Run's load balancer uses.
func parseSpanID(value string) (trace.SpanID, bool) {
	if value == "" {
		return trace.SpanID{}, false
	}

	if len(value) <= 16 {
		if _, err := hex.DecodeString(value); err == nil {
			padded := strings.Repeat("0", 16-len(value)) + value
			if spanID, err := trace.SpanIDFromHex(padded); err == nil {
				return spanID, true
			}
		}
	}

	if num, err := strconv.ParseUint(value, 10, 64); err == nil {
		var spanID trace.SpanID
		binary.BigEndian.PutUint64(spanID[:], num)
		return spanID, spanID.IsValid()
	}

	return trace.SpanID{}, false
}

func traceOptionsSampled(options string) bool {
	for _, segment := range strings.Split(options, ";") {
		if strings.TrimSpace(segment) == "o=1" {
			return true
		}
	}
	return false
}

func formatTraceHeader(info requestctx.TraceInfo) string {
	if info.TraceID == "" || info.SpanID == "" {
		return ""
	}
	option := "o=0"
	if info.Sampled {
		option = "o=1"
	}
	return info.TraceID + "/" + info.SpanID + ";" + option
}

func requestSpanName(r *http.Request) string {
	if r == nil {
		return "unknown"
	}
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	return r.Method + " " + path
}

func requestAttributes(r *http.Request) []attribute.KeyValue {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.request.method", r.Method),
		attribute.String("url.scheme", scheme),
	}
	if r.URL != nil {
		if path := r.URL.Path; path != "" {
			attrs = append(attrs, attribute.String("url.path", path))
		}
		if target := r.URL.RequestURI(); target != "" {
			attrs = append(attrs, attribute.String("url.full", target))
		}
	}
	if host := r.Host; host != "" {
		attrs = append(attrs, attribute.String("server.address", host))
	}
	if ua := r.UserAgent(); ua != "" {
		attrs = append(attrs, attribute.String("user_agent.original", ua))
	}
	return attrs
}
