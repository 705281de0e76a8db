package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lumenshop/api/internal/platform/requestctx"
)

func TestParseTraceHeader(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		ok      bool
		spanID  string
		sampled bool
	}{
		{
			name:    "hex span id sampled",
			header:  "105445aa7843bc8bf206b120001000ff/1234567890abcdef;o=1",
			ok:      true,
			spanID:  "1234567890abcdef",
			sampled: true,
		},
		{
			name:   "short hex span id is left padded",
			header: "105445aa7843bc8bf206b120001000ff/abcd",
			ok:     true,
			spanID: "000000000000abcd",
		},
		{
			name:   "decimal span id",
			header: "105445aa7843bc8bf206b120001000ff/255;o=0",
			ok:     true,
			spanID: "00000000000000ff",
		},
		{name: "missing span id", header: "105445aa7843bc8bf206b120001000ff"},
		{name: "trace id too short", header: "105445aa/1;o=1"},
		{name: "zero span id", header: "105445aa7843bc8bf206b120001000ff/0"},
		{name: "empty header"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parsed, ok := parseTraceHeader(tc.header)
			if ok != tc.ok {
				t.Fatalf("expected ok=%v, got %v", tc.ok, ok)
			}
			if !tc.ok {
				return
			}
			if got := parsed.spanID.String(); got != tc.spanID {
				t.Fatalf("expected span id %s, got %s", tc.spanID, got)
			}
			if parsed.sampled != tc.sampled {
				t.Fatalf("expected sampled=%v, got %v", tc.sampled, parsed.sampled)
			}
			sc := parsed.spanContext()
			if !sc.IsRemote() || !sc.IsValid() {
				t.Fatalf("expected a valid remote span context, got %+v", sc)
			}
		})
	}
}

func TestFormatTraceHeader(t *testing.T) {
	info := requestctx.TraceInfo{
		TraceID: "105445aa7843bc8bf206b120001000ff",
		SpanID:  "1234567890abcdef",
		Sampled: true,
	}
	if got := formatTraceHeader(info); got != "105445aa7843bc8bf206b120001000ff/1234567890abcdef;o=1" {
		t.Fatalf("unexpected header %q", got)
	}

	info.Sampled = false
	if got := formatTraceHeader(info); got != "105445aa7843bc8bf206b120001000ff/1234567890abcdef;o=0" {
		t.Fatalf("unexpected header %q", got)
	}

	if got := formatTraceHeader(requestctx.TraceInfo{}); got != "" {
		t.Fatalf("expected empty header without trace metadata, got %q", got)
	}
}

func TestTraceMiddlewareContinuesIncomingTrace(t *testing.T) {
	var seen requestctx.TraceInfo
	handler := TraceMiddleware("demo-project")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if info, ok := requestctx.Trace(r.Context()); ok {
			seen = info
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/products", nil)
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b120001000ff/1234567890abcdef;o=1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if seen.TraceID != "105445aa7843bc8bf206b120001000ff" {
		t.Fatalf("expected trace id carried onto the context, got %q", seen.TraceID)
	}
	if seen.ProjectID != "demo-project" {
		t.Fatalf("expected project id on trace info, got %q", seen.ProjectID)
	}
	if got := rr.Header().Get(cloudTraceHeader); got != "105445aa7843bc8bf206b120001000ff/1234567890abcdef;o=1" {
		t.Fatalf("expected trace header echoed to the client, got %q", got)
	}
}
