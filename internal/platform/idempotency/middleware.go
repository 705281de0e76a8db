package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lumenshop/api/internal/platform/auth"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayMarker      = "X-Idempotent-Replay"
)

// Logger abstracts the logging dependency used inside the middleware.
type Logger interface {
	Printf(format string, args ...any)
}

// MiddlewareOption customises middleware behaviour.
type MiddlewareOption func(*guard)

// WithHeader overrides the header carrying the idempotency key.
func WithHeader(name string) MiddlewareOption {
	return func(g *guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.header = name
		}
	}
}

// WithTTL configures how long stored responses are retained.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(g *guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithMethods restricts which HTTP methods the middleware guards.
func WithMethods(methods ...string) MiddlewareOption {
	return func(g *guard) {
		if len(methods) == 0 {
			return
		}
		g.methods = make(map[string]struct{}, len(methods))
		for _, method := range methods {
			if method = strings.ToUpper(strings.TrimSpace(method)); method != "" {
				g.methods[method] = struct{}{}
			}
		}
	}
}

// WithLogger injects a logger for store failures.
func WithLogger(logger Logger) MiddlewareOption {
	return func(g *guard) {
		g.logger = logger
	}
}

// WithClock overrides the time source, primarily for testing.
func WithClock(clock func() time.Time) MiddlewareOption {
	return func(g *guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// guard holds the resolved middleware configuration.
type guard struct {
	store   Store
	header  string
	ttl     time.Duration
	methods map[string]struct{}
	clock   func() time.Time
	logger  Logger
}

func mutatingMethods() map[string]struct{} {
	return map[string]struct{}{
		http.MethodPost:   {},
		http.MethodPut:    {},
		http.MethodPatch:  {},
		http.MethodDelete: {},
	}
}

// Middleware enforces idempotency for mutating requests: the first request
// per key runs the handler and stores its response; retries replay it.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	g := &guard{
		store:   store,
		header:  defaultHeaderName,
		ttl:     DefaultTTL,
		methods: mutatingMethods(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.ttl <= 0 {
		g.ttl = DefaultTTL
	}
	if len(g.methods) == 0 {
		g.methods = mutatingMethods()
	}
	if g.clock == nil {
		g.clock = time.Now
	}

	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, guarded := g.methods[r.Method]; !guarded {
				next.ServeHTTP(w, r)
				return
			}
			g.serve(next, w, r)
		})
	}
}

func (g *guard) serve(next http.Handler, w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(g.header))
	if key == "" {
		writeGuardError(w, http.StatusBadRequest, "idempotency_key_required", "missing idempotency key header")
		return
	}

	body, err := bodySnapshot(r)
	if err != nil {
		writeGuardError(w, http.StatusInternalServerError, "idempotency_body_read_failed", "unable to read request body")
		return
	}

	caller := callerID(r.Context())
	digest := requestDigest(r, body, caller)
	// Keys are scoped per caller so one user cannot replay another's response.
	storeKey := key + "|" + caller
	now := g.clock().UTC()

	ticket, err := g.store.Begin(r.Context(), storeKey, digest, now, g.ttl)
	if err != nil {
		if errors.Is(err, ErrDigestMismatch) {
			writeGuardError(w, http.StatusConflict, "idempotency_key_conflict", "idempotency key already used for a different request")
			return
		}
		g.logf("idempotency: begin failed for key %s: %v", key, err)
		writeGuardError(w, http.StatusInternalServerError, "idempotency_store_error", "unable to process idempotency key")
		return
	}

	switch ticket.Result {
	case BeginReplay:
		writeReplay(w, ticket.Entry)
		return
	case BeginInFlight:
		writeGuardError(w, http.StatusConflict, "idempotency_in_flight", "another request is processing this idempotency key")
		return
	}

	buffer := newResponseBuffer()
	next.ServeHTTP(buffer, r)

	if err := g.store.Complete(r.Context(), storeKey, digest, buffer.captured(), g.clock().UTC(), g.ttl); err != nil {
		g.logf("idempotency: persist failed for key %s (caller %s): %v", key, caller, err)
		if abandonErr := g.store.Abandon(r.Context(), storeKey, digest); abandonErr != nil {
			g.logf("idempotency: abandon failed for key %s: %v", key, abandonErr)
		}
		writeGuardError(w, http.StatusInternalServerError, "idempotency_store_error", "unable to persist idempotency state")
		return
	}

	if err := buffer.flush(w); err != nil {
		g.logf("idempotency: flush failed for key %s: %v", key, err)
	}
}

func (g *guard) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}

// bodySnapshot drains the request body and puts an equivalent reader back so
// the handler still sees it.
func bodySnapshot(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if err := r.Body.Close(); err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// requestDigest binds a key to one specific request: same key with a changed
// method, target, body, or caller is a conflict, not a replay.
func requestDigest(r *http.Request, body []byte, caller string) string {
	parts := []string{
		strings.ToUpper(r.Method),
		r.URL.Path,
		r.URL.RawQuery,
		r.Host,
		r.Header.Get("Content-Type"),
		caller,
	}
	if len(body) > 0 {
		parts = append(parts, sha256Hex(body))
	}
	return sha256Hex([]byte(strings.Join(parts, "|")))
}

func callerID(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && identity.UID != "" {
		return identity.UID
	}
	return "anonymous"
}

func writeReplay(w http.ResponseWriter, entry Entry) {
	dst := w.Header()
	for name := range dst {
		dst.Del(name)
	}
	for name, values := range replayHeader(entry.Header) {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
	dst.Set(replayMarker, "true")

	status := entry.HTTPStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(entry.Body) > 0 {
		_, _ = w.Write(entry.Body)
	}
}

func writeGuardError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   code,
		"message": message,
	})
}

// responseBuffer holds the handler's response until the store accepts it.
// Nothing reaches the client for a fresh key unless persistence succeeded.
type responseBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: make(http.Header)}
}

func (b *responseBuffer) Header() http.Header {
	return b.header
}

func (b *responseBuffer) WriteHeader(status int) {
	if b.status == 0 && status > 0 {
		b.status = status
	}
}

func (b *responseBuffer) Write(data []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(data)
}

func (b *responseBuffer) statusOrOK() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *responseBuffer) captured() CapturedResponse {
	var body []byte
	if b.body.Len() > 0 {
		body = b.body.Bytes()
	}
	return CapturedResponse{
		Status: b.statusOrOK(),
		Header: b.header,
		Body:   body,
	}
}

func (b *responseBuffer) flush(dst http.ResponseWriter) error {
	header := dst.Header()
	for name := range header {
		header.Del(name)
	}
	for name, values := range b.header {
		for _, value := range values {
			header.Add(name, value)
		}
	}

	dst.WriteHeader(b.statusOrOK())
	if b.body.Len() == 0 {
		return nil
	}
	_, err := dst.Write(b.body.Bytes())
	return err
}
