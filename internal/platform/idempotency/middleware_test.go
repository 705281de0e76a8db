package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var fixedTime = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedTime }

func postOrders(t *testing.T, key, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return req
}

func TestMiddlewareRequiresKeyHeader(t *testing.T) {
	middleware := Middleware(NewMemoryStore(), WithClock(fixedClock))

	handlerCalled := false
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		handlerCalled = true
	})

	rr := httptest.NewRecorder()
	middleware(next).ServeHTTP(rr, postOrders(t, "", `{"foo":"bar"}`))

	if handlerCalled {
		t.Fatal("handler should not run without the key header")
	}
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_key_required")
}

func TestMiddlewareSkipsUnguardedMethods(t *testing.T) {
	middleware := Middleware(NewMemoryStore(), WithClock(fixedClock))

	handlerCalled := false
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		handlerCalled = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if !handlerCalled {
		t.Fatal("GET requests should bypass the guard")
	}
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestMiddlewareReplaysStoredResponse(t *testing.T) {
	var calls int
	middleware := Middleware(NewMemoryStore(), WithClock(fixedClock))

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, postOrders(t, "abc-123", `{"foo":"bar"}`))
	if calls != 1 {
		t.Fatalf("expected handler to be called once, got %d", calls)
	}
	if rr1.Code != http.StatusCreated {
		t.Fatalf("unexpected first response status: %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, postOrders(t, "abc-123", `{"foo":"bar"}`))

	if calls != 1 {
		t.Fatalf("expected handler not to run again, got %d calls", calls)
	}
	if rr2.Code != http.StatusCreated {
		t.Fatalf("expected replayed status 201, got %d", rr2.Code)
	}
	if rr2.Header().Get(replayMarker) != "true" {
		t.Fatalf("expected replay marker header")
	}
	if got := rr2.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected content-type json, got %s", got)
	}
	if rr2.Body.String() != rr1.Body.String() {
		t.Fatalf("expected body %s, got %s", rr1.Body.String(), rr2.Body.String())
	}
}

func TestMiddlewareRejectsKeyReuseWithDifferentBody(t *testing.T) {
	middleware := Middleware(NewMemoryStore(), WithClock(fixedClock))

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, postOrders(t, "same-key", `{"foo":"bar"}`))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first request success, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, postOrders(t, "same-key", `{"foo":"baz"}`))

	if rr2.Code != http.StatusConflict {
		t.Fatalf("expected conflict status, got %d", rr2.Code)
	}
	assertErrorCode(t, rr2.Body.Bytes(), "idempotency_key_conflict")
}

func TestMiddlewareRejectsInFlightKey(t *testing.T) {
	store := NewMemoryStore()
	middleware := Middleware(store, WithClock(fixedClock))
	handler := middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run while the key is claimed")
	}))

	req := postOrders(t, "pending-key", `{"foo":"bar"}`)
	body, err := bodySnapshot(req)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	caller := callerID(req.Context())
	digest := requestDigest(req, body, caller)
	if _, err := store.Begin(req.Context(), "pending-key|"+caller, digest, fixedTime, time.Hour); err != nil {
		t.Fatalf("failed to seed claim: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 while the key is in flight, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_in_flight")
}

func TestMiddlewarePersistFailureAbandonsClaim(t *testing.T) {
	store := &stubStore{failComplete: true}
	middleware := Middleware(store, WithClock(fixedClock))

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	})

	rr := httptest.NewRecorder()
	middleware(next).ServeHTTP(rr, postOrders(t, "fail-key", `{"foo":"bar"}`))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 response, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_store_error")
	if !store.abandoned {
		t.Fatalf("expected the claim to be abandoned after the persist failure")
	}
}

func TestMemoryStoreExpiredEntryIsReclaimable(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Begin(ctx, "key", "digest-a", fixedTime, time.Minute); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}

	// After the TTL even a different digest may take over the key.
	later := fixedTime.Add(2 * time.Minute)
	ticket, err := store.Begin(ctx, "key", "digest-b", later, time.Minute)
	if err != nil {
		t.Fatalf("expected expired entry to be reclaimable, got %v", err)
	}
	if ticket.Result != BeginFresh {
		t.Fatalf("expected a fresh claim, got %v", ticket.Result)
	}
}

type stubStore struct {
	failComplete bool
	abandoned    bool
}

func (s *stubStore) Begin(context.Context, string, string, time.Time, time.Duration) (Ticket, error) {
	return Ticket{Result: BeginFresh}, nil
}

func (s *stubStore) Complete(context.Context, string, string, CapturedResponse, time.Time, time.Duration) error {
	if s.failComplete {
		return errors.New("complete failed")
	}
	return nil
}

func (s *stubStore) Abandon(context.Context, string, string) error {
	s.abandoned = true
	return nil
}

func (s *stubStore) DeleteExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func assertErrorCode(t *testing.T, payload []byte, expected string) {
	t.Helper()

	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if body.Error != expected {
		t.Fatalf("expected error code %s, got %s", expected, body.Error)
	}
}
