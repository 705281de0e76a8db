// Package idempotency replays the stored response when a client retries a
// mutating request with the same Idempotency-Key. A key is claimed before the
// handler runs; the first request to finish owns the stored response, and
// every later attempt with the same key and request digest gets that response
// back instead of re-executing the handler.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL is how long stored responses are retained by default.
const DefaultTTL = 24 * time.Hour

// State tracks where an entry is in its lifecycle.
type State string

const (
	// StateInFlight means the key is claimed but no response is stored yet.
	StateInFlight State = "in_flight"
	// StateDone means the response is stored and can be replayed.
	StateDone State = "done"
)

// BeginResult describes what a Begin call found for the key.
type BeginResult int

const (
	// BeginFresh: the key was unclaimed; the caller should run the handler.
	BeginFresh BeginResult = iota
	// BeginReplay: a stored response exists and should be replayed.
	BeginReplay
	// BeginInFlight: another request currently holds the key.
	BeginInFlight
)

// Ticket is the outcome of claiming a key, carrying the stored entry when one
// exists.
type Ticket struct {
	Result BeginResult
	Entry  Entry
}

// Entry is the persisted record for one idempotency key.
type Entry struct {
	Key        string
	Digest     string
	State      State
	HTTPStatus int
	Header     map[string][]string
	Body       []byte
	FirstSeen  time.Time
	LastWrite  time.Time
	ExpiresAt  time.Time
}

// CapturedResponse is the handler output queued for storage.
type CapturedResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// Store persists idempotency entries. Implementations must treat
// Begin/Complete for the same key as atomic with respect to each other.
type Store interface {
	Begin(ctx context.Context, key, digest string, now time.Time, ttl time.Duration) (Ticket, error)
	Complete(ctx context.Context, key, digest string, resp CapturedResponse, now time.Time, ttl time.Duration) error
	Abandon(ctx context.Context, key, digest string) error
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrDigestMismatch is returned when a key is reused for a request whose
// digest differs from the one that claimed it.
var ErrDigestMismatch = errors.New("idempotency: key already used for a different request")

// entryID derives the document identifier from the key so raw header values
// never appear in store paths.
func entryID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// storableHeader copies the response headers worth replaying, dropping
// per-message and hop-by-hop headers that the server recomputes on delivery.
func storableHeader(header http.Header) map[string][]string {
	if len(header) == 0 {
		return nil
	}
	kept := make(map[string][]string, len(header))
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if isPerMessageHeader(canonical) {
			continue
		}
		kept[canonical] = append([]string(nil), values...)
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

func isPerMessageHeader(name string) bool {
	switch strings.ToLower(name) {
	case "content-length", "date", "connection", "keep-alive", "proxy-authenticate", "proxy-authorization", "te", "trailers", "transfer-encoding", "upgrade":
		return true
	}
	return false
}

func replayHeader(values map[string][]string) http.Header {
	header := make(http.Header, len(values))
	for name, vals := range values {
		header[name] = append([]string(nil), vals...)
	}
	return header
}
