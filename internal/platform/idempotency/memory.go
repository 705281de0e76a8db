package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps entries in process memory. It backs local development and
// tests; deployed instances use the Firestore store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Begin claims the key, replaying or rejecting based on any existing entry.
func (s *MemoryStore) Begin(_ context.Context, key, digest string, now time.Time, ttl time.Duration) (Ticket, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := entryID(key)
	entry, ok := s.entries[id]
	if !ok || entryExpired(entry, now) {
		entry = newInFlightEntry(key, digest, now, ttl)
		s.entries[id] = entry
		return Ticket{Result: BeginFresh, Entry: entry}, nil
	}

	if entry.Digest != digest {
		return Ticket{}, ErrDigestMismatch
	}
	if entry.State == StateDone {
		return Ticket{Result: BeginReplay, Entry: entry}, nil
	}
	return Ticket{Result: BeginInFlight, Entry: entry}, nil
}

// Complete stores the response for later replays.
func (s *MemoryStore) Complete(_ context.Context, key, digest string, resp CapturedResponse, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := entryID(key)
	entry, ok := s.entries[id]
	if ok && entry.Digest != digest {
		return ErrDigestMismatch
	}
	if !ok {
		entry = Entry{Key: key, Digest: digest, FirstSeen: now}
	}
	if entry.FirstSeen.IsZero() {
		entry.FirstSeen = now
	}

	entry.State = StateDone
	entry.HTTPStatus = resp.Status
	entry.Header = storableHeader(resp.Header)
	entry.Body = nil
	if len(resp.Body) > 0 {
		entry.Body = append([]byte(nil), resp.Body...)
	}
	entry.LastWrite = now
	entry.ExpiresAt = now.Add(ttl)
	s.entries[id] = entry
	return nil
}

// Abandon drops the claim so a later attempt can retry.
func (s *MemoryStore) Abandon(_ context.Context, key, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, entryID(key))
	return nil
}

// DeleteExpired removes up to limit entries whose retention has lapsed.
func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.entries) {
		limit = len(s.entries)
	}

	removed := 0
	for id, entry := range s.entries {
		if !entryExpired(entry, now) {
			continue
		}
		delete(s.entries, id)
		if removed++; removed >= limit {
			break
		}
	}
	return removed, nil
}

func newInFlightEntry(key, digest string, now time.Time, ttl time.Duration) Entry {
	return Entry{
		Key:       key,
		Digest:    digest,
		State:     StateInFlight,
		FirstSeen: now,
		LastWrite: now,
		ExpiresAt: now.Add(ttl),
	}
}

func entryExpired(entry Entry, now time.Time) bool {
	return !entry.ExpiresAt.IsZero() && !now.Before(entry.ExpiresAt)
}
