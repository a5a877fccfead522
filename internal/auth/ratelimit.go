package auth

import (
	"sync"
	"time"
)

// RateLimitStore is the pluggable backing store for the sliding-window
// rate limiter. Implementations must be safe for concurrent use.
type RateLimitStore interface {
	// Allow records a request for clientID when fewer than limit requests
	// were admitted inside the trailing window, and reports the decision.
	// Rejected requests are not recorded, so a client recovers as soon as
	// admitted requests age out of the window.
	Allow(clientID string, limit int, window time.Duration) bool
	// Reset forgets a client's history.
	Reset(clientID string)
}

// MemoryRateLimitStore keeps per-client request timestamps in memory.
type MemoryRateLimitStore struct {
	mu      sync.Mutex
	clients map[string][]time.Time
	now     func() time.Time
}

// NewMemoryRateLimitStore constructs the default in-memory store. A nil
// clock means time.Now.
func NewMemoryRateLimitStore(now func() time.Time) *MemoryRateLimitStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryRateLimitStore{
		clients: make(map[string][]time.Time),
		now:     now,
	}
}

// Allow implements RateLimitStore.
func (s *MemoryRateLimitStore) Allow(clientID string, limit int, window time.Duration) bool {
	now := s.now()
	cutoff := now.Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.clients[clientID]
	kept := history[:0]
	for _, t := range history {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit {
		s.clients[clientID] = kept
		return false
	}

	s.clients[clientID] = append(kept, now)
	return true
}

// Reset implements RateLimitStore.
func (s *MemoryRateLimitStore) Reset(clientID string) {
	s.mu.Lock()
	delete(s.clients, clientID)
	s.mu.Unlock()
}

// Limiter applies a fixed limit/window policy over a RateLimitStore.
type Limiter struct {
	store  RateLimitStore
	limit  int
	window time.Duration
}

// NewLimiter constructs a limiter.
func NewLimiter(store RateLimitStore, limit int, window time.Duration) *Limiter {
	return &Limiter{store: store, limit: limit, window: window}
}

// Allow admits or rejects one request for the client.
func (l *Limiter) Allow(clientID string) bool {
	return l.store.Allow(clientID, l.limit, l.window)
}

// Limit reports the per-window request budget.
func (l *Limiter) Limit() int { return l.limit }

// Window reports the sliding-window width.
func (l *Limiter) Window() time.Duration { return l.window }
