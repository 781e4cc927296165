// Package ratelimit bounds how fast a single agent session may propose
// calls. Limiting happens at the gateway boundary, before validation,
// so a runaway session cannot flood the pipeline or the audit trail.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Policy is a per-session token bucket configuration.
type Policy struct {
	// PerMinute is the sustained proposal rate.
	PerMinute int
	// Burst is the bucket capacity.
	Burst int
}

// Store abstracts the bucket storage so a single-node deployment can
// run in memory while a multi-node one shares state through Redis.
type Store interface {
	// Allow reports whether the session may spend cost tokens now.
	Allow(ctx context.Context, sessionID string, policy Policy, cost int) (bool, error)
}

// ErrLimited is wrapped into the error returned by Check.
var ErrLimited = fmt.Errorf("session rate limit exceeded")

// Check is the fail-closed entry point: a missing store is a
// configuration error, not an open gate.
func Check(ctx context.Context, store Store, sessionID string, policy Policy) error {
	if store == nil {
		return fmt.Errorf("ratelimit: no store configured")
	}
	allowed, err := store.Allow(ctx, sessionID, policy, 1)
	if err != nil {
		return fmt.Errorf("ratelimit check failed: %w", err)
	}
	if !allowed {
		return fmt.Errorf("%w: session %s", ErrLimited, sessionID)
	}
	return nil
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newBucket(ratePerSec float64, capacity int) *bucket {
	return &bucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: ratePerSec,
		lastRefill: time.Now(),
	}
}

func (b *bucket) allow(cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()

	b.tokens = b.tokens + elapsed*b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now

	if b.tokens >= float64(cost) {
		b.tokens -= float64(cost)
		return true
	}
	return false
}

// MemoryStore keeps one bucket per session in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket)}
}

func (s *MemoryStore) Allow(_ context.Context, sessionID string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[sessionID]
	if !ok {
		rate := float64(policy.PerMinute) / 60.0
		if rate <= 0 {
			rate = 1
		}
		b = newBucket(rate, policy.Burst)
		s.buckets[sessionID] = b
	}
	return b.allow(cost), nil
}
