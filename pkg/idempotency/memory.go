package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryGuard is an in-process Guard backed by a TTL map. Entries expire
// lazily on access and in bulk whenever the map is touched after the sweep
// interval, so no background goroutine is needed. Not durable across
// restarts and not shared between instances; use the Redis backend for
// multi-instance deployments.
type MemoryGuard struct {
	mu        sync.Mutex
	seen      map[string]time.Time // event ID -> first-seen
	ttl       time.Duration
	lastSweep time.Time
}

// NewMemoryGuard creates a guard with the given dedupe window.
// A non-positive ttl falls back to DefaultTTL.
func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryGuard{
		seen:      make(map[string]time.Time),
		ttl:       ttl,
		lastSweep: time.Now(),
	}
}

func (g *MemoryGuard) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, ErrInvalidEventID
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.sweep()

	firstSeen, ok := g.seen[eventID]
	if !ok {
		return false, nil
	}
	if time.Since(firstSeen) > g.ttl {
		delete(g.seen, eventID)
		return false, nil
	}
	return true, nil
}

func (g *MemoryGuard) MarkProcessing(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, ErrInvalidEventID
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.sweep()

	if firstSeen, ok := g.seen[eventID]; ok && time.Since(firstSeen) <= g.ttl {
		return false, nil
	}
	g.seen[eventID] = time.Now()
	return true, nil
}

func (g *MemoryGuard) Release(ctx context.Context, eventID string) error {
	if eventID == "" {
		return ErrInvalidEventID
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, eventID)
	return nil
}

// Len returns the number of tracked entries, expired ones included.
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// sweep drops expired entries. Called with the lock held; throttled to at
// most once per TTL so the common path stays O(1).
func (g *MemoryGuard) sweep() {
	now := time.Now()
	if now.Sub(g.lastSweep) < g.ttl {
		return
	}
	g.lastSweep = now
	for id, firstSeen := range g.seen {
		if now.Sub(firstSeen) > g.ttl {
			delete(g.seen, id)
		}
	}
}
