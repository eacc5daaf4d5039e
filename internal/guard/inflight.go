package guard

import (
	"context"
	"sync"

	"github.com/riskwatch/platform/internal/domain"
)

// InFlightGuard admits one holder per key at a time. Used to stop two
// concurrent answers to the same second-factor challenge from both succeeding.
type InFlightGuard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewInFlightGuard creates an empty guard.
func NewInFlightGuard() *InFlightGuard {
	return &InFlightGuard{active: make(map[string]struct{})}
}

// Acquire claims key. The caller must Release it when done.
func (g *InFlightGuard) Acquire(_ context.Context, key string) domain.GuardResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.active[key]; busy {
		return domain.GuardResult{
			Allowed: false,
			Reason:  "request already in progress",
			Guard:   "in_flight",
		}
	}
	g.active[key] = struct{}{}
	return domain.GuardResult{Allowed: true}
}

// Release frees key.
func (g *InFlightGuard) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, key)
}
