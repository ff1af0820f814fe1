package settlement

import (
	"sync"
	"time"
)

// DefaultGuardCooldown is how long a contract id stays guarded after its
// settlement attempt finishes.
const DefaultGuardCooldown = 2 * time.Second

// Guard is the in-process in-flight set. A contract id is acquired
// synchronously before any I/O on it, so overlapping scans in this
// process never work on the same contract. Cross-process exclusion is the
// ledger claim's job.
type Guard struct {
	mu       sync.Mutex
	inflight map[string]struct{}
	cooldown time.Duration
}

// NewGuard creates a guard releasing ids cooldown after Release is called.
func NewGuard(cooldown time.Duration) *Guard {
	return &Guard{
		inflight: make(map[string]struct{}),
		cooldown: cooldown,
	}
}

// TryAcquire adds id to the set. Returns false if it is already held.
func (g *Guard) TryAcquire(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, held := g.inflight[id]; held {
		return false
	}
	g.inflight[id] = struct{}{}
	return true
}

// Release removes id from the set once the cooldown has elapsed.
func (g *Guard) Release(id string) {
	if g.cooldown <= 0 {
		g.remove(id)
		return
	}
	time.AfterFunc(g.cooldown, func() { g.remove(id) })
}

func (g *Guard) remove(id string) {
	g.mu.Lock()
	delete(g.inflight, id)
	g.mu.Unlock()
}

// Held reports whether id is in the set.
func (g *Guard) Held(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, held := g.inflight[id]
	return held
}

// Len returns the number of guarded ids.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}
