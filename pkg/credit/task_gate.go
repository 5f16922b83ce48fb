package credit

import "sync"

// TaskGate is a per-user, single-slot, non-blocking lock. A Runner keeps one
// gate for synchronous generations and another for asynchronous jobs so the
// two kinds never block each other.
type TaskGate struct {
	mu      sync.Mutex
	running map[string]struct{}
}

// NewTaskGate creates an empty gate.
func NewTaskGate() *TaskGate {
	return &TaskGate{running: make(map[string]struct{})}
}

// StartTask claims the slot for userID. It returns false immediately if the
// slot is already held; there is no queueing.
func (g *TaskGate) StartTask(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.running[userID]; busy {
		return false
	}
	g.running[userID] = struct{}{}
	return true
}

// EndTask releases the slot for userID. Releasing a free slot is a no-op.
func (g *TaskGate) EndTask(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, userID)
}

// Running reports whether userID currently holds the slot.
func (g *TaskGate) Running(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.running[userID]
	return busy
}
