package conversation

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"Bitvault/internal/logger"
)

// Registry routes contributor events to in-flight operations by correlation id.
// Operations leave the registry as soon as they are decided, so late replies find nothing.
type Registry struct {
	mu     sync.RWMutex        // mu protects active
	active map[string]*Tracker // active maps correlation id to tracker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*Tracker)}
}

// Open creates and registers a tracker for op. An empty op.ID gets a fresh UUID.
func (r *Registry) Open(op Operation) (*Tracker, error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}

	t, err := NewTracker(op)
	if err != nil {
		return nil, err
	}

	id := t.op.ID
	t.onDecided = func(Outcome) { r.remove(id) }

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.active[id]; dup {
		return nil, fmt.Errorf("%w: correlation id %q already in flight", ErrInvalidOperation, id)
	}

	r.active[id] = t

	return t, nil
}

// Deliver hands an event to the operation with the given correlation id.
// Events for unknown or already decided operations are dropped.
func (r *Registry) Deliver(correlationID string, ev Event) bool {
	r.mu.RLock()
	t, ok := r.active[correlationID]
	r.mu.RUnlock()

	if !ok {
		logger.Debug("late or unknown reply discarded", "op", correlationID, "pillar", ev.Contributor, "status", ev.Status)
		return false
	}

	return t.Record(ev)
}

// Lookup returns the in-flight tracker for a correlation id.
func (r *Registry) Lookup(correlationID string) (*Tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.active[correlationID]

	return t, ok
}

// Len returns the number of in-flight operations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.active)
}

// remove forgets a decided operation.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}
