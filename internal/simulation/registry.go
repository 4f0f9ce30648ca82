package simulation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"coinsim/internal/domain"
)

// Registry is the authoritative set of active simulations, one per instrument.
// It guards membership only; simulation state belongs to each runner goroutine.
// The lock is never held across store or network I/O.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]*runner
	claims  map[string]chan struct{} // ids with an UnlessActive write in flight
	nextGen uint64
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		runners: make(map[string]*runner),
		claims:  make(map[string]chan struct{}),
	}
}

// insert registers the runner built for id, assigning it a fresh generation.
// Returns ErrConflict if id already has a simulation, stopping ones included.
// Waits for an in-flight UnlessActive write on id to finish first.
func (r *Registry) insert(ctx context.Context, id string, build func(gen uint64) *runner) (*runner, error) {
	r.mu.Lock()
	for {
		if _, exists := r.runners[id]; exists {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: simulation already active for %s", domain.ErrConflict, id)
		}
		claim, busy := r.claims[id]
		if !busy {
			break
		}
		r.mu.Unlock()
		select {
		case <-claim:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		r.mu.Lock()
	}

	r.nextGen++
	rn := build(r.nextGen)
	r.runners[id] = rn
	r.mu.Unlock()
	return rn, nil
}

func (r *Registry) get(id string) (*runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.runners[id]
	return rn, ok
}

// beginStop marks id's runner as stopping and returns it.
// A stopping runner stays registered, so no other writer can claim id,
// but its own ticks no longer pass holds.
func (r *Registry) beginStop(id string) (*runner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runners[id]
	if !ok || rn.stopping {
		return nil, false
	}
	rn.stopping = true
	return rn, true
}

// removeIf takes id out only if it still belongs to generation gen
func (r *Registry) removeIf(id string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runners[id]
	if !ok || rn.generation != gen {
		return false
	}
	delete(r.runners, id)
	return true
}

// retire removes a naturally completed runner unless a Stop owns its removal
func (r *Registry) retire(id string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runners[id]
	if !ok || rn.generation != gen || rn.stopping {
		return false
	}
	delete(r.runners, id)
	return true
}

// holds reports whether id is still registered with generation gen and not stopping
func (r *Registry) holds(id string, gen uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.runners[id]
	return ok && rn.generation == gen && !rn.stopping
}

// drain empties the registry and returns every runner
func (r *Registry) drain() []*runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*runner, 0, len(r.runners))
	for id, rn := range r.runners {
		out = append(out, rn)
		delete(r.runners, id)
	}
	return out
}

// Active reports whether id has an active simulation
func (r *Registry) Active(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.runners[id]
	return ok
}

// UnlessActive runs fn only if id has no simulation and no other claim.
// id is claimed while fn runs: a Start for id waits, so fn is the sole price writer.
func (r *Registry) UnlessActive(id string, fn func() error) (bool, error) {
	r.mu.Lock()
	if _, ok := r.runners[id]; ok {
		r.mu.Unlock()
		return false, nil
	}
	if _, ok := r.claims[id]; ok {
		r.mu.Unlock()
		return false, nil
	}
	done := make(chan struct{})
	r.claims[id] = done
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.claims, id)
		r.mu.Unlock()
		close(done)
	}()
	return true, fn()
}

// Snapshot returns a copy of id's simulation state
func (r *Registry) Snapshot(id string) (domain.SimulationSnapshot, bool) {
	rn, ok := r.get(id)
	if !ok {
		return domain.SimulationSnapshot{}, false
	}
	return rn.snapshot(), true
}

// Snapshots returns copies of all active simulations sorted by instrument id
func (r *Registry) Snapshots() []domain.SimulationSnapshot {
	r.mu.RLock()
	result := make([]domain.SimulationSnapshot, 0, len(r.runners))
	for _, rn := range r.runners {
		result = append(result, rn.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].InstrumentID < result[j].InstrumentID
	})
	return result
}

// Len returns the number of active simulations
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runners)
}
