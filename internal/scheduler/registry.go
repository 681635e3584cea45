package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"postpilot/internal/automation"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

// registry is the in-memory source of truth for automations.
//
// Every mutation mirrors the full map to the store before the mutating call
// returns. A persistence failure is logged and the in-memory state stays
// authoritative; the next successful mirror self-corrects the file.
type registry struct {
	// mu also serializes the due pass's compare/enqueue/pre-update sequence;
	// callers in this package may lock it directly for multi-step work.
	mu    sync.Mutex
	autos map[string]*automation.Automation

	store storage.Store
	log   logx.Logger
}

func newRegistry(store storage.Store, log logx.Logger) *registry {
	return &registry{
		autos: map[string]*automation.Automation{},
		store: store,
		log:   log,
	}
}

// load rehydrates the registry from the store. Missing state is not an
// error; a fresh deployment starts empty.
func (r *registry) load(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	autos, err := r.store.LoadAutomations(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrDisabled) {
			return 0, nil
		}
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, a := range autos {
		cp := a
		r.autos[id] = &cp
	}
	return len(r.autos), nil
}

// persistLocked mirrors the full map to the store. Caller holds r.mu.
func (r *registry) persistLocked() {
	if r.store == nil {
		return
	}
	out := make(map[string]automation.Automation, len(r.autos))
	for id, a := range r.autos {
		out[id] = *a.Clone()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.SaveAutomations(ctx, out); err != nil {
		r.log.Error("persisting automations failed; in-memory state kept", logx.Err(err))
	}
}

func (r *registry) add(a *automation.Automation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autos[a.ID] = a
	r.persistLocked()
}

func (r *registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.autos[id]; !ok {
		return false
	}
	delete(r.autos, id)
	r.persistLocked()
	return true
}

// update applies fn to the live automation under the lock and mirrors the
// map. Returns false when the id is unknown.
func (r *registry) update(id string, fn func(*automation.Automation)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.autos[id]
	if !ok {
		return false
	}
	fn(a)
	r.persistLocked()
	return true
}

func (r *registry) get(id string) (*automation.Automation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.autos[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// snapshot returns deep copies sorted by id for stable listings.
func (r *registry) snapshot() []automation.Automation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]automation.Automation, 0, len(r.autos))
	for _, a := range r.autos {
		out = append(out, *a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.autos)
}
