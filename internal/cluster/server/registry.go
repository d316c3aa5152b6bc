// Package server implements the control-plane server: the agent registry,
// the pending-connection table, the per-agent control handler, the proxy
// matcher, and the public router.
package server

import (
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/relayfab/relayfab/internal/cluster"
	"github.com/relayfab/relayfab/internal/metrics"
)

// ErrDuplicateID is returned by Registry.Insert when an id is already present.
var ErrDuplicateID = errors.New("registry: duplicate agent id")

// ErrNoAgents is returned by Registry.PickRandom when there are no
// authed agents to choose from.
var ErrNoAgents = errors.New("registry: no agents available")

// Registry tracks connected agents keyed by id. All operations take a
// single coarse lock; per-operation work is microseconds (map
// read/write plus, at worst, an O(n) key scan in PickRandom) so one
// lock is sufficient even with low thousands of agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*cluster.AgentEntry
	rnd    *rand.Rand
	rndMu  sync.Mutex
	log    *slog.Logger
}

// NewRegistry creates an empty Registry seeded from the current time.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*cluster.AgentEntry),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		log:    log.With("component", "registry"),
	}
}

// Insert adds a newly authenticated, not-yet-registered entry. Registration
// races are resolved first-writer-wins: if id is already present, Insert
// returns ErrDuplicateID and leaves the existing entry untouched.
func (r *Registry) Insert(entry *cluster.AgentEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[entry.ID]; exists {
		return ErrDuplicateID
	}
	r.agents[entry.ID] = entry
	r.log.Info("agent registered", "id", entry.ID)
	return nil
}

// Remove deletes id unconditionally and closes its control_send exactly
// once. Safe to call on an id that is not present (no-op).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	entry, ok := r.agents[id]
	if ok {
		delete(r.agents, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := entry.Send.Close(); err != nil {
		r.log.Debug("close control_send on remove", "id", id, "error", err)
	}
	r.log.Info("agent removed", "id", id)
}

// Update applies fn to the entry named by id while holding the registry
// lock only long enough to look the entry up; fn itself runs without the
// registry lock held so it may take the entry's own locks (e.g. metadata)
// without risking a lock-order inversion. No-op if id is absent.
func (r *Registry) Update(id string, fn func(*cluster.AgentEntry)) {
	r.mu.RLock()
	entry, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	fn(entry)
}

// Get returns the entry for id, if present.
func (r *Registry) Get(id string) (*cluster.AgentEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[id]
	return entry, ok
}

// PickRandom returns a uniformly random authed entry. The registry lock is
// released before the caller uses the entry -- by the time a caller writes
// to the returned entry's Send, the entry may have already been removed
// from the registry by another goroutine (see DESIGN.md's "pick-while-
// being-removed" note). Callers must treat a subsequent send failure as a
// normal failure path, not a bug.
func (r *Registry) PickRandom() (*cluster.AgentEntry, error) {
	r.mu.RLock()
	candidates := make([]*cluster.AgentEntry, 0, len(r.agents))
	for _, entry := range r.agents {
		if entry.Authed {
			candidates = append(candidates, entry)
		}
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, ErrNoAgents
	}

	r.rndMu.Lock()
	i := r.rnd.Intn(len(candidates))
	r.rndMu.Unlock()

	metrics.AgentsConnected.Set(float64(len(candidates)))
	return candidates[i], nil
}

// Count returns the number of currently registered agents (authed or not).
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// AllIDs returns a snapshot of every registered agent id, for diagnostics
// and tests. Order is unspecified.
func (r *Registry) AllIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}

// ReapStale removes every agent whose LastHeartbeatAt is older than
// maxAge. Intended to run on a steady cadence from internal/sweepjob,
// independent of TCP-level disconnect detection so half-open sockets are
// still caught.
func (r *Registry) ReapStale(maxAge time.Duration) []string {
	now := time.Now()

	r.mu.RLock()
	var stale []string
	for id, entry := range r.agents {
		if now.Sub(entry.LastHeartbeatAt) > maxAge {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.log.Info("evicting stale agent", "id", id)
		r.Remove(id)
	}
	return stale
}
