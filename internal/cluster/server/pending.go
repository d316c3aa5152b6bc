package server

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/relayfab/relayfab/internal/cluster"
	"github.com/relayfab/relayfab/internal/metrics"
)

// DefaultPendingTimeout is how long a public connection waits for its
// matching proxy connection before the sweeper closes it.
const DefaultPendingTimeout = 10 * time.Second

// sweepInterval is how often Pending.Sweep is invoked by its caller.
const sweepInterval = 1 * time.Second

// Pending is the rendezvous table: public connections waiting to be
// paired with a proxy connection an agent is about to open. Operations
// are O(1) under a single coarse lock.
type Pending struct {
	mu      sync.Mutex
	entries map[string]*cluster.PendingEntry
	log     *slog.Logger
}

// NewPending creates an empty Pending table.
func NewPending(log *slog.Logger) *Pending {
	return &Pending{
		entries: make(map[string]*cluster.PendingEntry),
		log:     log.With("component", "pending"),
	}
}

// Put registers id as awaiting rendezvous. CreatedAt is stamped at
// insertion time for the sweeper.
func (p *Pending) Put(id string, conn net.Conn, prefix []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[id] = &cluster.PendingEntry{
		ID:         id,
		PublicConn: conn,
		Prefix:     prefix,
		CreatedAt:  time.Now(),
	}
	metrics.PendingCount.Set(float64(len(p.entries)))
}

// Take removes and returns the entry for id, if present. The caller
// becomes the sole owner of PublicConn -- it must either splice it or
// close it, but never both.
func (p *Pending) Take(id string) (*cluster.PendingEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
		metrics.PendingCount.Set(float64(len(p.entries)))
	}
	return entry, ok
}

// Drop removes and closes the entry for id, if present. The router does
// not use it on a failed send: it calls Take instead, so that the public
// connection stays open for the next dispatch attempt.
func (p *Pending) Drop(id string) {
	p.mu.Lock()
	entry, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
		metrics.PendingCount.Set(float64(len(p.entries)))
	}
	p.mu.Unlock()

	if ok {
		entry.PublicConn.Close()
		metrics.RendezvousTotal.WithLabelValues("dropped").Inc()
	}
}

// Sweep removes and closes every entry older than timeout. Returns the
// number of entries swept, for logging/metrics by the caller.
func (p *Pending) Sweep(timeout time.Duration) int {
	now := time.Now()

	p.mu.Lock()
	var stale []*cluster.PendingEntry
	for id, entry := range p.entries {
		if now.Sub(entry.CreatedAt) >= timeout {
			stale = append(stale, entry)
			delete(p.entries, id)
		}
	}
	if len(stale) > 0 {
		metrics.PendingCount.Set(float64(len(p.entries)))
	}
	p.mu.Unlock()

	for _, entry := range stale {
		entry.PublicConn.Close()
		p.log.Info("rendezvous timed out", "id", entry.ID)
		metrics.RendezvousTotal.WithLabelValues("timeout").Inc()
	}
	return len(stale)
}

// Len reports the number of entries currently pending, for diagnostics.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
