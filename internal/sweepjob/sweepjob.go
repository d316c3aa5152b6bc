// Package sweepjob schedules the fabric's two background reapers: the
// pending-rendezvous sweep and the stale-agent reap. Both are plain
// methods on long-lived state; this package only owns when they run.
package sweepjob

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// PendingSweeper is the subset of server.Pending this package drives.
type PendingSweeper interface {
	Sweep(timeout time.Duration) int
}

// AgentReaper is the subset of server.Registry this package drives.
type AgentReaper interface {
	ReapStale(maxAge time.Duration) []string
}

// Runner owns a cron scheduler wired to the two reapers. Entries are
// registered with "@every" specs rather than calendar crons -- the
// sweeper needs sub-minute cadence, which robfig/cron supports natively.
type Runner struct {
	cron *cron.Cron
	log  *slog.Logger
}

// New schedules pending.Sweep(pendingTimeout) every sweepInterval and
// registry.ReapStale(staleAfter) every reapInterval, but does not start
// them yet -- call Start.
func New(pending PendingSweeper, pendingTimeout, sweepInterval time.Duration, registry AgentReaper, staleAfter, reapInterval time.Duration, log *slog.Logger) *Runner {
	log = log.With("component", "sweepjob")
	c := cron.New()

	c.AddFunc(everySpec(sweepInterval), func() {
		if n := pending.Sweep(pendingTimeout); n > 0 {
			log.Debug("swept stale pending entries", "count", n)
		}
	})
	c.AddFunc(everySpec(reapInterval), func() {
		if ids := registry.ReapStale(staleAfter); len(ids) > 0 {
			log.Info("reaped stale agents", "ids", ids)
		}
	})

	return &Runner{cron: c, log: log}
}

// Start begins running the scheduled jobs in the background.
func (r *Runner) Start() { r.cron.Start() }

// Stop waits for any in-flight job to finish, then halts scheduling.
func (r *Runner) Stop() { <-r.cron.Stop().Done() }

func everySpec(d time.Duration) string {
	return "@every " + d.String()
}
