package orchestrator

import (
	"context"
	"time"
)

// Sweep removes sessions idle longer than the TTL and returns how many
// were removed. A session whose run is in flight is skipped regardless
// of age. A caller that already holds a session pointer finishes its run
// on the orphan; the transcript writes survive for the recreated session.
func (o *Orchestrator) Sweep() int {
	cutoff := o.now().Add(-o.ttl)
	removed := 0

	o.mu.Lock()
	for id, sess := range o.sessions {
		if sess.idleSince().After(cutoff) {
			continue
		}
		if !sess.mu.TryLock() {
			continue
		}
		delete(o.sessions, id)
		sess.mu.Unlock()
		removed++
		o.logger.Info("session expired", "session_id", id)
	}
	n := len(o.sessions)
	o.mu.Unlock()

	if removed > 0 {
		o.metrics.SetActiveSessions(n)
	}
	return removed
}

// Run ticks the idle sweeper until the context ends. It is the worker
// the supervisor owns in serve mode.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.Sweep()
		}
	}
}
