package agent

import (
	"context"
	"time"
)

// restartTracker counts unresponsive-recovery attempts within a rolling
// escalation window, per agent.
type restartTracker struct {
	windowStart time.Time
	attempts    int
}

// StartHeartbeatSweep launches the registry's heartbeat-TTL sweep: every
// cfg.HeartbeatSweep interval it scans for agents whose last heartbeat is
// older than TTLThreshold and marks them unresponsive, auto-restarting up
// to MaxRestartAttempts within EscalationWindow before escalating to
// guardians. Returns a stop function.
func (r *Registry) StartHeartbeatSweep(ctx context.Context) (stop func()) {
	ticker := r.clock.NewTicker(r.cfg.HeartbeatSweep)
	done := make(chan struct{})
	trackers := make(map[string]*restartTracker)

	go func() {
		for {
			select {
			case <-done:
				ticker.Stop()
				return
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C():
				r.sweepOnce(ctx, trackers)
			}
		}
	}()

	return func() { close(done) }
}

func (r *Registry) sweepOnce(ctx context.Context, trackers map[string]*restartTracker) {
	now := r.clock.Now()

	r.mu.RLock()
	stale := make([]*Agent, 0)
	for _, a := range r.agents {
		if a.Status == StatusQuarantined {
			continue
		}
		if now.Sub(a.LastHeartbeatAt) > r.cfg.TTLThreshold {
			stale = append(stale, a)
		}
	}
	r.mu.RUnlock()

	for _, a := range stale {
		r.handleStale(ctx, a, now, trackers)
	}
}

func (r *Registry) handleStale(ctx context.Context, a *Agent, now time.Time, trackers map[string]*restartTracker) {
	lock := r.agentLock(a.ID)
	if lock == nil {
		return
	}
	lock.mu.Lock()
	defer lock.mu.Unlock()

	r.mu.Lock()
	cur, ok := r.agents[a.ID]
	if !ok || cur.Status == StatusQuarantined {
		r.mu.Unlock()
		return
	}
	wasResponsive := cur.Status != StatusUnresponsive
	if wasResponsive {
		cur.Status = StatusUnresponsive
		cur.UpdatedAt = now
	}
	r.mu.Unlock()

	if wasResponsive {
		_ = r.bus.Publish(ctx, TopicUnresponsive, a.ID, "registry", map[string]string{"agent_id": a.ID})
		if r.Metrics != nil {
			r.Metrics.HeartbeatMissedTotal.WithLabelValues(string(cur.Type)).Inc()
		}
	}

	tr, ok := trackers[a.ID]
	if !ok || now.Sub(tr.windowStart) > r.cfg.EscalationWindow {
		tr = &restartTracker{windowStart: now}
		trackers[a.ID] = tr
	}

	if tr.attempts >= r.cfg.MaxRestartAttempts {
		_ = r.bus.Publish(ctx, TopicEscalation, a.ID, "registry", map[string]any{
			"agent_id": a.ID,
			"attempts": tr.attempts,
			"reason":   "max_restart_attempts_exceeded",
		})
		return
	}

	tr.attempts++
	r.mu.Lock()
	cur.RestartCount++
	r.mu.Unlock()
}
