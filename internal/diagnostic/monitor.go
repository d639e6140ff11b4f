// Package diagnostic implements the diagnostic monitor (C8): a 60 s sweep
// that detects stuck workflows (tickets with no active task, no validated
// result, and a quiet period past stuck_threshold) and spawns a recovery
// task via the discovery service. Its sweep-loop shape follows the
// teacher's workflow-orchestrator watcher pattern (processor/
// workflow-orchestrator/component.go's KV-watch driven health loop),
// generalized to a plain clock-ticker sweep since the kernel's bus has no
// direct KV-watch analogue for "no task active."
package diagnostic

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/agentkernel/internal/busx"
	"github.com/c360studio/agentkernel/internal/discovery"
	"github.com/c360studio/agentkernel/internal/kclock"
	"github.com/c360studio/agentkernel/internal/kmetrics"
	"github.com/c360studio/agentkernel/internal/task"
)

const TopicTriggered = "diagnostic.triggered"

// RunStatus is the DiagnosticRun's lifecycle position.
type RunStatus string

const (
	RunTriggered RunStatus = "triggered"
	RunResolved  RunStatus = "resolved"
)

// Run is the data model's DiagnosticRun entity.
type Run struct {
	ID             string
	WorkflowID     string // ticket ID
	TriggerReason  string
	ContextSnapshot string
	SpawnedTaskIDs []string
	Status         RunStatus
	CooldownUntil  time.Time
}

// activeTasks are the task statuses that count as "work still underway"
// for the stuck predicate's clause (ii).
var activeTasks = map[task.Status]bool{
	task.StatusPending:              true,
	task.StatusAssigned:             true,
	task.StatusInProgress:           true,
	task.StatusUnderReview:          true,
	task.StatusValidationInProgress: true,
}

// TicketLister supplies the set of workflows (tickets) currently eligible
// for stuck-predicate evaluation.
type TicketLister interface {
	ActiveTicketIDs() []string
}

// ResultChecker reports whether ticketID already has a validated
// WorkflowResult, per spec §4.8 clause (iii). AgentResult/WorkflowResult
// storage lives outside this package (spec §1 scopes it to the persistence
// façade); wiring supplies a checker backed by internal/store.
type ResultChecker interface {
	HasValidatedResult(ticketID string) bool
}

// Config tunes the stuck predicate's timing thresholds.
type Config struct {
	SweepInterval   time.Duration
	StuckThreshold  time.Duration
	Cooldown        time.Duration
}

// DefaultConfig returns the monitor's default tuning (spec §4.8: 60 s for
// all three).
func DefaultConfig() Config {
	return Config{
		SweepInterval:  60 * time.Second,
		StuckThreshold: 60 * time.Second,
		Cooldown:       60 * time.Second,
	}
}

// Monitor is the diagnostic monitor component (C8).
type Monitor struct {
	bus     busx.Bus
	clock   kclock.Clock
	sched   *task.Scheduler
	disc    *discovery.Service
	tickets TicketLister
	results ResultChecker
	cfg     Config
	log     *slog.Logger

	mu            sync.Mutex
	cooldownUntil map[string]time.Time
	runs          map[string]*Run

	// Metrics is optional; assigned post-construction by kernel wiring.
	Metrics *kmetrics.Metrics
}

// New builds a diagnostic monitor.
func New(bus busx.Bus, clock kclock.Clock, sched *task.Scheduler, disc *discovery.Service, tickets TicketLister, results ResultChecker, cfg Config, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		bus: bus, clock: clock, sched: sched, disc: disc, tickets: tickets, results: results, cfg: cfg, log: log,
		cooldownUntil: make(map[string]time.Time),
		runs:          make(map[string]*Run),
	}
}

// Start launches the 60 s sweep loop. Returns a stop function.
func (m *Monitor) Start(ctx context.Context) (stop func()) {
	ticker := m.clock.NewTicker(m.cfg.SweepInterval)
	done := make(chan struct{})

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
				m.SweepOnce(ctx)
			}
		}
	}()

	return func() { close(done) }
}

// SweepOnce evaluates the stuck predicate for every active ticket and
// triggers recovery for each that qualifies. Exported so callers (and
// tests) can drive a deterministic tick without waiting on the ticker.
func (m *Monitor) SweepOnce(ctx context.Context) {
	now := m.clock.Now()
	for _, ticketID := range m.tickets.ActiveTicketIDs() {
		if stuck, lastActivity := m.isStuck(ticketID, now); stuck {
			m.trigger(ctx, ticketID, lastActivity, now)
		}
	}
}

// isStuck evaluates spec §4.8 clauses (i), (ii), (iii), (v); clause (iv)
// (cooldown) is checked separately in trigger since it also needs the
// write lock.
func (m *Monitor) isStuck(ticketID string, now time.Time) (bool, time.Time) {
	tasks := m.sched.Store().ListByTicket(ticketID)
	if len(tasks) == 0 {
		return false, time.Time{}
	}

	var lastActivity time.Time
	for _, t := range tasks {
		if activeTasks[t.Status] {
			return false, time.Time{}
		}
		if t.UpdatedAt.After(lastActivity) {
			lastActivity = t.UpdatedAt
		}
	}

	if m.results.HasValidatedResult(ticketID) {
		return false, time.Time{}
	}

	if now.Sub(lastActivity) <= m.cfg.StuckThreshold {
		return false, time.Time{}
	}

	return true, lastActivity
}

func (m *Monitor) trigger(ctx context.Context, ticketID string, lastActivity, now time.Time) {
	m.mu.Lock()
	if until, ok := m.cooldownUntil[ticketID]; ok && now.Before(until) {
		m.mu.Unlock()
		return
	}
	m.cooldownUntil[ticketID] = now.Add(m.cfg.Cooldown)
	m.mu.Unlock()

	tasks := m.sched.Store().ListByTicket(ticketID)
	var source *task.Task
	for _, t := range tasks {
		if source == nil || t.UpdatedAt.After(source.UpdatedAt) {
			source = t
		}
	}
	if source == nil {
		return
	}

	d, err := m.disc.RecordAndBranch(ctx, discovery.Request{
		SourceTaskID:     source.ID,
		Type:             discovery.TypeDiagnosticNoResult,
		Description:      "diagnostic: no validated result, submit final result",
		SpawnPhaseID:     source.PhaseID,
		SpawnDescription: "submit final result",
	})
	if err != nil {
		m.log.Warn("diagnostic recovery spawn failed", "ticket_id", ticketID, "error", err)
		return
	}

	run := &Run{
		ID:              uuid.New().String(),
		WorkflowID:      ticketID,
		TriggerReason:   "stuck_workflow",
		ContextSnapshot: "last_activity=" + lastActivity.Format(time.RFC3339),
		SpawnedTaskIDs:  d.SpawnedTaskIDs,
		Status:          RunTriggered,
		CooldownUntil:   m.cooldownUntil[ticketID],
	}
	m.mu.Lock()
	m.runs[run.ID] = run
	m.mu.Unlock()

	if m.Metrics != nil {
		m.Metrics.DiagnosticRunsTotal.WithLabelValues(run.TriggerReason).Inc()
	}

	_ = m.bus.Publish(ctx, TopicTriggered, ticketID, "diagnostic", map[string]any{
		"ticket_id": ticketID, "run_id": run.ID, "spawned_task_ids": run.SpawnedTaskIDs,
	})
}

// Runs returns every DiagnosticRun recorded for ticketID.
func (m *Monitor) Runs(ticketID string) []*Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Run, 0)
	for _, r := range m.runs {
		if r.WorkflowID == ticketID {
			out = append(out, r)
		}
	}
	return out
}
