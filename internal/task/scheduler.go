package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/agentkernel/internal/agent"
	"github.com/c360studio/agentkernel/internal/busx"
	"github.com/c360studio/agentkernel/internal/kclock"
	"github.com/c360studio/agentkernel/internal/kernelerr"
	"github.com/c360studio/agentkernel/internal/kmetrics"
)

// Topic names the scheduler publishes.
const (
	TopicCreated  = "task.created"
	TopicReady    = "task.ready"
	TopicAssigned = "task.assigned"
	TopicStarted  = "task.started"
	TopicCompleted = "task.completed"
	TopicFailed   = "task.failed"
	TopicBlocked  = "task.blocked"
	TopicNeedsWork = "task.needs_work"
)

// ApprovalGate is implemented by the ticket engine: the scheduler must not
// dispatch a task whose parent ticket is pending human review (spec §4.4
// dispatch condition (d), §4.10).
type ApprovalGate interface {
	DispatchAllowed(ticketID string) (bool, error)
}

// alwaysAllow is used when no gate is wired (e.g. in unit tests exercising
// the scheduler alone).
type alwaysAllow struct{}

func (alwaysAllow) DispatchAllowed(string) (bool, error) { return true, nil }

// Config tunes scheduler batching and loop bounds.
type Config struct {
	ReadyBatchLimit       int
	MaxValidationIterations int
	// PhaseTimeout maps phase ID to its task_in_progress_timeout; a zero
	// duration falls back to Default.
	PhaseTimeout map[string]time.Duration
	Default      time.Duration
}

// DefaultConfig returns the scheduler's default tuning.
func DefaultConfig() Config {
	return Config{
		ReadyBatchLimit:         20,
		MaxValidationIterations: 10,
		PhaseTimeout:            map[string]time.Duration{},
		Default:                 30 * time.Minute,
	}
}

func (c Config) timeoutFor(phaseID string) time.Duration {
	if d, ok := c.PhaseTimeout[phaseID]; ok && d > 0 {
		return d
	}
	return c.Default
}

// Scheduler is the task queue & scheduler component (C4): priority/phase/
// capability-aware dispatch over the task Store and agent Registry.
type Scheduler struct {
	store    *Store
	registry *agent.Registry
	bus      busx.Bus
	clock    kclock.Clock
	gate     ApprovalGate
	cfg      Config
	log      *slog.Logger

	// Metrics is optional; assigned post-construction by kernel wiring.
	Metrics *kmetrics.Metrics
}

// NewScheduler builds a scheduler. gate may be nil to allow all dispatch
// (tests); production wiring always supplies the ticket engine.
func NewScheduler(store *Store, registry *agent.Registry, bus busx.Bus, clock kclock.Clock, gate ApprovalGate, cfg Config, log *slog.Logger) *Scheduler {
	if gate == nil {
		gate = alwaysAllow{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{store: store, registry: registry, bus: bus, clock: clock, gate: gate, cfg: cfg, log: log}
}

// Create validates and inserts a new task, publishing task.created and, if
// immediately dependency-ready, task.ready.
func (s *Scheduler) Create(ctx context.Context, t *Task) error {
	now := s.clock.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusPending
	}
	if err := s.store.Create(t); err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, TopicCreated, t.ID, "scheduler", t); err != nil {
		return kernelerr.Wrap(kernelerr.KindBusUnavailable, err, "publish task.created for %s", t.ID)
	}
	if len(t.Dependencies) == 0 {
		_ = s.bus.Publish(ctx, TopicReady, t.ID, "scheduler", t)
	}
	return nil
}

// Dispatch runs one scheduling tick: every dependency-ready pending task,
// in priority/age/ID order, is matched against eligible idle agents and
// assigned. Tasks with zero eligible agents are left pending; no
// task.assigned is emitted for them.
func (s *Scheduler) Dispatch(ctx context.Context) (assigned int, err error) {
	candidates := s.store.PendingByDispatchOrder()
	if s.Metrics != nil {
		depths := make(map[string]int)
		for _, t := range candidates {
			depths[t.PhaseID]++
		}
		for phaseID, n := range depths {
			s.Metrics.TaskQueueDepth.WithLabelValues(phaseID).Set(float64(n))
		}
	}
	for _, t := range candidates {
		ok, gerr := s.gate.DispatchAllowed(t.TicketID)
		if gerr != nil {
			return assigned, gerr
		}
		if !ok {
			continue
		}

		agentIDs := s.registry.CandidatesForDispatch(t.PhaseID, t.RequiredCapabilities)
		if len(agentIDs) == 0 {
			s.log.Debug("capability_mismatch", "task_id", t.ID, "phase_id", t.PhaseID, "required", t.RequiredCapabilities)
			continue
		}
		agentID := agentIDs[0]

		if err := s.assignTo(ctx, t, agentID); err != nil {
			return assigned, err
		}
		assigned++
	}
	return assigned, nil
}

func (s *Scheduler) assignTo(ctx context.Context, t *Task, agentID string) error {
	now := s.clock.Now()
	if err := s.store.Update(t.ID, func(cur *Task) { _ = Assign(cur, agentID, now) }); err != nil {
		return err
	}
	if err := s.registry.BindTask(ctx, agentID, t.ID); err != nil {
		// Roll back the task assignment; the agent could not accept it
		// (e.g. raced with a supervisor quarantine).
		_ = s.store.Update(t.ID, func(cur *Task) { _ = Requeue(cur, s.clock.Now()) })
		return err
	}
	if s.Metrics != nil {
		s.Metrics.DispatchLatency.WithLabelValues(t.PhaseID).Observe(now.Sub(t.CreatedAt).Seconds())
	}
	return s.bus.Publish(ctx, TopicAssigned, agentID, "scheduler", map[string]string{
		"task_id": t.ID, "agent_id": agentID, "ticket_id": t.TicketID,
	})
}

// Start records that the assigned agent has begun work.
func (s *Scheduler) Start(ctx context.Context, taskID string) error {
	now := s.clock.Now()
	if err := s.store.Update(taskID, func(t *Task) { _ = Start(t, now) }); err != nil {
		return err
	}
	return s.bus.Publish(ctx, TopicStarted, taskID, "scheduler", map[string]string{"task_id": taskID})
}

// Store exposes the underlying task store for components (discovery,
// diagnostics) that need direct read/dependency-wiring access.
func (s *Scheduler) Store() *Store { return s.store }

// Get returns a task by ID.
func (s *Scheduler) Get(taskID string) (*Task, bool) { return s.store.Get(taskID) }

// GetReadyTasks exposes DAG batching for parallel dispatch callers.
func (s *Scheduler) GetReadyTasks(limit int) []*Task {
	if limit <= 0 {
		limit = s.cfg.ReadyBatchLimit
	}
	return s.store.GetReadyTasks(limit)
}

// Complete marks an agent-reported done: either under_review (validation
// enabled) or done directly.
func (s *Scheduler) Complete(ctx context.Context, taskID string) error {
	var enteredReview bool
	now := s.clock.Now()
	if err := s.store.Update(taskID, func(t *Task) {
		wasUnderReview := t.Status != StatusUnderReview
		if err := Complete(t, now); err == nil && t.Status == StatusUnderReview && wasUnderReview {
			enteredReview = true
		}
	}); err != nil {
		return err
	}
	t, _ := s.store.Get(taskID)
	// The assignee's work is done whether the task lands in under_review or
	// done: free it immediately so resumeOrRequeue can hand the task back to
	// the same agent on a later needs_work, or so it can pick up other work
	// while a validator reviews.
	if err := s.registry.Transition(ctx, t.AssignedAgentID, agent.StatusIdle); err != nil {
		s.log.Warn("agent idle transition after task completion failed", "agent_id", t.AssignedAgentID, "error", err)
	}
	if enteredReview {
		return s.bus.Publish(ctx, "validation.started", taskID, "scheduler", map[string]any{
			"task_id": taskID, "iteration": t.ValidationIteration,
		})
	}
	return s.bus.Publish(ctx, TopicCompleted, taskID, "scheduler", map[string]string{"task_id": taskID})
}

// ApplyValidation records a validator's verdict and re-enters dispatch on
// failure. max_iterations (spec §4.4) terminates the task instead of
// looping forever.
func (s *Scheduler) ApplyValidation(ctx context.Context, taskID string, passed bool, feedback string) error {
	now := s.clock.Now()
	var capped bool
	if err := s.store.Update(taskID, func(t *Task) {
		if !passed && t.ValidationIteration >= s.cfg.MaxValidationIterations {
			Fail(t, now)
			capped = true
			return
		}
		_ = ApplyValidation(t, passed, feedback, now)
	}); err != nil {
		return err
	}

	if capped {
		if s.Metrics != nil {
			if t, ok := s.store.Get(taskID); ok {
				s.Metrics.ValidationIterations.WithLabelValues(t.PhaseID).Observe(float64(t.ValidationIteration))
			}
		}
		return s.bus.Publish(ctx, TopicFailed, taskID, "scheduler", map[string]string{
			"task_id": taskID, "reason": "max_iterations",
		})
	}
	if passed {
		t, _ := s.store.Get(taskID)
		if err := s.registry.Transition(ctx, t.AssignedAgentID, agent.StatusIdle); err != nil {
			s.log.Warn("agent idle transition after validation pass failed", "agent_id", t.AssignedAgentID, "error", err)
		}
		return s.bus.Publish(ctx, "validation.passed", taskID, "scheduler", map[string]string{"task_id": taskID})
	}

	if err := s.bus.Publish(ctx, "validation.failed", taskID, "scheduler", map[string]string{
		"task_id": taskID, "feedback": feedback,
	}); err != nil {
		return err
	}
	// Delivered on the originating agent's own partition topic, per spec
	// §4.7: "last_validation_feedback is delivered to the originating
	// agent via the agent's partition topic."
	t, _ := s.store.Get(taskID)
	feedbackPartition := taskID
	if t != nil && t.AssignedAgentID != "" {
		feedbackPartition = t.AssignedAgentID
	}
	if err := s.bus.Publish(ctx, TopicNeedsWork, feedbackPartition, "scheduler", map[string]string{
		"task_id": taskID, "feedback": feedback,
	}); err != nil {
		return err
	}
	return s.resumeOrRequeue(ctx, taskID)
}

// resumeOrRequeue implements "needs_work -> in_progress reuses the same
// assignee when possible": if the originally assigned agent is still idle
// and bound to this task's phase, hand the task straight back to it;
// otherwise fall through to ordinary priority dispatch.
func (s *Scheduler) resumeOrRequeue(ctx context.Context, taskID string) error {
	t, ok := s.store.Get(taskID)
	if !ok {
		return kernelerr.New(kernelerr.KindNotFound, "task %s not found", taskID)
	}

	now := s.clock.Now()
	if a, ok := s.registry.Get(t.AssignedAgentID); ok && a.Status == agent.StatusIdle {
		if err := s.store.Update(taskID, func(cur *Task) { _ = Resume(cur, now) }); err != nil {
			return err
		}
		if err := s.registry.BindTask(ctx, a.ID, taskID); err != nil {
			return err
		}
		return nil
	}

	return s.store.Update(taskID, func(cur *Task) { _ = Requeue(cur, now) })
}

// Fail records an agent giving up on an in-progress task.
func (s *Scheduler) Fail(ctx context.Context, taskID, reason string) error {
	now := s.clock.Now()
	var agentID string
	if err := s.store.Update(taskID, func(t *Task) {
		agentID = t.AssignedAgentID
		Fail(t, now)
	}); err != nil {
		return err
	}
	if agentID != "" {
		if err := s.registry.Transition(ctx, agentID, agent.StatusIdle); err != nil {
			s.log.Warn("agent idle transition after task failure failed", "agent_id", agentID, "error", err)
		}
	}
	return s.bus.Publish(ctx, TopicFailed, taskID, "scheduler", map[string]string{"task_id": taskID, "reason": reason})
}

// SweepTimeouts marks every in_progress task overdue for its phase's
// task_in_progress_timeout as blocked(reason=timeout), preserving the
// assignment for potential resumption.
func (s *Scheduler) SweepTimeouts(ctx context.Context) error {
	now := s.clock.Now()
	for _, t := range s.store.ListAll() {
		if t.Status != StatusInProgress || t.StartedAt.IsZero() {
			continue
		}
		if now.Sub(t.StartedAt) <= s.cfg.timeoutFor(t.PhaseID) {
			continue
		}
		if err := s.store.Update(t.ID, func(cur *Task) { Block(cur, "timeout", now) }); err != nil {
			return err
		}
		if err := s.bus.Publish(ctx, TopicBlocked, t.ID, "scheduler", map[string]string{
			"task_id": t.ID, "reason": "timeout",
		}); err != nil {
			return fmt.Errorf("publish task.blocked for %s: %w", t.ID, err)
		}
	}
	return nil
}
