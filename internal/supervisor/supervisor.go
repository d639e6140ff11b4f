// Package supervisor implements the supervisor authority component (C9):
// rank-ordered monitor/watchdog/guardian actions against tasks and agents,
// each authority-checked, journaled, and reversible within a revert window.
// Its authority-ordering and audit-trail shape follows the teacher's
// escalation bookkeeping in internal/agent's restartTracker/escalation
// window; the quarantine heuristic's trip-on-N-failures shape is grounded
// on the retrieval pack's dataparency-dev-AI-delegation security.go
// CircuitBreaker (RecordFailure/IsAllowed), adapted here from a per-request
// trust gate to a per-agent quarantine recommendation.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/agentkernel/internal/agent"
	"github.com/c360studio/agentkernel/internal/busx"
	"github.com/c360studio/agentkernel/internal/kclock"
	"github.com/c360studio/agentkernel/internal/kernelerr"
	"github.com/c360studio/agentkernel/internal/kmetrics"
	"github.com/c360studio/agentkernel/internal/task"
)

// Topic names the supervisor publishes.
const (
	TopicActionTaken  = "supervisor.action_taken"
	TopicReverted     = "supervisor.action_reverted"
	TopicQuarantineRec = "supervisor.quarantine_recommended"
)

// Level is the spec's authority_level enum (spec §3, §4.9).
type Level int

const (
	LevelWorker   Level = 1
	LevelWatchdog Level = 2
	LevelMonitor  Level = 3
	LevelGuardian Level = 4
	LevelSystem   Level = 5
)

// ActionType enumerates the operations a supervisor may take.
type ActionType string

const (
	ActionCancelTask         ActionType = "cancel_task"
	ActionReallocateCapacity ActionType = "reallocate_capacity"
	ActionOverridePriority   ActionType = "override_priority"
	ActionQuarantineAgent    ActionType = "quarantine_agent"
)

// requiredLevel is the minimum issuer authority per action type. Not named
// explicitly in the spec beyond "authority-checked (issuer >= required
// level)"; this ordering mirrors the ActionType's blast radius (read/pause
// a task vs. permanently disabling an agent).
var requiredLevel = map[ActionType]Level{
	ActionCancelTask:         LevelWatchdog,
	ActionOverridePriority:   LevelWatchdog,
	ActionReallocateCapacity: LevelMonitor,
	ActionQuarantineAgent:    LevelGuardian,
}

// AuditEntry is one append-only record in a SupervisorAction's audit_log.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Event  string    `json:"event"`
	Detail string    `json:"detail,omitempty"`
}

// SupervisorAction is the data model's SupervisorAction entity.
type SupervisorAction struct {
	ID             string
	ActorAgentID   string
	AuthorityLevel Level
	ActionType     ActionType
	Target         string
	Reversed       bool
	AuditLog       []AuditEntry
	CreatedAt      time.Time
	RevertDeadline time.Time
	PreState       string // JSON snapshot, for reversion
	PostState      string
}

func (a *SupervisorAction) appendAudit(now time.Time, event, detail string) {
	a.AuditLog = append(a.AuditLog, AuditEntry{At: now, Event: event, Detail: detail})
}

// Persister is the optional write-through hook into the persistence façade,
// mirroring task.Persister. Defined here rather than taking internal/store
// directly to avoid an import cycle.
type Persister interface {
	UpsertSupervisorAction(ctx context.Context, a *SupervisorAction) error
}

// Config tunes the revert window and quarantine heuristic.
type Config struct {
	RevertWindow               time.Duration
	QuarantineFailureThreshold int
}

// DefaultConfig returns the supervisor's default tuning (spec §4.9: 1h
// revert window).
func DefaultConfig() Config {
	return Config{RevertWindow: time.Hour, QuarantineFailureThreshold: 3}
}

// Supervisor is the supervisor authority component (C9).
type Supervisor struct {
	bus      busx.Bus
	clock    kclock.Clock
	sched    *task.Scheduler
	registry *agent.Registry
	cfg      Config
	log      *slog.Logger

	mu             sync.Mutex
	actions        map[string]*SupervisorAction
	targetActions  map[string][]string // target -> action IDs in issuance order, for cascaded_state checks
	failureCounts  map[string]int      // agentID -> consecutive task failures

	// Metrics is optional; assigned post-construction by kernel wiring.
	Metrics *kmetrics.Metrics

	// Persist is optional; assigned post-construction once a persistence
	// façade is configured. Every recorded or reverted action writes through
	// it, letting a restart re-derive cascaded_state rejections from history.
	Persist Persister
}

// New builds a supervisor authority component.
func New(bus busx.Bus, clock kclock.Clock, sched *task.Scheduler, registry *agent.Registry, cfg Config, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		bus: bus, clock: clock, sched: sched, registry: registry, cfg: cfg, log: log,
		actions:       make(map[string]*SupervisorAction),
		targetActions: make(map[string][]string),
		failureCounts: make(map[string]int),
	}
}

// LoadAll seeds the supervisor from a snapshot already durable in the
// persistence façade (kernel startup hydration), rebuilding the per-target
// issuance-order index the cascaded_state check depends on. Actions are
// assumed to replay in CreatedAt order since that's how the façade's
// ListSupervisorActionsByTarget query returns them.
func (s *Supervisor) LoadAll(actions []*SupervisorAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range actions {
		s.actions[a.ID] = a
		s.targetActions[a.Target] = append(s.targetActions[a.Target], a.ID)
	}
}

func (s *Supervisor) persist(a *SupervisorAction) error {
	if s.Persist == nil {
		return nil
	}
	if err := s.Persist.UpsertSupervisorAction(context.Background(), a); err != nil {
		return kernelerr.Wrap(kernelerr.KindStoreUnavailable, err, "persist supervisor action %s", a.ID)
	}
	return nil
}

func snapshot(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func (s *Supervisor) authorize(actionType ActionType, issuerLevel Level) error {
	if issuerLevel < requiredLevel[actionType] {
		return kernelerr.New(kernelerr.KindNotAuthorized, "%s requires authority >= %d, issuer has %d", actionType, requiredLevel[actionType], issuerLevel)
	}
	return nil
}

func (s *Supervisor) record(actorAgentID string, issuerLevel Level, actionType ActionType, target, preState, postState string, now time.Time) *SupervisorAction {
	a := &SupervisorAction{
		ID: uuid.New().String(), ActorAgentID: actorAgentID, AuthorityLevel: issuerLevel,
		ActionType: actionType, Target: target, CreatedAt: now,
		RevertDeadline: now.Add(s.cfg.RevertWindow),
		PreState:       preState, PostState: postState,
	}
	a.appendAudit(now, "issued", fmt.Sprintf("actor=%s level=%d", actorAgentID, issuerLevel))

	s.mu.Lock()
	s.actions[a.ID] = a
	s.targetActions[target] = append(s.targetActions[target], a.ID)
	s.mu.Unlock()

	if s.Metrics != nil {
		s.Metrics.SupervisorActions.WithLabelValues(string(actionType)).Inc()
	}

	if err := s.persist(a); err != nil {
		s.log.Warn("persist supervisor action failed", "action_id", a.ID, "error", err)
	}

	return a
}

// CancelTask transitions taskID to failed and releases its assigned agent,
// recording a pre/post state snapshot in the action's audit trail (spec
// §4.9's cancel_task).
func (s *Supervisor) CancelTask(ctx context.Context, actorAgentID string, issuerLevel Level, taskID, reason string) (*SupervisorAction, error) {
	if err := s.authorize(ActionCancelTask, issuerLevel); err != nil {
		return nil, err
	}
	before, ok := s.sched.Get(taskID)
	if !ok {
		return nil, kernelerr.New(kernelerr.KindNotFound, "task %s not found", taskID)
	}
	pre := snapshot(before)

	if err := s.sched.Fail(ctx, taskID, reason); err != nil {
		return nil, err
	}
	after, _ := s.sched.Get(taskID)

	action := s.record(actorAgentID, issuerLevel, ActionCancelTask, taskID, pre, snapshot(after), s.clock.Now())
	return action, s.publish(ctx, action)
}

// OverridePriority directly promotes/demotes taskID's priority; the
// scheduler re-evaluates the new priority on its next dispatch tick (spec
// §4.9's override_priority).
func (s *Supervisor) OverridePriority(ctx context.Context, actorAgentID string, issuerLevel Level, taskID string, newPriority task.Priority) (*SupervisorAction, error) {
	if err := s.authorize(ActionOverridePriority, issuerLevel); err != nil {
		return nil, err
	}
	before, ok := s.sched.Get(taskID)
	if !ok {
		return nil, kernelerr.New(kernelerr.KindNotFound, "task %s not found", taskID)
	}
	pre := snapshot(before)

	if err := s.sched.Store().Update(taskID, func(t *task.Task) { t.Priority = newPriority }); err != nil {
		return nil, err
	}
	after, _ := s.sched.Get(taskID)

	action := s.record(actorAgentID, issuerLevel, ActionOverridePriority, taskID, pre, snapshot(after), s.clock.Now())
	return action, s.publish(ctx, action)
}

// ReallocateCapacity moves amount units of MaxConcurrentTasks from donor to
// recipient (spec §4.9's reallocate_capacity). Refused by
// agent.Registry.AdjustCapacity if the donor has in-flight work the
// reduction would invalidate.
func (s *Supervisor) ReallocateCapacity(ctx context.Context, actorAgentID string, issuerLevel Level, donorAgentID, recipientAgentID string, amount int) (*SupervisorAction, error) {
	if err := s.authorize(ActionReallocateCapacity, issuerLevel); err != nil {
		return nil, err
	}
	donorBefore, ok := s.registry.Get(donorAgentID)
	if !ok {
		return nil, kernelerr.New(kernelerr.KindNotFound, "agent %s not found", donorAgentID)
	}
	recipientBefore, ok := s.registry.Get(recipientAgentID)
	if !ok {
		return nil, kernelerr.New(kernelerr.KindNotFound, "agent %s not found", recipientAgentID)
	}
	pre := snapshot(map[string]*agent.Agent{"donor": donorBefore, "recipient": recipientBefore})

	if err := s.registry.AdjustCapacity(donorAgentID, -amount); err != nil {
		return nil, err
	}
	if err := s.registry.AdjustCapacity(recipientAgentID, amount); err != nil {
		// Roll back the donor's reduction; the recipient side failed.
		_ = s.registry.AdjustCapacity(donorAgentID, amount)
		return nil, err
	}

	donorAfter, _ := s.registry.Get(donorAgentID)
	recipientAfter, _ := s.registry.Get(recipientAgentID)
	post := snapshot(map[string]*agent.Agent{"donor": donorAfter, "recipient": recipientAfter})

	action := s.record(actorAgentID, issuerLevel, ActionReallocateCapacity, donorAgentID+">"+recipientAgentID, pre, post, s.clock.Now())
	return action, s.publish(ctx, action)
}

// QuarantineAgent sets agentID quarantined, halting new assignments while
// preserving in-flight state for forensics (spec §4.9's quarantine_agent).
func (s *Supervisor) QuarantineAgent(ctx context.Context, actorAgentID string, issuerLevel Level, agentID, reason string) (*SupervisorAction, error) {
	if err := s.authorize(ActionQuarantineAgent, issuerLevel); err != nil {
		return nil, err
	}
	before, ok := s.registry.Get(agentID)
	if !ok {
		return nil, kernelerr.New(kernelerr.KindNotFound, "agent %s not found", agentID)
	}
	pre := snapshot(before)

	if err := s.registry.Transition(ctx, agentID, agent.StatusQuarantined); err != nil {
		return nil, err
	}
	after, _ := s.registry.Get(agentID)

	action := s.record(actorAgentID, issuerLevel, ActionQuarantineAgent, agentID, pre, snapshot(after), s.clock.Now())
	action.appendAudit(s.clock.Now(), "reason", reason)
	return action, s.publish(ctx, action)
}

func (s *Supervisor) publish(ctx context.Context, action *SupervisorAction) error {
	return s.bus.Publish(ctx, TopicActionTaken, action.Target, "supervisor", map[string]any{
		"action_id": action.ID, "action_type": action.ActionType, "target": action.Target,
	})
}

// Revert reverses actionID, restoring its pre-state snapshot, provided the
// reverting actor's authority is >= the original issuer's, the revert
// window has not elapsed, and no later action has been issued against the
// same target (spec §4.9: otherwise rejected with cascaded_state).
func (s *Supervisor) Revert(ctx context.Context, actorAgentID string, issuerLevel Level, actionID string) error {
	s.mu.Lock()
	action, ok := s.actions[actionID]
	if !ok {
		s.mu.Unlock()
		return kernelerr.New(kernelerr.KindNotFound, "supervisor action %s not found", actionID)
	}
	if action.Reversed {
		s.mu.Unlock()
		return nil
	}
	if issuerLevel < action.AuthorityLevel {
		s.mu.Unlock()
		return kernelerr.New(kernelerr.KindNotAuthorized, "revert requires authority >= %d, got %d", action.AuthorityLevel, issuerLevel)
	}
	now := s.clock.Now()
	if now.After(action.RevertDeadline) {
		s.mu.Unlock()
		return kernelerr.New(kernelerr.KindConflict, "revert window for action %s has elapsed", actionID)
	}
	history := s.targetActions[action.Target]
	if len(history) > 0 && history[len(history)-1] != actionID {
		s.mu.Unlock()
		return kernelerr.New(kernelerr.KindCascadedState, "action %s has downstream actions against %s and cannot be reverted", actionID, action.Target)
	}
	s.mu.Unlock()

	if err := s.restore(ctx, action); err != nil {
		return err
	}

	s.mu.Lock()
	action.Reversed = true
	action.appendAudit(now, "reverted", fmt.Sprintf("actor=%s level=%d", actorAgentID, issuerLevel))
	s.mu.Unlock()

	if err := s.persist(action); err != nil {
		return err
	}

	return s.bus.Publish(ctx, TopicReverted, action.Target, "supervisor", map[string]any{
		"action_id": action.ID, "action_type": action.ActionType,
	})
}

// restore applies action's PreState back onto the live entity. Only
// cancel_task and override_priority restore task fields directly;
// quarantine_agent restoration returns the agent to idle (the spec does
// not define a richer pre-quarantine state to restore beyond status).
func (s *Supervisor) restore(ctx context.Context, action *SupervisorAction) error {
	switch action.ActionType {
	case ActionCancelTask:
		var pre task.Task
		if err := json.Unmarshal([]byte(action.PreState), &pre); err != nil {
			return kernelerr.Wrap(kernelerr.KindConflict, err, "decode pre-state for action %s", action.ID)
		}
		return s.sched.Store().Update(action.Target, func(t *task.Task) {
			t.Status = pre.Status
			t.AssignedAgentID = pre.AssignedAgentID
		})
	case ActionOverridePriority:
		var pre task.Task
		if err := json.Unmarshal([]byte(action.PreState), &pre); err != nil {
			return kernelerr.Wrap(kernelerr.KindConflict, err, "decode pre-state for action %s", action.ID)
		}
		return s.sched.Store().Update(action.Target, func(t *task.Task) { t.Priority = pre.Priority })
	case ActionQuarantineAgent:
		return s.registry.Transition(ctx, action.Target, agent.StatusIdle)
	case ActionReallocateCapacity:
		donorID, recipientID, ok := splitTarget(action.Target)
		if !ok {
			return kernelerr.New(kernelerr.KindConflict, "malformed reallocate_capacity target %s for action %s", action.Target, action.ID)
		}
		var pre struct {
			Donor     *agent.Agent `json:"donor"`
			Recipient *agent.Agent `json:"recipient"`
		}
		if err := json.Unmarshal([]byte(action.PreState), &pre); err != nil {
			return kernelerr.Wrap(kernelerr.KindConflict, err, "decode pre-state for action %s", action.ID)
		}
		if pre.Donor == nil || pre.Recipient == nil {
			return kernelerr.New(kernelerr.KindConflict, "incomplete pre-state for action %s", action.ID)
		}
		if err := s.registry.SetCapacity(donorID, pre.Donor.Capacity.MaxConcurrentTasks); err != nil {
			return err
		}
		return s.registry.SetCapacity(recipientID, pre.Recipient.Capacity.MaxConcurrentTasks)
	default:
		return kernelerr.New(kernelerr.KindConflict, "unknown action type %s", action.ActionType)
	}
}

// RecordTaskFailure feeds the quarantine heuristic (spec's SUPPLEMENTED
// FEATURES: borrowed from the retrieval pack's circuit-breaker shape): N
// consecutive task failures by the same agent raise a quarantine
// recommendation for a guardian to act on, rather than quarantining
// automatically (quarantine_agent itself always requires an authorized
// actor).
func (s *Supervisor) RecordTaskFailure(ctx context.Context, agentID string) {
	s.mu.Lock()
	s.failureCounts[agentID]++
	count := s.failureCounts[agentID]
	s.mu.Unlock()

	if count < s.cfg.QuarantineFailureThreshold {
		return
	}
	_ = s.bus.Publish(ctx, TopicQuarantineRec, agentID, "supervisor", map[string]any{
		"agent_id": agentID, "failure_count": count,
	})
}

// RecordTaskSuccess resets the quarantine heuristic's failure counter for
// agentID.
func (s *Supervisor) RecordTaskSuccess(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failureCounts, agentID)
}

// Get returns a supervisor action by ID.
func (s *Supervisor) Get(actionID string) (*SupervisorAction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[actionID]
	return a, ok
}

// splitTarget recovers the donor/recipient agent IDs from a
// reallocate_capacity action's Target field (recorded as "donor>recipient").
func splitTarget(target string) (donorID, recipientID string, ok bool) {
	donorID, recipientID, ok = strings.Cut(target, ">")
	return
}
