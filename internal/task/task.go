// Package task implements the task entity's state machine and the kernel's
// dependency DAG, priority/phase/capability dispatch, and validation
// feedback-loop bookkeeping described in the orchestration spec's task
// queue & scheduler component. Its dependency bookkeeping generalizes the
// teacher's processor/task-dispatcher/dependencies.go DependencyGraph from
// a single-plan Kahn's-algorithm graph to a live, mutable task store.
package task

import (
	"time"
)

// Priority orders tasks for dispatch selection.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String renders the priority the way it appears in events and logs.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Bump returns the next priority rank up, clamped at Critical — used by the
// discovery service's priority_boost.
func (p Priority) Bump() Priority {
	if p >= PriorityCritical {
		return PriorityCritical
	}
	return p + 1
}

// Status is the task's position in the state machine.
type Status string

const (
	StatusPending               Status = "pending"
	StatusAssigned              Status = "assigned"
	StatusInProgress            Status = "in_progress"
	StatusUnderReview           Status = "under_review"
	StatusValidationInProgress  Status = "validation_in_progress"
	StatusNeedsWork             Status = "needs_work"
	StatusDone                  Status = "done"
	StatusFailed                Status = "failed"
	StatusBlocked               Status = "blocked"
)

// validTransitions enumerates the task state machine's edges, per the
// spec's §4.4 diagram. "any -> blocked" and "any -> failed" are handled
// separately in CanTransition since they apply from every non-terminal
// state.
var validTransitions = map[Status][]Status{
	StatusPending:              {StatusAssigned, StatusBlocked},
	StatusAssigned:             {StatusInProgress, StatusBlocked, StatusFailed},
	StatusInProgress:           {StatusUnderReview, StatusDone, StatusFailed, StatusBlocked},
	StatusUnderReview:          {StatusValidationInProgress, StatusDone, StatusNeedsWork, StatusFailed},
	StatusValidationInProgress: {StatusDone, StatusNeedsWork, StatusFailed},
	StatusNeedsWork:            {StatusInProgress, StatusAssigned, StatusFailed, StatusBlocked},
	StatusBlocked:              {StatusPending, StatusAssigned, StatusInProgress, StatusFailed},
}

var terminal = map[Status]bool{
	StatusDone:   true,
	StatusFailed: true,
}

// CanTransition reports whether from -> to is a legal state-machine edge.
func CanTransition(from, to Status) bool {
	if terminal[from] {
		return false
	}
	if to == StatusFailed || to == StatusBlocked {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Task is the data model's Task entity.
type Task struct {
	ID                     string
	TicketID               string
	PhaseID                string
	Priority               Priority
	Status                 Status
	RequiredCapabilities   []string
	Dependencies           map[string]struct{}
	ParentTaskID           string
	ValidationEnabled      bool
	ValidationIteration    int
	LastValidationFeedback string
	AssignedAgentID        string
	RetryCount             int
	BlockedReason          string
	CreatedAt              time.Time
	StartedAt              time.Time
	CompletedAt            time.Time
	UpdatedAt              time.Time
}

// DependenciesDone reports whether every dependency ID is present (and
// thus done) in doneSet.
func (t *Task) DependenciesDone(doneSet map[string]struct{}) bool {
	for dep := range t.Dependencies {
		if _, ok := doneSet[dep]; !ok {
			return false
		}
	}
	return true
}

// HasCapabilities reports whether agentCaps is a superset of the task's
// required capabilities.
func (t *Task) HasCapabilities(agentCaps map[string]struct{}) bool {
	for _, c := range t.RequiredCapabilities {
		if _, ok := agentCaps[c]; !ok {
			return false
		}
	}
	return true
}
