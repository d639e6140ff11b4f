package task

import (
	"time"

	"github.com/c360studio/agentkernel/internal/kernelerr"
)

func invalid(t *Task, to Status) error {
	return kernelerr.New(kernelerr.KindInvalidTransition, "task %s cannot move %s -> %s", t.ID, t.Status, to)
}

// Assign binds agentID to t, moving pending/needs_work -> assigned.
func Assign(t *Task, agentID string, now time.Time) error {
	if !CanTransition(t.Status, StatusAssigned) {
		return invalid(t, StatusAssigned)
	}
	t.Status = StatusAssigned
	t.AssignedAgentID = agentID
	t.UpdatedAt = now
	return nil
}

// Start moves assigned -> in_progress, stamping StartedAt on first entry.
func Start(t *Task, now time.Time) error {
	if !CanTransition(t.Status, StatusInProgress) {
		return invalid(t, StatusInProgress)
	}
	t.Status = StatusInProgress
	if t.StartedAt.IsZero() {
		t.StartedAt = now
	}
	t.UpdatedAt = now
	return nil
}

// Complete moves in_progress -> under_review (validation enabled) or done
// (validation disabled), per spec §4.4 and the under_review/
// validation_in_progress open-question decision recorded in DESIGN.md.
func Complete(t *Task, now time.Time) error {
	if t.ValidationEnabled {
		if !CanTransition(t.Status, StatusUnderReview) {
			return invalid(t, StatusUnderReview)
		}
		t.Status = StatusUnderReview
		t.ValidationIteration++
		t.UpdatedAt = now
		return nil
	}
	if !CanTransition(t.Status, StatusDone) {
		return invalid(t, StatusDone)
	}
	t.Status = StatusDone
	t.CompletedAt = now
	t.UpdatedAt = now
	return nil
}

// BeginValidation moves under_review -> validation_in_progress once a
// validator agent is bound to the task.
func BeginValidation(t *Task, now time.Time) error {
	if !CanTransition(t.Status, StatusValidationInProgress) {
		return invalid(t, StatusValidationInProgress)
	}
	t.Status = StatusValidationInProgress
	t.UpdatedAt = now
	return nil
}

// ApplyValidation records a validator's verdict: pass -> done, fail ->
// needs_work with feedback stored for delivery to the originating agent.
func ApplyValidation(t *Task, passed bool, feedback string, now time.Time) error {
	if passed {
		if !CanTransition(t.Status, StatusDone) {
			return invalid(t, StatusDone)
		}
		t.Status = StatusDone
		t.CompletedAt = now
		t.UpdatedAt = now
		return nil
	}
	if !CanTransition(t.Status, StatusNeedsWork) {
		return invalid(t, StatusNeedsWork)
	}
	t.Status = StatusNeedsWork
	t.LastValidationFeedback = feedback
	t.UpdatedAt = now
	return nil
}

// Resume moves needs_work back to in_progress, reusing the existing
// assignee (the caller decides whether that agent is still available;
// if not it falls through to ordinary dispatch from assigned).
func Resume(t *Task, now time.Time) error {
	if !CanTransition(t.Status, StatusInProgress) {
		return invalid(t, StatusInProgress)
	}
	t.Status = StatusInProgress
	t.UpdatedAt = now
	return nil
}

// Requeue moves needs_work (or an assigned task whose agent could not be
// bound) back to pending when the original assignee is no longer
// available, clearing the binding so ordinary dispatch can pick it up.
func Requeue(t *Task, now time.Time) error {
	if t.Status != StatusNeedsWork && t.Status != StatusAssigned && !CanTransition(t.Status, StatusPending) {
		return invalid(t, StatusPending)
	}
	t.Status = StatusPending
	t.AssignedAgentID = ""
	t.UpdatedAt = now
	return nil
}

// Fail moves t to failed from any non-terminal state, recording retry
// bookkeeping.
func Fail(t *Task, now time.Time) {
	t.Status = StatusFailed
	t.CompletedAt = now
	t.UpdatedAt = now
}

// Block moves t to blocked with reason, preserving the current assignment
// for potential resumption per spec §4.4's timeout handling.
func Block(t *Task, reason string, now time.Time) {
	t.Status = StatusBlocked
	t.BlockedReason = reason
	t.UpdatedAt = now
}

// Unblock returns a blocked task to pending, clearing the reason.
func Unblock(t *Task, now time.Time) error {
	if !CanTransition(t.Status, StatusPending) {
		return invalid(t, StatusPending)
	}
	t.Status = StatusPending
	t.BlockedReason = ""
	t.UpdatedAt = now
	return nil
}
