package ticket

import "time"

// ApprovalStatus is the human-approval gate's state (C10).
type ApprovalStatus string

const (
	ApprovalNotRequired   ApprovalStatus = "not_required"
	ApprovalPendingReview ApprovalStatus = "pending_review"
	ApprovalApproved      ApprovalStatus = "approved"
	ApprovalRejected      ApprovalStatus = "rejected"
	ApprovalTimedOut      ApprovalStatus = "timed_out"
)

// Priority mirrors task.Priority at the ticket level (spec §3: tickets
// carry their own priority, separate from per-task priority).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// Ticket is the data model's Ticket entity. Status names the board column
// the ticket currently occupies; PhaseID is tracked separately and must
// remain a member of that column's phase_mapping (the kernel's core
// invariant).
type Ticket struct {
	ID                  string
	Status              string // board column ID
	PhaseID             string
	ApprovalStatus      ApprovalStatus
	Priority            Priority
	ApprovalDeadlineAt  time.Time
	RequestedByAgentID  string
	Context             string
	ContextSummary      string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TaskActivityChecker is supplied by the caller (backed by the scheduler's
// task store) so this package can ask whether a ticket has active tasks
// without importing the task package, avoiding a ticket<->task import
// cycle (the scheduler already imports this package's ApprovalGate). The
// Engine holds the checker it is given; Create and Approve do not consult
// it.
type TaskActivityChecker interface {
	HasActiveWork(ticketID string) bool
}
