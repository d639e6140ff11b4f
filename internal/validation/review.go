// Package validation implements the validation loop (C7): spawning a
// validator agent onto an under_review task, accepting exactly one review
// per iteration, and driving the pass/needs_work feedback cycle. It
// generalizes the teacher's workflow-orchestrator retry/feedback plumbing
// (processor/workflow-orchestrator/component.go's triggerRetry) from a
// single plan-review loop to the kernel's per-task validation iteration
// model.
package validation

import "time"

// Review is the data model's ValidationReview entity. Immutable after
// write; IterationNumber must equal the task's validation_iteration at the
// moment of creation (enforced by Loop.GiveReview, not by this struct).
type Review struct {
	ID              string
	TaskID          string
	ValidatorAgentID string
	IterationNumber int
	Passed          bool
	Feedback        string
	Evidence        []string
	Recommendations []string
	SubmittedAt     time.Time
}
