package validation

import (
	"context"
	"log/slog"
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

// Topic names the loop publishes.
const (
	TopicReviewSubmitted = "validation.review_submitted"
	TopicAssigned        = "validation.assigned"
)

// Config tunes the per-iteration validation timeout.
type Config struct {
	// IterationTimeout is how long a validator has to submit a review
	// before the task is forced to failed(reason=validation_timeout).
	IterationTimeout time.Duration
}

// DefaultConfig returns the loop's default tuning (spec §4.7: 30 minutes).
func DefaultConfig() Config {
	return Config{IterationTimeout: 30 * time.Minute}
}

// Persister is the optional write-through hook into the persistence
// façade, mirroring task.Persister. Defined here rather than taking
// internal/store directly to avoid an import cycle.
type Persister interface {
	InsertReview(ctx context.Context, r *Review) error
}

// Loop is the validation loop component (C7): it binds a validator agent to
// an under_review task, accepts exactly one review per validation
// iteration, and enforces the per-iteration timeout. It generalizes the
// teacher's workflow-orchestrator triggerRetry feedback plumbing
// (processor/workflow-orchestrator/component.go) to the kernel's per-task
// validation iteration model.
type Loop struct {
	bus      busx.Bus
	clock    kclock.Clock
	sched    *task.Scheduler
	registry *agent.Registry
	dq       *kclock.DeadlineQueue
	cfg      Config
	log      *slog.Logger

	mu       sync.Mutex
	reviews  map[string][]*Review // taskID -> reviews, append-only history
	cancels  map[string]func()    // taskID -> cancel func for its pending timeout deadline

	// Metrics is optional; assigned post-construction by kernel wiring.
	Metrics *kmetrics.Metrics

	// Persist is optional; assigned post-construction once a persistence
	// façade is configured. Every submitted review writes through it.
	Persist Persister
}

// NewLoop builds a validation loop. dq arms the per-iteration timeouts;
// kernel.New gives the loop a queue of its own.
func NewLoop(bus busx.Bus, clock kclock.Clock, sched *task.Scheduler, registry *agent.Registry, dq *kclock.DeadlineQueue, cfg Config, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		bus: bus, clock: clock, sched: sched, registry: registry, dq: dq, cfg: cfg, log: log,
		reviews: make(map[string][]*Review),
		cancels: make(map[string]func()),
	}
}

// LoadAll seeds the loop's review history from a snapshot already durable
// in the persistence façade (kernel startup hydration). Reviews are
// append-only and carry no pending timeout state to restore: any task that
// was mid-iteration at the time of the restart re-arms its timeout the next
// time AssignValidator runs for it.
func (l *Loop) LoadAll(reviews []*Review) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range reviews {
		l.reviews[r.TaskID] = append(l.reviews[r.TaskID], r)
	}
}

func (l *Loop) persist(r *Review) error {
	if l.Persist == nil {
		return nil
	}
	if err := l.Persist.InsertReview(context.Background(), r); err != nil {
		return kernelerr.Wrap(kernelerr.KindStoreUnavailable, err, "persist review %s", r.ID)
	}
	return nil
}

// AssignValidator finds an idle validator agent bound to the task's phase
// (or any phase if none are phase-bound), transitions the task
// under_review -> validation_in_progress, binds the validator, and arms the
// per-iteration timeout.
func (l *Loop) AssignValidator(ctx context.Context, taskID string) error {
	t, ok := l.sched.Get(taskID)
	if !ok {
		return kernelerr.New(kernelerr.KindNotFound, "task %s not found", taskID)
	}
	if t.Status != task.StatusUnderReview {
		return kernelerr.New(kernelerr.KindInvalidTransition, "task %s is %s, not under_review", taskID, t.Status)
	}

	candidates := l.registry.CandidatesByType(agent.TypeValidator, t.PhaseID)
	if len(candidates) == 0 {
		return kernelerr.New(kernelerr.KindNotFound, "no idle validator available for task %s", taskID)
	}
	validatorID := candidates[0]

	now := l.clock.Now()
	if err := l.sched.Store().Update(taskID, func(cur *task.Task) { _ = task.BeginValidation(cur, now) }); err != nil {
		return err
	}
	if err := l.registry.BindTask(ctx, validatorID, taskID); err != nil {
		_ = l.sched.Store().Update(taskID, func(cur *task.Task) { cur.Status = task.StatusUnderReview })
		return err
	}

	l.armTimeout(taskID, validatorID, t.ValidationIteration)

	return l.bus.Publish(ctx, TopicAssigned, taskID, "validation", map[string]any{
		"task_id": taskID, "validator_agent_id": validatorID, "iteration": t.ValidationIteration,
	})
}

func (l *Loop) armTimeout(taskID, validatorID string, iteration int) {
	l.mu.Lock()
	if cancel, ok := l.cancels[taskID]; ok {
		cancel()
	}
	deadline := l.clock.Now().Add(l.cfg.IterationTimeout)
	l.cancels[taskID] = l.dq.Schedule(deadline, func(now time.Time) {
		l.onTimeout(taskID, validatorID, iteration, now)
	})
	l.mu.Unlock()
}

func (l *Loop) onTimeout(taskID, validatorID string, iteration int, now time.Time) {
	l.mu.Lock()
	delete(l.cancels, taskID)
	l.mu.Unlock()

	t, ok := l.sched.Get(taskID)
	if !ok || t.Status != task.StatusValidationInProgress || t.ValidationIteration != iteration {
		// Already resolved (review came in, or task moved on) - stale fire.
		return
	}
	if err := l.sched.Store().Update(taskID, func(cur *task.Task) { task.Fail(cur, now) }); err != nil {
		l.log.Warn("validation timeout: fail transition rejected", "task_id", taskID, "error", err)
		return
	}
	if err := l.registry.Transition(context.Background(), validatorID, agent.StatusIdle); err != nil {
		l.log.Warn("validation timeout: validator idle transition failed", "agent_id", validatorID, "error", err)
	}
	if err := l.bus.Publish(context.Background(), task.TopicFailed, taskID, "validation", map[string]string{
		"task_id": taskID, "reason": string(kernelerr.KindValidationTimeout),
	}); err != nil {
		l.log.Warn("validation timeout: publish task.failed failed", "task_id", taskID, "error", err)
	}
}

// GiveReview accepts a validator's verdict for taskID. Exactly one review
// per iteration is accepted: iterationNumber must equal the task's current
// validation_iteration, and the caller must be a registered agent of type
// validator (spec §4.7).
func (l *Loop) GiveReview(ctx context.Context, taskID, validatorAgentID string, iterationNumber int, passed bool, feedback string, evidence, recommendations []string) error {
	a, ok := l.registry.Get(validatorAgentID)
	if !ok {
		return kernelerr.New(kernelerr.KindNotFound, "agent %s not found", validatorAgentID)
	}
	if a.Type != agent.TypeValidator {
		return kernelerr.New(kernelerr.KindNotAuthorized, "agent %s is not a validator", validatorAgentID)
	}

	t, ok := l.sched.Get(taskID)
	if !ok {
		return kernelerr.New(kernelerr.KindNotFound, "task %s not found", taskID)
	}
	if t.Status != task.StatusValidationInProgress {
		return kernelerr.New(kernelerr.KindInvalidTransition, "task %s is %s, not validation_in_progress", taskID, t.Status)
	}
	if iterationNumber != t.ValidationIteration {
		return kernelerr.New(kernelerr.KindConflict, "review iteration %d does not match task's current iteration %d", iterationNumber, t.ValidationIteration)
	}

	l.mu.Lock()
	if cancel, ok := l.cancels[taskID]; ok {
		cancel()
		delete(l.cancels, taskID)
	}
	l.mu.Unlock()

	review := &Review{
		ID:               uuid.New().String(),
		TaskID:           taskID,
		ValidatorAgentID: validatorAgentID,
		IterationNumber:  iterationNumber,
		Passed:           passed,
		Feedback:         feedback,
		Evidence:         evidence,
		Recommendations:  recommendations,
		SubmittedAt:      l.clock.Now(),
	}
	l.mu.Lock()
	l.reviews[taskID] = append(l.reviews[taskID], review)
	l.mu.Unlock()

	if err := l.persist(review); err != nil {
		return err
	}

	if err := l.registry.Transition(ctx, validatorAgentID, agent.StatusIdle); err != nil {
		l.log.Warn("validator idle transition after review failed", "agent_id", validatorAgentID, "error", err)
	}

	if err := l.sched.ApplyValidation(ctx, taskID, passed, feedback); err != nil {
		return err
	}
	if passed && l.Metrics != nil {
		l.Metrics.ValidationIterations.WithLabelValues(t.PhaseID).Observe(float64(iterationNumber))
	}

	return l.bus.Publish(ctx, TopicReviewSubmitted, taskID, "validation", map[string]any{
		"task_id": taskID, "review_id": review.ID, "iteration": iterationNumber, "passed": passed,
	})
}

// Reviews returns the immutable history of reviews submitted for taskID, in
// submission order.
func (l *Loop) Reviews(taskID string) []*Review {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Review, len(l.reviews[taskID]))
	copy(out, l.reviews[taskID])
	return out
}
