package validation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentkernel/internal/agent"
	"github.com/c360studio/agentkernel/internal/busx"
	"github.com/c360studio/agentkernel/internal/kclock"
	"github.com/c360studio/agentkernel/internal/kernelerr"
	"github.com/c360studio/agentkernel/internal/task"
)

type harness struct {
	loop  *Loop
	sched *task.Scheduler
	reg   *agent.Registry
	clock *kclock.Fake
	dq    *kclock.DeadlineQueue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bus := busx.NewInProcessBus(busx.DefaultConfig(), nil)
	t.Cleanup(func() { _ = bus.Close() })

	clock := kclock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	reg := agent.NewRegistry(bus, clock, agent.DefaultConfig(), nil)
	t.Cleanup(reg.Close)

	store := task.NewStore()
	sched := task.NewScheduler(store, reg, bus, clock, nil, task.DefaultConfig(), nil)

	dq := kclock.NewDeadlineQueue(clock)
	t.Cleanup(dq.Stop)

	cfg := DefaultConfig()
	cfg.IterationTimeout = 10 * time.Minute
	loop := NewLoop(bus, clock, sched, reg, dq, cfg, nil)

	return &harness{loop: loop, sched: sched, reg: reg, clock: clock, dq: dq}
}

func newUnderReviewTask(t *testing.T, h *harness, taskID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.sched.Create(ctx, &task.Task{
		ID: taskID, TicketID: "tk1", PhaseID: "implementation",
		Priority: task.PriorityHigh, ValidationEnabled: true,
	}))

	res, err := h.reg.Register(ctx, agent.RegistrationRequest{Type: agent.TypeWorker, PhaseID: "implementation"})
	require.NoError(t, err)
	require.NoError(t, h.sched.Store().Update(taskID, func(cur *task.Task) {
		require.NoError(t, task.Assign(cur, res.Agent.ID, h.clock.Now()))
		require.NoError(t, task.Start(cur, h.clock.Now()))
	}))
	require.NoError(t, h.reg.BindTask(ctx, res.Agent.ID, taskID))
	require.NoError(t, h.sched.Complete(ctx, taskID))

	tk, ok := h.sched.Get(taskID)
	require.True(t, ok)
	require.Equal(t, task.StatusUnderReview, tk.Status)
}

func registerValidator(t *testing.T, h *harness) string {
	t.Helper()
	res, err := h.reg.Register(context.Background(), agent.RegistrationRequest{
		Type: agent.TypeValidator, PhaseID: "implementation",
	})
	require.NoError(t, err)
	return res.Agent.ID
}

func TestAssignValidator_BindsAndTransitions(t *testing.T) {
	h := newHarness(t)
	newUnderReviewTask(t, h, "tsk1")
	validatorID := registerValidator(t, h)

	require.NoError(t, h.loop.AssignValidator(context.Background(), "tsk1"))

	tk, ok := h.sched.Get("tsk1")
	require.True(t, ok)
	assert.Equal(t, task.StatusValidationInProgress, tk.Status)
	v, ok := h.reg.Get(validatorID)
	require.True(t, ok)
	assert.Equal(t, "tsk1", v.CurrentTaskID)
}

func TestGiveReview_PassCompletesTask(t *testing.T) {
	h := newHarness(t)
	newUnderReviewTask(t, h, "tsk1")
	validatorID := registerValidator(t, h)
	require.NoError(t, h.loop.AssignValidator(context.Background(), "tsk1"))

	require.NoError(t, h.loop.GiveReview(context.Background(), "tsk1", validatorID, 1, true, "looks good", nil, nil))

	tk, ok := h.sched.Get("tsk1")
	require.True(t, ok)
	assert.Equal(t, task.StatusDone, tk.Status)

	reviews := h.loop.Reviews("tsk1")
	require.Len(t, reviews, 1)
	assert.Equal(t, 1, reviews[0].IterationNumber)
	assert.True(t, reviews[0].Passed)
}

func TestGiveReview_FailThenResumeThenPass_RecordsTwoIterations(t *testing.T) {
	h := newHarness(t)
	newUnderReviewTask(t, h, "tsk1")
	validatorID := registerValidator(t, h)
	require.NoError(t, h.loop.AssignValidator(context.Background(), "tsk1"))

	require.NoError(t, h.loop.GiveReview(context.Background(), "tsk1", validatorID, 1, false, "missing tests", nil, nil))

	tk, ok := h.sched.Get("tsk1")
	require.True(t, ok)
	assert.Equal(t, task.StatusInProgress, tk.Status)

	require.NoError(t, h.sched.Complete(context.Background(), "tsk1"))
	tk, ok = h.sched.Get("tsk1")
	require.True(t, ok)
	require.Equal(t, task.StatusUnderReview, tk.Status)
	require.Equal(t, 2, tk.ValidationIteration)

	require.NoError(t, h.loop.AssignValidator(context.Background(), "tsk1"))
	require.NoError(t, h.loop.GiveReview(context.Background(), "tsk1", validatorID, 2, true, "now good", nil, nil))

	tk, ok = h.sched.Get("tsk1")
	require.True(t, ok)
	assert.Equal(t, task.StatusDone, tk.Status)

	reviews := h.loop.Reviews("tsk1")
	require.Len(t, reviews, 2)
	assert.Equal(t, 1, reviews[0].IterationNumber)
	assert.Equal(t, 2, reviews[1].IterationNumber)
}

func TestGiveReview_RejectsNonValidatorAgent(t *testing.T) {
	h := newHarness(t)
	newUnderReviewTask(t, h, "tsk1")
	registerValidator(t, h)
	require.NoError(t, h.loop.AssignValidator(context.Background(), "tsk1"))

	res, err := h.reg.Register(context.Background(), agent.RegistrationRequest{Type: agent.TypeWorker, PhaseID: "implementation"})
	require.NoError(t, err)

	err = h.loop.GiveReview(context.Background(), "tsk1", res.Agent.ID, 1, true, "x", nil, nil)
	require.Error(t, err)
	assert.True(t, kernelerr.Is(err, kernelerr.KindNotAuthorized))
}

func TestGiveReview_RejectsStaleIteration(t *testing.T) {
	h := newHarness(t)
	newUnderReviewTask(t, h, "tsk1")
	validatorID := registerValidator(t, h)
	require.NoError(t, h.loop.AssignValidator(context.Background(), "tsk1"))

	err := h.loop.GiveReview(context.Background(), "tsk1", validatorID, 2, true, "x", nil, nil)
	require.Error(t, err)
	assert.True(t, kernelerr.Is(err, kernelerr.KindConflict))
}

// fakeReviewPersister records every InsertReview call.
type fakeReviewPersister struct {
	calls []*Review
}

func (f *fakeReviewPersister) InsertReview(_ context.Context, r *Review) error {
	f.calls = append(f.calls, r)
	return nil
}

func TestGiveReview_WritesThroughPersist(t *testing.T) {
	h := newHarness(t)
	fake := &fakeReviewPersister{}
	h.loop.Persist = fake
	newUnderReviewTask(t, h, "tsk1")
	validatorID := registerValidator(t, h)
	require.NoError(t, h.loop.AssignValidator(context.Background(), "tsk1"))

	require.NoError(t, h.loop.GiveReview(context.Background(), "tsk1", validatorID, 1, true, "looks good", nil, nil))

	require.Len(t, fake.calls, 1)
	assert.Equal(t, "tsk1", fake.calls[0].TaskID)
	assert.True(t, fake.calls[0].Passed)
}

func TestLoadAll_SeedsReviewHistory(t *testing.T) {
	h := newHarness(t)
	prior := &Review{ID: "r1", TaskID: "tsk1", ValidatorAgentID: "v1", IterationNumber: 1, Passed: false, Feedback: "missing tests"}
	h.loop.LoadAll([]*Review{prior})

	reviews := h.loop.Reviews("tsk1")
	require.Len(t, reviews, 1)
	assert.Equal(t, "missing tests", reviews[0].Feedback)
}

func TestIterationTimeout_ForcesFailed(t *testing.T) {
	h := newHarness(t)
	newUnderReviewTask(t, h, "tsk1")
	registerValidator(t, h)
	require.NoError(t, h.loop.AssignValidator(context.Background(), "tsk1"))

	h.clock.Advance(11 * time.Minute)

	require.Eventually(t, func() bool {
		tk, ok := h.sched.Get("tsk1")
		return ok && tk.Status == task.StatusFailed
	}, time.Second, 5*time.Millisecond)
}
