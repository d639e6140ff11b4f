package diagnostic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentkernel/internal/agent"
	"github.com/c360studio/agentkernel/internal/busx"
	"github.com/c360studio/agentkernel/internal/discovery"
	"github.com/c360studio/agentkernel/internal/kclock"
	"github.com/c360studio/agentkernel/internal/task"
)

type fakeTicketLister struct{ ids []string }

func (f fakeTicketLister) ActiveTicketIDs() []string { return f.ids }

type fakeResultChecker struct{ validated map[string]bool }

func (f fakeResultChecker) HasValidatedResult(ticketID string) bool { return f.validated[ticketID] }

func newHarness(t *testing.T, validated bool) (*Monitor, *task.Scheduler, *kclock.Fake) {
	t.Helper()
	bus := busx.NewInProcessBus(busx.DefaultConfig(), nil)
	t.Cleanup(func() { _ = bus.Close() })

	clock := kclock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	reg := agent.NewRegistry(bus, clock, agent.DefaultConfig(), nil)
	t.Cleanup(reg.Close)

	store := task.NewStore()
	sched := task.NewScheduler(store, reg, bus, clock, nil, task.DefaultConfig(), nil)
	disc := discovery.New(bus, clock, sched)

	cfg := DefaultConfig()
	mon := New(bus, clock, sched, disc, fakeTicketLister{ids: []string{"tk1"}}, fakeResultChecker{validated: map[string]bool{"tk1": validated}}, cfg, nil)
	return mon, sched, clock
}

func TestSweepOnce_TriggersRecoveryForStuckWorkflow(t *testing.T) {
	mon, sched, clock := newHarness(t, false)
	ctx := context.Background()

	require.NoError(t, sched.Create(ctx, &task.Task{
		ID: "q1", TicketID: "tk1", PhaseID: "implementation", Priority: task.PriorityHigh,
	}))
	require.NoError(t, sched.Store().Update("q1", func(cur *task.Task) {
		require.NoError(t, task.Assign(cur, "agent1", clock.Now()))
		require.NoError(t, task.Start(cur, clock.Now()))
		require.NoError(t, task.Complete(cur, clock.Now()))
	}))

	clock.Advance(61 * time.Second)
	mon.SweepOnce(ctx)

	runs := mon.Runs("tk1")
	require.Len(t, runs, 1)
	assert.Equal(t, RunTriggered, runs[0].Status)
	assert.Len(t, runs[0].SpawnedTaskIDs, 1)
}

func TestSweepOnce_SkipsWhenResultValidated(t *testing.T) {
	mon, sched, clock := newHarness(t, true)
	ctx := context.Background()

	require.NoError(t, sched.Create(ctx, &task.Task{
		ID: "q1", TicketID: "tk1", PhaseID: "implementation", Priority: task.PriorityHigh,
	}))
	require.NoError(t, sched.Store().Update("q1", func(cur *task.Task) {
		require.NoError(t, task.Assign(cur, "agent1", clock.Now()))
		require.NoError(t, task.Start(cur, clock.Now()))
		require.NoError(t, task.Complete(cur, clock.Now()))
	}))

	clock.Advance(61 * time.Second)
	mon.SweepOnce(ctx)

	assert.Empty(t, mon.Runs("tk1"))
}

func TestSweepOnce_CooldownPreventsSecondTrigger(t *testing.T) {
	mon, sched, clock := newHarness(t, false)
	ctx := context.Background()

	require.NoError(t, sched.Create(ctx, &task.Task{
		ID: "q1", TicketID: "tk1", PhaseID: "implementation", Priority: task.PriorityHigh,
	}))
	require.NoError(t, sched.Store().Update("q1", func(cur *task.Task) {
		require.NoError(t, task.Assign(cur, "agent1", clock.Now()))
		require.NoError(t, task.Start(cur, clock.Now()))
		require.NoError(t, task.Complete(cur, clock.Now()))
	}))

	clock.Advance(61 * time.Second)
	mon.SweepOnce(ctx)
	require.Len(t, mon.Runs("tk1"), 1)

	clock.Advance(1 * time.Second)
	mon.SweepOnce(ctx)
	assert.Len(t, mon.Runs("tk1"), 1, "still within cooldown")
}

func TestSweepOnce_SkipsWhenTaskActive(t *testing.T) {
	mon, sched, clock := newHarness(t, false)
	ctx := context.Background()

	require.NoError(t, sched.Create(ctx, &task.Task{
		ID: "q1", TicketID: "tk1", PhaseID: "implementation", Priority: task.PriorityHigh,
	}))

	clock.Advance(61 * time.Second)
	mon.SweepOnce(ctx)

	assert.Empty(t, mon.Runs("tk1"))
}
