package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/c360studio/agentkernel/internal/agent"
	"github.com/c360studio/agentkernel/internal/busx"
	"github.com/c360studio/agentkernel/internal/kclock"
	"github.com/c360studio/agentkernel/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHarness(t *testing.T) (*Service, *task.Scheduler, busx.Bus) {
	t.Helper()
	bus := busx.NewInProcessBus(busx.DefaultConfig(), nil)
	t.Cleanup(func() { _ = bus.Close() })
	reg := agent.NewRegistry(bus, kclock.System(), agent.DefaultConfig(), nil)
	t.Cleanup(reg.Close)
	store := task.NewStore()
	sched := task.NewScheduler(store, reg, bus, kclock.System(), nil, task.DefaultConfig(), nil)
	svc := New(bus, kclock.System(), sched)
	return svc, sched, bus
}

func TestRecordAndBranch_SpawnsChildInDifferentPhase(t *testing.T) {
	svc, sched, _ := newHarness(t)
	ctx := context.Background()

	require.NoError(t, sched.Create(ctx, &task.Task{ID: "src", TicketID: "tk1", PhaseID: "implementation", Priority: task.PriorityMedium}))

	d, err := svc.RecordAndBranch(ctx, Request{
		SourceTaskID:     "src",
		Type:             TypeBug,
		Description:      "off by one in paginator",
		SpawnPhaseID:     "qa",
		SpawnDescription: "fix off by one",
	})
	require.NoError(t, err)
	require.Len(t, d.SpawnedTaskIDs, 1)

	child, ok := sched.Get(d.SpawnedTaskIDs[0])
	require.True(t, ok)
	assert.Equal(t, "qa", child.PhaseID)
	assert.Equal(t, "src", child.ParentTaskID)
}

func TestRecordAndBranch_Idempotent(t *testing.T) {
	svc, sched, _ := newHarness(t)
	ctx := context.Background()
	require.NoError(t, sched.Create(ctx, &task.Task{ID: "src", TicketID: "tk1", PhaseID: "implementation"}))

	req := Request{SourceTaskID: "src", Type: TypeBug, Description: "Null pointer in handler", SpawnPhaseID: "qa"}
	first, err := svc.RecordAndBranch(ctx, req)
	require.NoError(t, err)

	req2 := req
	req2.Description = "null pointer   in   handler" // same normalized text
	second, err := svc.RecordAndBranch(ctx, req2)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.SpawnedTaskIDs, second.SpawnedTaskIDs)
}

func TestRecordAndBranch_PriorityBoostClampsAtCritical(t *testing.T) {
	svc, sched, _ := newHarness(t)
	ctx := context.Background()
	require.NoError(t, sched.Create(ctx, &task.Task{ID: "src", TicketID: "tk1", PhaseID: "implementation", Priority: task.PriorityCritical}))

	d, err := svc.RecordAndBranch(ctx, Request{
		SourceTaskID: "src", Type: TypeSecurity, Description: "hardcoded secret", SpawnPhaseID: "implementation", PriorityBoost: true,
	})
	require.NoError(t, err)
	child, _ := sched.Get(d.SpawnedTaskIDs[0])
	assert.Equal(t, task.PriorityCritical, child.Priority)
}

// fakeDiscoveryPersister records calls to assert write-through behavior.
type fakeDiscoveryPersister struct {
	inserted []*Discovery
	resolved []string
}

func (f *fakeDiscoveryPersister) InsertDiscovery(_ context.Context, d *Discovery, _ time.Time) error {
	f.inserted = append(f.inserted, d)
	return nil
}

func (f *fakeDiscoveryPersister) UpdateDiscoveryResolution(_ context.Context, id string, _ ResolutionStatus) error {
	f.resolved = append(f.resolved, id)
	return nil
}

func TestRecordAndBranch_WritesThroughPersist(t *testing.T) {
	svc, sched, _ := newHarness(t)
	fake := &fakeDiscoveryPersister{}
	svc.Persist = fake
	ctx := context.Background()
	require.NoError(t, sched.Create(ctx, &task.Task{ID: "src", TicketID: "tk1", PhaseID: "implementation"}))

	d, err := svc.RecordAndBranch(ctx, Request{SourceTaskID: "src", Type: TypeBug, Description: "leak", SpawnPhaseID: "qa"})
	require.NoError(t, err)

	require.Len(t, fake.inserted, 1)
	assert.Equal(t, d.ID, fake.inserted[0].ID)
}

func TestResolve_CallsUpdateNotInsert(t *testing.T) {
	svc, sched, _ := newHarness(t)
	fake := &fakeDiscoveryPersister{}
	svc.Persist = fake
	ctx := context.Background()
	require.NoError(t, sched.Create(ctx, &task.Task{ID: "src", TicketID: "tk1", PhaseID: "design"}))

	d, err := svc.RecordAndBranch(ctx, Request{SourceTaskID: "src", Type: TypeClarification, Description: "which db?", SpawnPhaseID: "design"})
	require.NoError(t, err)

	require.NoError(t, svc.Resolve(d.ID))

	require.Len(t, fake.resolved, 1)
	assert.Equal(t, d.ID, fake.resolved[0])

	got, ok := svc.Get(d.ID)
	require.True(t, ok)
	assert.Equal(t, ResolutionResolved, got.ResolutionStatus)
}

func TestLoadAll_SeedsIdempotencyIndex(t *testing.T) {
	svc, _, _ := newHarness(t)

	existing := &Discovery{ID: "d1", SourceTaskID: "src", Type: TypeBug, Description: "known issue", ResolutionStatus: ResolutionOpen}
	svc.LoadAll([]*Discovery{existing})

	got, ok := svc.Get("d1")
	require.True(t, ok)
	assert.Equal(t, "known issue", got.Description)

	again, err := svc.RecordAndBranch(context.Background(), Request{SourceTaskID: "src", Type: TypeBug, Description: "known issue"})
	require.NoError(t, err, "hydrated idempotency key must short-circuit before the source task lookup")
	assert.Equal(t, existing.ID, again.ID)
}

func TestRecordAndBranch_ClarificationBlocksSource(t *testing.T) {
	svc, sched, _ := newHarness(t)
	ctx := context.Background()
	require.NoError(t, sched.Create(ctx, &task.Task{ID: "src", TicketID: "tk1", PhaseID: "design"}))

	d, err := svc.RecordAndBranch(ctx, Request{
		SourceTaskID: "src", Type: TypeClarification, Description: "which auth provider?", SpawnPhaseID: "design",
	})
	require.NoError(t, err)

	src, _ := sched.Get("src")
	_, depends := src.Dependencies[d.SpawnedTaskIDs[0]]
	assert.True(t, depends, "source task should depend on the clarification task")
}
