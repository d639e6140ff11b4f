package task

import (
	"testing"
	"time"

	"github.com/c360studio/agentkernel/internal/kernelerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Create_RejectsUnknownDependency(t *testing.T) {
	s := NewStore()
	err := s.Create(&Task{ID: "t1", Dependencies: map[string]struct{}{"ghost": {}}})
	require.Error(t, err)
	assert.True(t, kernelerr.Is(err, kernelerr.KindDependencyCycle))
}

func TestStore_Create_RejectsCycle(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Create(&Task{ID: "a", Dependencies: map[string]struct{}{}}))
	require.NoError(t, s.Create(&Task{ID: "b", Dependencies: map[string]struct{}{"a": {}}}))

	require.NoError(t, s.Update("a", func(tk *Task) {
		tk.Dependencies["b"] = struct{}{}
	}))
	// Simulate re-validating the whole graph the way Create would for a
	// hypothetical new edge back to a.
	all := map[string]*Task{}
	for _, tk := range s.ListAll() {
		all[tk.ID] = tk
	}
	assert.Error(t, detectCycle(all))
}

func TestStore_PendingByDispatchOrder_OrdersByPriorityThenAgeThenID(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Create(&Task{ID: "low-old", Status: StatusPending, Priority: PriorityLow, CreatedAt: base}))
	require.NoError(t, s.Create(&Task{ID: "crit-new", Status: StatusPending, Priority: PriorityCritical, CreatedAt: base.Add(time.Hour)}))
	require.NoError(t, s.Create(&Task{ID: "crit-old-b", Status: StatusPending, Priority: PriorityCritical, CreatedAt: base}))
	require.NoError(t, s.Create(&Task{ID: "crit-old-a", Status: StatusPending, Priority: PriorityCritical, CreatedAt: base}))

	ordered := s.PendingByDispatchOrder()
	ids := make([]string, len(ordered))
	for i, tk := range ordered {
		ids[i] = tk.ID
	}
	assert.Equal(t, []string{"crit-old-a", "crit-old-b", "crit-new", "low-old"}, ids)
}

func TestStore_PendingByDispatchOrder_ExcludesNotDependencyReady(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Create(&Task{ID: "dep", Status: StatusPending}))
	require.NoError(t, s.Create(&Task{ID: "blocked-on-dep", Status: StatusPending, Dependencies: map[string]struct{}{"dep": {}}}))

	ordered := s.PendingByDispatchOrder()
	require.Len(t, ordered, 1)
	assert.Equal(t, "dep", ordered[0].ID)

	require.NoError(t, s.Update("dep", func(tk *Task) { tk.Status = StatusDone }))
	ordered = s.PendingByDispatchOrder()
	require.Len(t, ordered, 1)
	assert.Equal(t, "blocked-on-dep", ordered[0].ID)
}

func TestStore_GetReadyTasks_RespectsLimit(t *testing.T) {
	s := NewStore()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Create(&Task{ID: id, Status: StatusPending}))
	}
	assert.Len(t, s.GetReadyTasks(2), 2)
	assert.Len(t, s.GetReadyTasks(0), 3)
}
