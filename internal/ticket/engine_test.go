package ticket

import (
	"context"
	"testing"
	"time"

	"github.com/c360studio/agentkernel/internal/busx"
	"github.com/c360studio/agentkernel/internal/kclock"
	"github.com/c360studio/agentkernel/internal/kernelerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, columns []*Column, phases []*Phase) (*Engine, busx.Bus, *kclock.Fake) {
	t.Helper()
	bus := busx.NewInProcessBus(busx.DefaultConfig(), nil)
	t.Cleanup(func() { _ = bus.Close() })
	clock := kclock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	board := NewBoard(bus, columns)
	cat := NewCatalogue(phases)
	e := New(bus, clock, cat, board, DefaultConfig(), nil, nil)
	t.Cleanup(e.Close)
	return e, bus, clock
}

func basicColumnsAndPhases() ([]*Column, []*Phase) {
	columns := []*Column{
		{ID: "backlog", PhaseMapping: map[string]struct{}{"requirements": {}}},
		{ID: "design-col", PhaseMapping: map[string]struct{}{"design": {}}},
	}
	phases := []*Phase{
		{ID: "requirements", AllowedTransitions: map[string]struct{}{"design": {}}, DoneDefinitions: []string{"reqs signed off"}},
		{ID: "design", AllowedTransitions: map[string]struct{}{}},
	}
	return columns, phases
}

func TestEngine_Create_NotRequiredStartsNotRequired(t *testing.T) {
	columns, phases := basicColumnsAndPhases()
	e, _, _ := newTestEngine(t, columns, phases)

	tk, err := e.Create(context.Background(), CreateRequest{InitialPhaseID: "requirements", InitialColumnID: "backlog"})
	require.NoError(t, err)
	assert.Equal(t, ApprovalNotRequired, tk.ApprovalStatus)

	allowed, err := e.DispatchAllowed(tk.ID)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestEngine_Create_ApprovalRequired_BlocksDispatchUntilApproved(t *testing.T) {
	columns, phases := basicColumnsAndPhases()
	e, _, _ := newTestEngine(t, columns, phases)
	ctx := context.Background()

	tk, err := e.Create(ctx, CreateRequest{InitialPhaseID: "requirements", InitialColumnID: "backlog", ApprovalRequired: true})
	require.NoError(t, err)
	assert.Equal(t, ApprovalPendingReview, tk.ApprovalStatus)

	allowed, err := e.DispatchAllowed(tk.ID)
	require.NoError(t, err)
	assert.False(t, allowed)

	require.NoError(t, e.Approve(ctx, tk.ID))
	allowed, err = e.DispatchAllowed(tk.ID)
	require.NoError(t, err)
	assert.True(t, allowed)

	// Approving an already-approved ticket is a no-op.
	require.NoError(t, e.Approve(ctx, tk.ID))
}

func TestEngine_ApprovalDeadline_TimesOut(t *testing.T) {
	columns, phases := basicColumnsAndPhases()
	e, _, clock := newTestEngine(t, columns, phases)
	e.cfg.ApprovalTimeout = 5 * time.Second
	ctx := context.Background()

	tk, err := e.Create(ctx, CreateRequest{InitialPhaseID: "requirements", InitialColumnID: "backlog", ApprovalRequired: true})
	require.NoError(t, err)

	clock.Advance(6 * time.Second)
	assert.Eventually(t, func() bool {
		got, _ := e.Get(tk.ID)
		return got.ApprovalStatus == ApprovalTimedOut
	}, time.Second, time.Millisecond)
}

func TestEngine_TransitionPhase_RejectsWhenGateFails(t *testing.T) {
	columns, phases := basicColumnsAndPhases()
	e, _, _ := newTestEngine(t, columns, phases)
	ctx := context.Background()

	tk, err := e.Create(ctx, CreateRequest{InitialPhaseID: "requirements", InitialColumnID: "backlog"})
	require.NoError(t, err)

	err = e.TransitionPhase(ctx, tk.ID, "design", "design-col", false, nil, 4096)
	require.Error(t, err)
	assert.True(t, kernelerr.Is(err, kernelerr.KindPhaseGateRejected))
}

func TestEngine_TransitionPhase_SucceedsAndAggregatesContext(t *testing.T) {
	columns, phases := basicColumnsAndPhases()
	e, _, _ := newTestEngine(t, columns, phases)
	ctx := context.Background()

	tk, err := e.Create(ctx, CreateRequest{InitialPhaseID: "requirements", InitialColumnID: "backlog"})
	require.NoError(t, err)

	e.SatisfyDoneDefinition(tk.ID, "reqs signed off")

	sources := []ContextSource{{Kind: "task_result", Text: "requirements gathered"}}
	require.NoError(t, e.TransitionPhase(ctx, tk.ID, "design", "design-col", false, sources, 4096))

	got, ok := e.Get(tk.ID)
	require.True(t, ok)
	assert.Equal(t, "design", got.PhaseID)
	assert.Contains(t, got.ContextSummary, "requirements gathered")

	col, ok := e.board.ColumnOf(tk.ID)
	require.True(t, ok)
	assert.Equal(t, "design-col", col)
}

func TestEngine_TransitionPhase_DiscoveryBypassesAllowedTransitions(t *testing.T) {
	columns := []*Column{
		{ID: "backlog", PhaseMapping: map[string]struct{}{"requirements": {}}},
		{ID: "qa-col", PhaseMapping: map[string]struct{}{"qa": {}}},
	}
	phases := []*Phase{
		{ID: "requirements", AllowedTransitions: map[string]struct{}{"design": {}}},
		{ID: "qa", AllowedTransitions: map[string]struct{}{}},
	}
	e, _, _ := newTestEngine(t, columns, phases)
	ctx := context.Background()

	tk, err := e.Create(ctx, CreateRequest{InitialPhaseID: "requirements", InitialColumnID: "backlog"})
	require.NoError(t, err)

	err = e.TransitionPhase(ctx, tk.ID, "qa", "qa-col", false, nil, 4096)
	require.Error(t, err, "qa is not in requirements.allowed_transitions")

	require.NoError(t, e.TransitionPhase(ctx, tk.ID, "qa", "qa-col", true, nil, 4096))
}
