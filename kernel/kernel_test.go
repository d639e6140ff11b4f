package kernel

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentkernel/internal/agent"
	"github.com/c360studio/agentkernel/internal/kclock"
	"github.com/c360studio/agentkernel/internal/kconfig"
	"github.com/c360studio/agentkernel/internal/kernelerr"
	"github.com/c360studio/agentkernel/internal/task"
	"github.com/c360studio/agentkernel/internal/ticket"
)

func testOptions() Options {
	return Options{
		Clock: kclock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		Phases: []*ticket.Phase{
			{ID: "implementation", SequenceOrder: 1, AllowedTransitions: map[string]struct{}{"done": {}}},
			{ID: "done", SequenceOrder: 2},
		},
		Columns: []*ticket.Column{
			{ID: "in_progress", SequenceOrder: 1, PhaseMapping: map[string]struct{}{"implementation": {}}},
			{ID: "done", SequenceOrder: 2, PhaseMapping: map[string]struct{}{"done": {}}, IsTerminal: true},
		},
	}
}

func TestNew_WiresEveryComponentWithoutStore(t *testing.T) {
	k, err := New(context.Background(), kconfig.DefaultConfig(), testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, k.Close()) })

	assert.Nil(t, k.Store)
	assert.NotNil(t, k.Registry)
	assert.NotNil(t, k.Scheduler)
	assert.NotNil(t, k.Engine)
	assert.NotNil(t, k.Discovery)
	assert.NotNil(t, k.Validation)
	assert.NotNil(t, k.Diagnostic)
	assert.NotNil(t, k.Supervisor)
}

func TestKernel_EndToEndTaskDispatch(t *testing.T) {
	k, err := New(context.Background(), kconfig.DefaultConfig(), testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, k.Close()) })

	ctx := context.Background()
	res, err := k.Registry.Register(ctx, agent.RegistrationRequest{Type: agent.TypeWorker, PhaseID: "implementation"})
	require.NoError(t, err)

	tk, err := k.Engine.Create(ctx, ticket.CreateRequest{InitialPhaseID: "implementation", InitialColumnID: "in_progress", Priority: ticket.PriorityHigh})
	require.NoError(t, err)

	require.NoError(t, k.Scheduler.Create(ctx, &task.Task{ID: "q1", TicketID: tk.ID, PhaseID: "implementation", Priority: task.PriorityHigh}))
	_, err = k.Scheduler.Dispatch(ctx)
	require.NoError(t, err)

	got, ok := k.Scheduler.Get("q1")
	require.True(t, ok)
	assert.Equal(t, task.StatusAssigned, got.Status)
	assert.Equal(t, res.Agent.ID, got.AssignedAgentID)
}

func TestSubmitAgentResult_ValidatesOwnershipBeforeRecordingArtifact(t *testing.T) {
	k, err := New(context.Background(), kconfig.DefaultConfig(), testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, k.Close()) })

	ctx := context.Background()
	res, err := k.Registry.Register(ctx, agent.RegistrationRequest{Type: agent.TypeWorker, PhaseID: "implementation"})
	require.NoError(t, err)

	tk, err := k.Engine.Create(ctx, ticket.CreateRequest{InitialPhaseID: "implementation", InitialColumnID: "in_progress", Priority: ticket.PriorityHigh})
	require.NoError(t, err)
	require.NoError(t, k.Scheduler.Create(ctx, &task.Task{ID: "q1", TicketID: tk.ID, PhaseID: "implementation", Priority: task.PriorityHigh}))
	require.NoError(t, k.Scheduler.Store().Update("q1", func(cur *task.Task) {
		require.NoError(t, task.Assign(cur, res.Agent.ID, k.Clock.Now()))
	}))

	path := filepath.Join(t.TempDir(), "result.md")
	require.NoError(t, os.WriteFile(path, []byte("# done\n"), 0o644))

	result, err := k.SubmitAgentResult(ctx, "q1", res.Agent.ID, "implementation_summary", "fixed the bug", path)
	require.NoError(t, err)
	assert.Equal(t, "q1", result.TaskID)
	assert.Equal(t, res.Agent.ID, result.AgentID)

	_, err = k.SubmitAgentResult(ctx, "q1", "someone-else", "implementation_summary", "not mine", path)
	require.Error(t, err)
	assert.True(t, kernelerr.Is(err, kernelerr.KindNotAuthorized))
}

func TestSubmitAgentResult_RejectsNonMarkdownPath(t *testing.T) {
	k, err := New(context.Background(), kconfig.DefaultConfig(), testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, k.Close()) })

	ctx := context.Background()
	res, err := k.Registry.Register(ctx, agent.RegistrationRequest{Type: agent.TypeWorker, PhaseID: "implementation"})
	require.NoError(t, err)
	tk, err := k.Engine.Create(ctx, ticket.CreateRequest{InitialPhaseID: "implementation", InitialColumnID: "in_progress", Priority: ticket.PriorityHigh})
	require.NoError(t, err)
	require.NoError(t, k.Scheduler.Create(ctx, &task.Task{ID: "q1", TicketID: tk.ID, PhaseID: "implementation", Priority: task.PriorityHigh}))
	require.NoError(t, k.Scheduler.Store().Update("q1", func(cur *task.Task) {
		require.NoError(t, task.Assign(cur, res.Agent.ID, k.Clock.Now()))
	}))

	path := filepath.Join(t.TempDir(), "result.txt")
	require.NoError(t, os.WriteFile(path, []byte("not markdown"), 0o644))

	_, err = k.SubmitAgentResult(ctx, "q1", res.Agent.ID, "implementation_summary", "wrong extension", path)
	require.Error(t, err)
	assert.True(t, kernelerr.Is(err, kernelerr.KindPathTraversal))
}

func TestSubmitWorkflowResult_RequiresConfiguredStore(t *testing.T) {
	k, err := New(context.Background(), kconfig.DefaultConfig(), testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, k.Close()) })

	path := filepath.Join(t.TempDir(), "workflow.md")
	require.NoError(t, os.WriteFile(path, []byte("# evidence\n"), 0o644))

	_, err = k.SubmitWorkflowResult(context.Background(), "tk1", []string{"evidence.md"}, true, path)
	require.Error(t, err)
	assert.True(t, kernelerr.Is(err, kernelerr.KindStoreUnavailable))
}

func TestKernel_Start_RunsDiagnosticSweepWithoutPanicking(t *testing.T) {
	k, err := New(context.Background(), kconfig.DefaultConfig(), testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, k.Close()) })

	ctx, cancel := context.WithCancel(context.Background())
	stop := k.Start(ctx)
	cancel()
	stop()
}
