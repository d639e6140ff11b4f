package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/agentkernel/internal/busx"
	"github.com/c360studio/agentkernel/internal/kclock"
	"github.com/c360studio/agentkernel/internal/kernelerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, busx.Bus) {
	t.Helper()
	bus := busx.NewInProcessBus(busx.DefaultConfig(), nil)
	t.Cleanup(func() { _ = bus.Close() })
	r := NewRegistry(bus, kclock.System(), DefaultConfig(), nil)
	t.Cleanup(r.Close)
	return r, bus
}

func TestRegister_Worker_Succeeds(t *testing.T) {
	r, _ := newTestRegistry(t)

	res, err := r.Register(context.Background(), RegistrationRequest{
		Type:         TypeWorker,
		PhaseID:      "implementation",
		Capabilities: []string{"python", "postgres"},
		Capacity:     Capacity{MaxConcurrentTasks: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, res.Agent.Status)
	assert.Equal(t, HealthHealthy, res.Agent.HealthStatus)
	assert.NotEmpty(t, res.Agent.ID)
	assert.NotEmpty(t, res.PrivateKey)
	assert.True(t, res.Agent.HasCapability("python"))

	got, ok := r.Get(res.Agent.ID)
	require.True(t, ok)
	assert.Equal(t, res.Agent.ID, got.ID)
}

func TestRegister_WorkerWithoutPhase_Rejected(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Register(context.Background(), RegistrationRequest{Type: TypeWorker})
	require.Error(t, err)
	assert.True(t, kernelerr.Is(err, kernelerr.KindRegistrationRejected))
}

func TestRegister_UnknownType_Rejected(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Register(context.Background(), RegistrationRequest{Type: Type("rogue")})
	require.Error(t, err)
	assert.True(t, kernelerr.Is(err, kernelerr.KindRegistrationRejected))
}

func TestCandidatesForDispatch_FiltersByPhaseCapabilityAndStatus(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	match, err := r.Register(ctx, RegistrationRequest{
		Type: TypeWorker, PhaseID: "implementation", Capabilities: []string{"python"},
	})
	require.NoError(t, err)

	wrongPhase, err := r.Register(ctx, RegistrationRequest{
		Type: TypeWorker, PhaseID: "design", Capabilities: []string{"python"},
	})
	require.NoError(t, err)

	missingCap, err := r.Register(ctx, RegistrationRequest{
		Type: TypeWorker, PhaseID: "implementation", Capabilities: []string{"go"},
	})
	require.NoError(t, err)

	busyAgent, err := r.Register(ctx, RegistrationRequest{
		Type: TypeWorker, PhaseID: "implementation", Capabilities: []string{"python"},
	})
	require.NoError(t, err)
	require.NoError(t, r.BindTask(ctx, busyAgent.Agent.ID, "task-1"))

	candidates := r.CandidatesForDispatch("implementation", []string{"python"})
	assert.Contains(t, candidates, match.Agent.ID)
	assert.NotContains(t, candidates, wrongPhase.Agent.ID)
	assert.NotContains(t, candidates, missingCap.Agent.ID)
	assert.NotContains(t, candidates, busyAgent.Agent.ID)
}

func TestTransition_InvalidEdgeRejected(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.Register(ctx, RegistrationRequest{Type: TypeWorker, PhaseID: "implementation"})
	require.NoError(t, err)

	require.NoError(t, r.Transition(ctx, res.Agent.ID, StatusQuarantined))

	err = r.Transition(ctx, res.Agent.ID, StatusRunning)
	require.Error(t, err)
	assert.True(t, kernelerr.Is(err, kernelerr.KindInvalidTransition))

	require.NoError(t, r.Transition(ctx, res.Agent.ID, StatusIdle))
}

func TestHeartbeat_ClearsUnresponsive(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.Register(ctx, RegistrationRequest{Type: TypeWorker, PhaseID: "implementation"})
	require.NoError(t, err)
	require.NoError(t, r.Transition(ctx, res.Agent.ID, StatusRunning))

	r.mu.Lock()
	r.agents[res.Agent.ID].Status = StatusUnresponsive
	r.mu.Unlock()

	require.NoError(t, r.Heartbeat(ctx, res.Agent.ID))

	got, ok := r.Get(res.Agent.ID)
	require.True(t, ok)
	assert.Equal(t, StatusIdle, got.Status)
}

func TestRegister_SameNameTwice_ReturnsSameAgent(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Register(ctx, RegistrationRequest{
		Type: TypeWorker, PhaseID: "implementation", Name: "worker-host-1-pid-7",
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.PrivateKey)

	second, err := r.Register(ctx, RegistrationRequest{
		Type: TypeWorker, PhaseID: "implementation", Name: "worker-host-1-pid-7",
	})
	require.NoError(t, err)

	assert.Equal(t, first.Agent.ID, second.Agent.ID)
	assert.Empty(t, second.PrivateKey, "replayed registration must not mint a new key pair")

	r.mu.RLock()
	count := len(r.agents)
	r.mu.RUnlock()
	assert.Equal(t, 1, count, "idempotent registration must not create a second entry")
}

func TestRegister_SameNameDifferentType_MintsSeparateAgents(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	worker, err := r.Register(ctx, RegistrationRequest{Type: TypeWorker, PhaseID: "implementation", Name: "shared-name"})
	require.NoError(t, err)

	validator, err := r.Register(ctx, RegistrationRequest{Type: TypeValidator, Name: "shared-name"})
	require.NoError(t, err)

	assert.NotEqual(t, worker.Agent.ID, validator.Agent.ID)
}

func TestRegister_SameNameAfterQuarantine_MintsNewAgent(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Register(ctx, RegistrationRequest{Type: TypeWorker, PhaseID: "implementation", Name: "worker-a"})
	require.NoError(t, err)
	require.NoError(t, r.Transition(ctx, first.Agent.ID, StatusQuarantined))

	second, err := r.Register(ctx, RegistrationRequest{Type: TypeWorker, PhaseID: "implementation", Name: "worker-a"})
	require.NoError(t, err)

	assert.NotEqual(t, first.Agent.ID, second.Agent.ID, "a quarantined entry must not block re-registration under its name")
}

// fakeAgentPersister records every UpsertAgent call for assertion.
type fakeAgentPersister struct {
	mu    sync.Mutex
	calls []*Agent
}

func (f *fakeAgentPersister) UpsertAgent(_ context.Context, a *Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, a)
	return nil
}

func TestRegister_WritesThroughPersist(t *testing.T) {
	r, _ := newTestRegistry(t)
	fake := &fakeAgentPersister{}
	r.Persist = fake

	res, err := r.Register(context.Background(), RegistrationRequest{Type: TypeWorker, PhaseID: "implementation"})
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.calls, 1)
	assert.Equal(t, res.Agent.ID, fake.calls[0].ID)
}

func TestLoadAll_RebuildsIndicesAndNameMap(t *testing.T) {
	r, _ := newTestRegistry(t)

	snapshot := &Agent{
		ID: "agent-1", Name: "worker-host-1", Type: TypeWorker, PhaseID: "implementation",
		Capabilities: map[string]struct{}{"python": {}}, Status: StatusIdle, HealthStatus: HealthHealthy,
	}
	r.LoadAll([]*Agent{snapshot})

	got, ok := r.Get("agent-1")
	require.True(t, ok)
	assert.Equal(t, "worker-host-1", got.Name)

	candidates := r.CandidatesForDispatch("implementation", []string{"python"})
	assert.Contains(t, candidates, "agent-1")

	existing, ok := r.existingActiveRegistration(TypeWorker, "worker-host-1")
	require.True(t, ok)
	assert.Equal(t, "agent-1", existing.ID)
}

func TestHeartbeatSweep_MarksUnresponsiveAfterTTL(t *testing.T) {
	bus := busx.NewInProcessBus(busx.DefaultConfig(), nil)
	defer bus.Close()

	cfg := DefaultConfig()
	cfg.TTLThreshold = 10 * time.Millisecond
	cfg.HeartbeatSweep = 5 * time.Millisecond

	r := NewRegistry(bus, kclock.System(), cfg, nil)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := r.Register(ctx, RegistrationRequest{Type: TypeWorker, PhaseID: "implementation"})
	require.NoError(t, err)

	stop := r.StartHeartbeatSweep(ctx)
	defer stop()

	assert.Eventually(t, func() bool {
		got, ok := r.Get(res.Agent.ID)
		return ok && got.Status == StatusUnresponsive
	}, time.Second, 5*time.Millisecond)
}
