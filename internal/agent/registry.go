package agent

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/agentkernel/internal/busx"
	"github.com/c360studio/agentkernel/internal/kclock"
	"github.com/c360studio/agentkernel/internal/kernelerr"
	"github.com/c360studio/agentkernel/internal/kmetrics"
)

// Topic names the agent registry publishes and subscribes to.
const (
	TopicRegistered        = "agent.registered"
	TopicDeregistered       = "agent.deregistered"
	TopicStatusChanged      = "agent.status_changed"
	TopicUnresponsive       = "agent.unresponsive"
	TopicRegistrationTimeout = "agent.registration_timeout"
	TopicEscalation         = "agent.escalation"
)

// Config tunes registration and heartbeat timing, with the defaults named
// in the agent registry's component design.
type Config struct {
	HeartbeatInterval   time.Duration
	TTLThreshold        time.Duration
	RegistrationTimeout time.Duration
	MaxRestartAttempts  int
	EscalationWindow    time.Duration
	HeartbeatSweep      time.Duration
}

// DefaultConfig returns the registry's default timing.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:   15 * time.Second,
		TTLThreshold:        30 * time.Second,
		RegistrationTimeout: 60 * time.Second,
		MaxRestartAttempts:  3,
		EscalationWindow:    time.Hour,
		HeartbeatSweep:      5 * time.Second,
	}
}

// RegistrationRequest carries the client-supplied fields of step 1–2 of the
// registration protocol. Name is optional: a client that supplies a stable
// identity (e.g. derived from hostname+pid) gets the idempotence law (spec
// §8) applied against it; a client that leaves it blank always gets a
// freshly minted, non-idempotent (type, phase, counter) name.
type RegistrationRequest struct {
	Type         Type
	PhaseID      string
	Capabilities []string
	Capacity     Capacity
	BinaryHash   string
	Version      string
	Name         string
}

// Persister is the optional write-through hook into the persistence
// façade, mirroring task.Persister. Defined here rather than taking
// internal/store directly to avoid an import cycle.
type Persister interface {
	UpsertAgent(ctx context.Context, a *Agent) error
}

// RegistrationResult returns the minted identity, including the private
// key, which is handed back exactly once.
type RegistrationResult struct {
	Agent      *Agent
	PrivateKey ed25519.PrivateKey
}

// agentLock serializes status transitions for one agent, per the
// registry's per-agent-lock invariant.
type agentLock struct {
	mu sync.Mutex
}

// Registry is the kernel's agent registry (C3): registration, heartbeat
// tracking, the status state machine, and the capability index.
type Registry struct {
	bus   busx.Bus
	clock kclock.Clock
	dq    *kclock.DeadlineQueue
	cfg   Config

	mu     sync.RWMutex
	agents map[string]*Agent
	locks  map[string]*agentLock

	byCapability map[string]map[string]struct{}
	byPhase      map[string]map[string]struct{}

	// names maps "type:name" -> agent_id, enforcing the §8 idempotence law
	// and the §3 at-most-one-active-agent-per-(type,identity) invariant for
	// registrations that supply a Name.
	names map[string]string

	counters map[string]int

	versionMatrix map[string]bool

	// Metrics is optional; when set, the heartbeat sweeper records missed
	// heartbeats against it. Assigned post-construction since kernel wiring
	// builds the registry before the metrics bundle is handed out.
	Metrics *kmetrics.Metrics

	// Persist is optional; assigned post-construction once a persistence
	// façade is configured. Every registry mutation writes through it.
	Persist Persister
}

// NewRegistry builds a registry. supportedVersions lists agent binary
// versions accepted during pre-validation; a nil map accepts any version.
func NewRegistry(bus busx.Bus, clock kclock.Clock, cfg Config, supportedVersions map[string]bool) *Registry {
	r := &Registry{
		bus:           bus,
		clock:         clock,
		cfg:           cfg,
		agents:        make(map[string]*Agent),
		locks:         make(map[string]*agentLock),
		byCapability:  make(map[string]map[string]struct{}),
		byPhase:       make(map[string]map[string]struct{}),
		names:         make(map[string]string),
		counters:      make(map[string]int),
		versionMatrix: supportedVersions,
	}
	r.dq = kclock.NewDeadlineQueue(clock)
	return r
}

// Close stops the registry's background sweepers.
func (r *Registry) Close() { r.dq.Stop() }

// LoadAll seeds the registry from a snapshot already durable in the
// persistence façade (kernel startup hydration), rebuilding the capability
// and phase indices and the (type, name) idempotence map. Agent-scoped
// locks are created fresh since no transition can have been in flight
// across a restart.
func (r *Registry) LoadAll(agents []*Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range agents {
		r.agents[a.ID] = a
		r.locks[a.ID] = &agentLock{}
		r.indexLocked(a)
		if a.Name != "" {
			r.names[nameKey(a.Type, a.Name)] = a.ID
		}
		key := fmt.Sprintf("%s:%s", a.Type, a.PhaseID)
		r.counters[key]++
	}
}

func nameKey(t Type, name string) string { return fmt.Sprintf("%s:%s", t, name) }

func (r *Registry) persist(a *Agent) error {
	if r.Persist == nil {
		return nil
	}
	if err := r.Persist.UpsertAgent(context.Background(), a); err != nil {
		return kernelerr.Wrap(kernelerr.KindStoreUnavailable, err, "persist agent %s", a.ID)
	}
	return nil
}

// existingActiveRegistration returns the live, non-quarantined agent
// already registered under (t, name), if any.
func (r *Registry) existingActiveRegistration(t Type, name string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.names[nameKey(t, name)]
	if !ok {
		return nil, false
	}
	a, ok := r.agents[id]
	if !ok || a.Status == StatusQuarantined {
		return nil, false
	}
	return a, true
}

// Register runs the five-step registration protocol. Any pre-validation
// failure returns a registration_rejected kernel error without creating a
// registry entry.
func (r *Registry) Register(ctx context.Context, req RegistrationRequest) (*RegistrationResult, error) {
	if err := r.preValidate(req); err != nil {
		return nil, err
	}

	// Idempotence law (spec §8): registering the same (type, name) twice
	// within the registration timeout returns the same agent_id instead of
	// minting a second entry — covers an agent process that crashes and
	// restarts before its first heartbeat lands. Also enforces the §3
	// at-most-one-active-agent-per-(type,identity) invariant for clients
	// that supply a stable Name.
	if req.Name != "" {
		if existing, ok := r.existingActiveRegistration(req.Type, req.Name); ok {
			return &RegistrationResult{Agent: existing}, nil
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindRegistrationRejected, err, "generate key pair")
	}

	id := newID()
	name := req.Name
	if name == "" {
		name = r.deriveName(req.Type, req.PhaseID)
	}

	now := r.clock.Now()
	caps := make(map[string]struct{}, len(req.Capabilities))
	for _, c := range req.Capabilities {
		caps[c] = struct{}{}
	}

	a := &Agent{
		ID:              id,
		Name:            name,
		Type:            req.Type,
		PhaseID:         req.PhaseID,
		Capabilities:    caps,
		Status:          StatusIdle,
		HealthStatus:    HealthHealthy,
		LastHeartbeatAt: now,
		PublicKey:       pub,
		Capacity:        req.Capacity,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	r.mu.Lock()
	r.agents[id] = a
	r.locks[id] = &agentLock{}
	r.names[nameKey(a.Type, a.Name)] = id
	r.indexLocked(a)
	r.mu.Unlock()

	if err := r.persist(a); err != nil {
		r.removeEntry(id)
		return nil, err
	}

	sub, err := r.subscribeAgentTopics(a)
	if err != nil {
		r.removeEntry(id)
		return nil, kernelerr.Wrap(kernelerr.KindBusUnavailable, err, "subscribe agent %s to assignment topics", id)
	}
	_ = sub // ack implied by synchronous Subscribe in this bus implementation

	if err := r.bus.Publish(ctx, TopicRegistered, id, "registry", a); err != nil {
		r.removeEntry(id)
		return nil, kernelerr.Wrap(kernelerr.KindBusUnavailable, err, "publish agent.registered for %s", id)
	}

	deadline := now.Add(r.cfg.RegistrationTimeout)
	r.dq.Schedule(deadline, func(fireTime time.Time) {
		r.checkInitialHeartbeat(id, fireTime)
	})

	return &RegistrationResult{Agent: a, PrivateKey: priv}, nil
}

func (r *Registry) preValidate(req RegistrationRequest) error {
	if req.Type == "" {
		return kernelerr.New(kernelerr.KindRegistrationRejected, "agent type is required")
	}
	switch req.Type {
	case TypeWorker, TypeMonitor, TypeWatchdog, TypeGuardian, TypeValidator:
	default:
		return kernelerr.New(kernelerr.KindRegistrationRejected, "unknown agent type %q", req.Type)
	}
	if req.Type == TypeWorker && req.PhaseID == "" {
		return kernelerr.New(kernelerr.KindRegistrationRejected, "worker agents must bind a phase")
	}
	if r.versionMatrix != nil && req.Version != "" && !r.versionMatrix[req.Version] {
		return kernelerr.New(kernelerr.KindRegistrationRejected, "unsupported agent version %q", req.Version)
	}
	if req.Capacity.MaxConcurrentTasks < 0 {
		return kernelerr.New(kernelerr.KindRegistrationRejected, "capacity must be non-negative")
	}
	return nil
}

func (r *Registry) deriveName(t Type, phaseID string) string {
	r.mu.Lock()
	key := fmt.Sprintf("%s:%s", t, phaseID)
	r.counters[key]++
	n := r.counters[key]
	r.mu.Unlock()
	if phaseID == "" {
		return fmt.Sprintf("%s-%d", t, n)
	}
	return fmt.Sprintf("%s-%s-%d", t, phaseID, n)
}

func (r *Registry) subscribeAgentTopics(a *Agent) (busx.Subscription, error) {
	pattern := fmt.Sprintf("task.assignment.%s", a.PhaseID)
	if a.PhaseID == "" {
		pattern = "task.assignment.>"
	}
	return r.bus.Subscribe(pattern, busx.AtLeastOnce, func(ctx context.Context, env *busx.Envelope) error {
		return nil
	})
}

func (r *Registry) checkInitialHeartbeat(id string, now time.Time) {
	r.mu.RLock()
	a, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if now.Sub(a.LastHeartbeatAt) < r.cfg.RegistrationTimeout {
		return
	}
	// No heartbeat arrived since registration; the entry never graduated.
	r.removeEntry(id)
	_ = r.bus.Publish(context.Background(), TopicRegistrationTimeout, id, "registry", map[string]string{"agent_id": id})
}

func (r *Registry) removeEntry(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return
	}
	r.unindexLocked(a)
	delete(r.agents, id)
	delete(r.locks, id)
	if r.names[nameKey(a.Type, a.Name)] == id {
		delete(r.names, nameKey(a.Type, a.Name))
	}
}

func (r *Registry) indexLocked(a *Agent) {
	for c := range a.Capabilities {
		set, ok := r.byCapability[c]
		if !ok {
			set = make(map[string]struct{})
			r.byCapability[c] = set
		}
		set[a.ID] = struct{}{}
	}
	if a.PhaseID != "" {
		set, ok := r.byPhase[a.PhaseID]
		if !ok {
			set = make(map[string]struct{})
			r.byPhase[a.PhaseID] = set
		}
		set[a.ID] = struct{}{}
	}
}

func (r *Registry) unindexLocked(a *Agent) {
	for c := range a.Capabilities {
		delete(r.byCapability[c], a.ID)
	}
	if a.PhaseID != "" {
		delete(r.byPhase[a.PhaseID], a.ID)
	}
}

// Heartbeat records a liveness signal from agentID, clearing any
// unresponsive status.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	lock := r.agentLock(agentID)
	if lock == nil {
		return kernelerr.New(kernelerr.KindNotFound, "agent %s not registered", agentID)
	}
	lock.mu.Lock()
	defer lock.mu.Unlock()

	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return kernelerr.New(kernelerr.KindNotFound, "agent %s not registered", agentID)
	}
	a.LastHeartbeatAt = r.clock.Now()
	a.UpdatedAt = a.LastHeartbeatAt
	wasUnresponsive := a.Status == StatusUnresponsive
	if wasUnresponsive {
		a.Status = StatusIdle
	}
	r.mu.Unlock()

	if err := r.persist(a); err != nil {
		return err
	}

	if wasUnresponsive {
		return r.bus.Publish(ctx, TopicStatusChanged, agentID, "registry", map[string]string{
			"agent_id": agentID, "status": string(StatusIdle),
		})
	}
	return nil
}

func (r *Registry) agentLock(agentID string) *agentLock {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locks[agentID]
}

// Transition moves agent to a new status, enforcing the status state
// machine and serializing per agent.
func (r *Registry) Transition(ctx context.Context, agentID string, to Status) error {
	lock := r.agentLock(agentID)
	if lock == nil {
		return kernelerr.New(kernelerr.KindNotFound, "agent %s not registered", agentID)
	}
	lock.mu.Lock()
	defer lock.mu.Unlock()

	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return kernelerr.New(kernelerr.KindNotFound, "agent %s not registered", agentID)
	}
	from := a.Status
	if !CanTransition(from, to) {
		r.mu.Unlock()
		return kernelerr.New(kernelerr.KindInvalidTransition, "agent %s cannot move %s -> %s", agentID, from, to)
	}
	a.Status = to
	a.UpdatedAt = r.clock.Now()
	if to != StatusRunning {
		a.CurrentTaskID = ""
	}
	r.mu.Unlock()

	if err := r.persist(a); err != nil {
		return err
	}

	return r.bus.Publish(ctx, TopicStatusChanged, agentID, "registry", map[string]string{
		"agent_id": agentID, "from": string(from), "to": string(to),
	})
}

// BindTask marks agent running and bound to taskID.
func (r *Registry) BindTask(ctx context.Context, agentID, taskID string) error {
	lock := r.agentLock(agentID)
	if lock == nil {
		return kernelerr.New(kernelerr.KindNotFound, "agent %s not registered", agentID)
	}
	lock.mu.Lock()
	defer lock.mu.Unlock()

	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return kernelerr.New(kernelerr.KindNotFound, "agent %s not registered", agentID)
	}
	if !CanTransition(a.Status, StatusRunning) {
		r.mu.Unlock()
		return kernelerr.New(kernelerr.KindInvalidTransition, "agent %s cannot move %s -> running", agentID, a.Status)
	}
	a.Status = StatusRunning
	a.CurrentTaskID = taskID
	a.UpdatedAt = r.clock.Now()
	r.mu.Unlock()

	if err := r.persist(a); err != nil {
		return err
	}

	return r.bus.Publish(ctx, TopicStatusChanged, agentID, "registry", map[string]string{
		"agent_id": agentID, "status": string(StatusRunning), "task_id": taskID,
	})
}

// Deregister removes agentID from the registry.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	r.removeEntry(agentID)
	return r.bus.Publish(ctx, TopicDeregistered, agentID, "registry", map[string]string{"agent_id": agentID})
}

// AdjustCapacity changes agentID's MaxConcurrentTasks by delta. A negative
// delta (donor side of a supervisor reallocate_capacity action) is refused
// if it would drop capacity below the agent's current in-flight task count,
// per spec §4.9's "donor MUST NOT have in-flight tasks that would be
// invalidated".
func (r *Registry) AdjustCapacity(agentID string, delta int) error {
	return r.setCapacity(agentID, func(current int) (int, error) {
		next := current + delta
		if next < 0 {
			return 0, kernelerr.New(kernelerr.KindConflict, "agent %s capacity cannot go below zero", agentID)
		}
		return next, nil
	})
}

// SetCapacity sets agentID's MaxConcurrentTasks directly, used to restore a
// capacity snapshot (supervisor reallocate_capacity reversion) without
// replaying AdjustCapacity's delta math.
func (r *Registry) SetCapacity(agentID string, maxConcurrentTasks int) error {
	return r.setCapacity(agentID, func(int) (int, error) { return maxConcurrentTasks, nil })
}

func (r *Registry) setCapacity(agentID string, next func(current int) (int, error)) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return kernelerr.New(kernelerr.KindNotFound, "agent %s not registered", agentID)
	}
	updated, err := next(a.Capacity.MaxConcurrentTasks)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	inFlight := 0
	if a.CurrentTaskID != "" {
		inFlight = 1
	}
	if updated < inFlight {
		r.mu.Unlock()
		return kernelerr.New(kernelerr.KindConflict, "agent %s has in-flight work that would be invalidated by capacity %d", agentID, updated)
	}
	a.Capacity.MaxConcurrentTasks = updated
	r.mu.Unlock()

	return r.persist(a)
}

// Get returns a copy-free pointer to the agent; callers must not mutate it.
func (r *Registry) Get(agentID string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	return a, ok
}

// CandidatesForDispatch returns agent IDs eligible for a task requiring
// phaseID and capabilities, via the inverted capability/phase index. This
// is the O(1)-per-term lookup the scheduler's dispatch step uses before
// filtering further on status and capacity.
func (r *Registry) CandidatesForDispatch(phaseID string, capabilities []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	phaseSet, ok := r.byPhase[phaseID]
	if !ok || len(phaseSet) == 0 {
		return nil
	}

	candidates := make(map[string]struct{}, len(phaseSet))
	for id := range phaseSet {
		candidates[id] = struct{}{}
	}

	for _, cap := range capabilities {
		capSet := r.byCapability[cap]
		for id := range candidates {
			if _, ok := capSet[id]; !ok {
				delete(candidates, id)
			}
		}
	}

	out := make([]string, 0, len(candidates))
	for id := range candidates {
		a := r.agents[id]
		if a == nil || a.Status != StatusIdle {
			continue
		}
		out = append(out, id)
	}
	return out
}

// CandidatesByType returns idle agent IDs of the given type, optionally
// restricted to phaseID (pass "" to match any phase). Used by the
// validation loop to find a validator to bind to an under_review task —
// the same idle/status filtering CandidatesForDispatch applies, but keyed
// on agent Type rather than the capability/phase index since validators
// are matched by role, not skill tag.
func (r *Registry) CandidatesByType(t Type, phaseID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0)
	for _, a := range r.agents {
		if a.Type != t || a.Status != StatusIdle {
			continue
		}
		if phaseID != "" && a.PhaseID != "" && a.PhaseID != phaseID {
			continue
		}
		out = append(out, a.ID)
	}
	return out
}

// ListByStatus returns all agents currently in status.
func (r *Registry) ListByStatus(status Status) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0)
	for _, a := range r.agents {
		if a.Status == status {
			out = append(out, a)
		}
	}
	return out
}
