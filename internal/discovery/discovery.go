// Package discovery implements the discovery service (C6): agents record
// findings that spawn child tasks, possibly in a different phase than the
// source task's, bypassing the phase DAG's allowed_transitions by design
// (spec §4.6). Idempotency keys on (source_task_id, type,
// normalized_description_hash), the same sha256-of-normalized-text
// dedup shape the teacher uses for discovery uniqueness.
package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/agentkernel/internal/busx"
	"github.com/c360studio/agentkernel/internal/kclock"
	"github.com/c360studio/agentkernel/internal/kernelerr"
	"github.com/c360studio/agentkernel/internal/task"
	"github.com/google/uuid"
)

const TopicRecorded = "discovery.recorded"

// Type classifies what kind of finding a discovery represents.
type Type string

const (
	TypeBug                Type = "bug"
	TypeOptimization       Type = "optimization"
	TypeClarification      Type = "clarification"
	TypeSecurity           Type = "security"
	TypePerformance        Type = "performance"
	TypeTechDebt           Type = "tech_debt"
	TypeIntegration        Type = "integration"
	TypeDiagnosticNoResult Type = "diagnostic_no_result"
	TypeDiagnosticTimeout  Type = "diagnostic_timeout"
)

// sequencingTypes blocks the source task on its spawned child until the
// child resolves — a clarification must be answered before the source can
// proceed.
var sequencingTypes = map[Type]bool{
	TypeClarification: true,
}

// ResolutionStatus tracks whether a discovery's spawned work has resolved.
type ResolutionStatus string

const (
	ResolutionOpen     ResolutionStatus = "open"
	ResolutionResolved ResolutionStatus = "resolved"
)

// Discovery is the data model's Discovery entity.
type Discovery struct {
	ID               string
	SourceTaskID     string
	Type             Type
	Description      string
	SpawnedTaskIDs   []string
	PriorityBoost    bool
	ResolutionStatus ResolutionStatus
}

// Request carries the arguments to record_discovery_and_branch.
type Request struct {
	SourceTaskID     string
	Type             Type
	Description      string
	SpawnPhaseID     string
	SpawnDescription string
	PriorityBoost    bool
	RequiredCapabilities []string
}

func normalizedHash(desc string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(desc), " "))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

func idempotencyKey(sourceTaskID string, t Type, desc string) string {
	return fmt.Sprintf("%s:%s:%s", sourceTaskID, t, normalizedHash(desc))
}

// Persister is the optional write-through hook into the persistence façade,
// mirroring task.Persister. Defined here rather than taking internal/store
// directly to avoid an import cycle. createdAt is passed explicitly since
// Discovery carries no CreatedAt field of its own.
type Persister interface {
	InsertDiscovery(ctx context.Context, d *Discovery, createdAt time.Time) error
	UpdateDiscoveryResolution(ctx context.Context, id string, status ResolutionStatus) error
}

// Service is the discovery service (C6).
type Service struct {
	bus   busx.Bus
	clock kclock.Clock
	sched *task.Scheduler

	mu    sync.Mutex
	byKey map[string]*Discovery
	byID  map[string]*Discovery

	// Persist is optional; assigned post-construction once a persistence
	// façade is configured. Every recorded discovery writes through it.
	Persist Persister
}

// New builds a discovery service bound to the given scheduler.
func New(bus busx.Bus, clock kclock.Clock, sched *task.Scheduler) *Service {
	return &Service{
		bus:   bus,
		clock: clock,
		sched: sched,
		byKey: make(map[string]*Discovery),
		byID:  make(map[string]*Discovery),
	}
}

// LoadAll seeds the service from a snapshot already durable in the
// persistence façade (kernel startup hydration), rebuilding the idempotency
// key index so a retried record_discovery_and_branch call after a restart
// still returns the original spawn instead of minting a duplicate.
func (s *Service) LoadAll(discoveries []*Discovery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range discoveries {
		s.byID[d.ID] = d
		s.byKey[idempotencyKey(d.SourceTaskID, d.Type, d.Description)] = d
	}
}

func (s *Service) persist(d *Discovery, createdAt time.Time) error {
	if s.Persist == nil {
		return nil
	}
	if err := s.Persist.InsertDiscovery(context.Background(), d, createdAt); err != nil {
		return kernelerr.Wrap(kernelerr.KindStoreUnavailable, err, "persist discovery %s", d.ID)
	}
	return nil
}

// RecordAndBranch implements record_discovery_and_branch: persists a
// Discovery, spawns a child task in spawnPhaseID (even if that phase is
// not reachable from the source task's phase under normal progression),
// links it as a dependency or sibling per the discovery type, applies the
// priority boost, and publishes discovery.recorded + task.created.
// Identical (source_task_id, type, normalized description) calls are
// idempotent and return the original spawn.
func (s *Service) RecordAndBranch(ctx context.Context, req Request) (*Discovery, error) {
	key := idempotencyKey(req.SourceTaskID, req.Type, req.Description)

	s.mu.Lock()
	if existing, ok := s.byKey[key]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.mu.Unlock()

	source, ok := s.sched.Get(req.SourceTaskID)
	if !ok {
		return nil, kernelerr.New(kernelerr.KindNotFound, "source task %s not found", req.SourceTaskID)
	}

	priority := source.Priority
	if req.PriorityBoost {
		priority = priority.Bump()
	}

	childID := uuid.New().String()
	child := &task.Task{
		ID:                   childID,
		TicketID:             source.TicketID,
		PhaseID:              req.SpawnPhaseID,
		Priority:             priority,
		RequiredCapabilities: req.RequiredCapabilities,
		ParentTaskID:         req.SourceTaskID,
	}
	if err := s.sched.Create(ctx, child); err != nil {
		return nil, err
	}

	if sequencingTypes[req.Type] {
		if err := s.sched.Store().AddDependency(req.SourceTaskID, childID); err != nil {
			return nil, err
		}
	}

	d := &Discovery{
		ID:               uuid.New().String(),
		SourceTaskID:      req.SourceTaskID,
		Type:              req.Type,
		Description:       req.Description,
		SpawnedTaskIDs:    []string{childID},
		PriorityBoost:     req.PriorityBoost,
		ResolutionStatus:  ResolutionOpen,
	}

	s.mu.Lock()
	s.byKey[key] = d
	s.byID[d.ID] = d
	s.mu.Unlock()

	if err := s.persist(d, s.clock.Now()); err != nil {
		return nil, err
	}

	if err := s.bus.Publish(ctx, TopicRecorded, req.SourceTaskID, "discovery", d); err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindBusUnavailable, err, "publish discovery.recorded")
	}

	return d, nil
}

// Get returns a discovery by ID.
func (s *Service) Get(id string) (*Discovery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	return d, ok
}

// Resolve marks a discovery resolved, e.g. when its spawned clarification
// task completes.
func (s *Service) Resolve(id string) error {
	s.mu.Lock()
	d, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return kernelerr.New(kernelerr.KindNotFound, "discovery %s not found", id)
	}
	d.ResolutionStatus = ResolutionResolved
	s.mu.Unlock()

	if s.Persist == nil {
		return nil
	}
	if err := s.Persist.UpdateDiscoveryResolution(context.Background(), d.ID, ResolutionResolved); err != nil {
		return kernelerr.Wrap(kernelerr.KindStoreUnavailable, err, "persist discovery resolution %s", d.ID)
	}
	return nil
}
