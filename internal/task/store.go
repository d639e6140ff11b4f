package task

import (
	"context"
	"sort"
	"sync"

	"github.com/c360studio/agentkernel/internal/kernelerr"
)

// Persister is the optional write-through hook into the persistence
// façade. When set, every Create/Update commits to the façade synchronously
// before returning, per spec §5 ("the persistence store is the only shared
// mutable state; all mutations go through the façade"). Defined here
// rather than taking internal/store directly to avoid an import cycle
// (internal/store imports task for its row conversions).
type Persister interface {
	UpsertTask(ctx context.Context, t *Task) error
}

// Store holds the live task graph in memory behind a single mutex, the
// same shape as the agent registry: per-entity data plus derived indices.
// When Persist is wired, LoadAll rebuilds this index from the façade at
// kernel startup and every mutation writes back through it; without a
// façade the store is purely in-memory.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*Task

	// Persist is optional; assigned post-construction by kernel wiring once
	// a persistence façade is configured.
	Persist Persister
}

// NewStore builds an empty task store.
func NewStore() *Store {
	return &Store{tasks: make(map[string]*Task)}
}

// LoadAll seeds the store from a snapshot already durable in the
// persistence façade (kernel startup hydration). It bypasses the
// dependency-cycle check and the Persist write-through since the snapshot
// is assumed internally consistent and already persisted.
func (s *Store) LoadAll(tasks []*Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
}

func (s *Store) persist(t *Task) error {
	if s.Persist == nil {
		return nil
	}
	if err := s.Persist.UpsertTask(context.Background(), t); err != nil {
		return kernelerr.Wrap(kernelerr.KindStoreUnavailable, err, "persist task %s", t.ID)
	}
	return nil
}

// Create inserts t after validating that every declared dependency exists
// and that adding it does not introduce a cycle in the dependency DAG.
func (s *Store) Create(t *Task) error {
	s.mu.Lock()

	for dep := range t.Dependencies {
		if _, ok := s.tasks[dep]; !ok {
			s.mu.Unlock()
			return kernelerr.New(kernelerr.KindDependencyCycle, "task %s depends on non-existent task %s", t.ID, dep)
		}
	}

	trial := make(map[string]*Task, len(s.tasks)+1)
	for id, existing := range s.tasks {
		trial[id] = existing
	}
	trial[t.ID] = t

	if err := detectCycle(trial); err != nil {
		s.mu.Unlock()
		return kernelerr.Wrap(kernelerr.KindDependencyCycle, err, "task %s", t.ID)
	}

	s.tasks[t.ID] = t
	s.mu.Unlock()

	return s.persist(t)
}

// AddDependency wires an existing task to depend on another, after
// confirming both exist and the new edge does not introduce a cycle. Used
// by the discovery service to make a source task block on a spawned
// clarification task after both already exist.
func (s *Store) AddDependency(taskID, dependsOnID string) error {
	s.mu.Lock()

	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return kernelerr.New(kernelerr.KindNotFound, "task %s not found", taskID)
	}
	if _, ok := s.tasks[dependsOnID]; !ok {
		s.mu.Unlock()
		return kernelerr.New(kernelerr.KindDependencyCycle, "task %s depends on non-existent task %s", taskID, dependsOnID)
	}

	trial := make(map[string]*Task, len(s.tasks))
	for id, existing := range s.tasks {
		trial[id] = existing
	}
	savedDeps := t.Dependencies
	newDeps := make(map[string]struct{}, len(savedDeps)+1)
	for d := range savedDeps {
		newDeps[d] = struct{}{}
	}
	newDeps[dependsOnID] = struct{}{}
	t.Dependencies = newDeps
	trial[taskID] = t

	if err := detectCycle(trial); err != nil {
		t.Dependencies = savedDeps
		s.mu.Unlock()
		return kernelerr.Wrap(kernelerr.KindDependencyCycle, err, "task %s -> %s", taskID, dependsOnID)
	}
	s.mu.Unlock()

	return s.persist(t)
}

// Get returns the task by ID.
func (s *Store) Get(id string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Update applies fn to the task under the store lock and returns the
// kernelerr.KindNotFound error if id is unknown.
func (s *Store) Update(id string, fn func(*Task)) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return kernelerr.New(kernelerr.KindNotFound, "task %s not found", id)
	}
	fn(t)
	s.mu.Unlock()

	return s.persist(t)
}

// doneSetLocked snapshots the IDs of every task currently in StatusDone.
func (s *Store) doneSetLocked() map[string]struct{} {
	done := make(map[string]struct{})
	for id, t := range s.tasks {
		if t.Status == StatusDone {
			done[id] = struct{}{}
		}
	}
	return done
}

// PendingByDispatchOrder returns every pending, dependency-ready task
// ordered by the scheduler's tiebreak: priority desc, created_at asc, ID
// asc.
func (s *Store) PendingByDispatchOrder() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	done := s.doneSetLocked()
	out := make([]*Task, 0)
	for _, t := range s.tasks {
		if t.Status != StatusPending {
			continue
		}
		if !t.DependenciesDone(done) {
			continue
		}
		out = append(out, t)
	}
	sortByDispatchOrder(out)
	return out
}

// GetReadyTasks returns up to limit mutually independent ready tasks (DAG
// batching, spec §4.4): tasks whose dependencies are done are, by
// construction, independent of one another (a ready task cannot itself be
// an unmet dependency of another ready task).
func (s *Store) GetReadyTasks(limit int) []*Task {
	ready := s.PendingByDispatchOrder()
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready
}

// ListByTicket returns every task belonging to ticketID.
func (s *Store) ListByTicket(ticketID string) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0)
	for _, t := range s.tasks {
		if t.TicketID == ticketID {
			out = append(out, t)
		}
	}
	sortByDispatchOrder(out)
	return out
}

// ListAll returns every task in the store, unordered.
func (s *Store) ListAll() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

func sortByDispatchOrder(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
