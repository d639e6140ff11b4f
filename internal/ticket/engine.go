package ticket

import (
	"context"
	"sync"
	"time"

	"github.com/c360studio/agentkernel/internal/busx"
	"github.com/c360studio/agentkernel/internal/kclock"
	"github.com/c360studio/agentkernel/internal/kernelerr"
	"github.com/google/uuid"
)

// Topic names the ticket engine publishes, beyond board.TopicTransitioned.
const (
	TopicCreated        = "ticket.created"
	TopicApprovalPending = "ticket_approval_pending"
	TopicApproved       = "ticket_approved"
	TopicRejected       = "ticket_rejected"
	TopicTimedOut       = "ticket_timed_out"
	TopicGateRejected   = "phase.gate_rejected"
)

// OnReject names what happens to a rejected/timed-out ticket (spec §6
// config: on_reject).
type OnReject string

const (
	OnRejectDelete  OnReject = "delete"
	OnRejectArchive OnReject = "archive"
)

// Config tunes the ticket engine and human-approval gate.
type Config struct {
	ApprovalTimeout time.Duration
	OnReject        OnReject
}

// DefaultConfig returns the engine's default tuning.
func DefaultConfig() Config {
	return Config{ApprovalTimeout: 1800 * time.Second, OnReject: OnRejectArchive}
}

// alwaysInactive reports no active work; used when no TaskActivityChecker
// is wired (tests exercising the ticket engine alone).
type alwaysInactive struct{}

func (alwaysInactive) HasActiveWork(string) bool { return false }

// Persister is the optional write-through hook into the persistence
// façade, mirroring task.Persister. Defined here rather than taking
// internal/store directly to avoid an import cycle.
type Persister interface {
	UpsertTicket(ctx context.Context, t *Ticket) error
}

// Engine is the ticket/phase engine (C5): ticket lifecycle, the board, and
// phase-gate validation.
type Engine struct {
	bus       busx.Bus
	clock     kclock.Clock
	catalogue *Catalogue
	board     *Board
	cfg       Config
	dq        *kclock.DeadlineQueue
	activity  TaskActivityChecker
	summarizer Summarizer

	mu      sync.RWMutex
	tickets map[string]*Ticket
	// satisfiedDoneDefs[ticketID][doneDefinitionText] tracks which of the
	// current phase's done_definitions have been satisfied, reset on
	// every phase advance.
	satisfiedDoneDefs map[string]map[string]bool
	artifacts         map[string][]string
	archived          map[string]bool

	// Persist is optional; assigned post-construction once a persistence
	// façade is configured. Every ticket mutation writes through it.
	Persist Persister
}

// New builds a ticket engine. activity and summarizer may be nil to use
// the package defaults (no active-work tracking, truncating summarizer).
func New(bus busx.Bus, clock kclock.Clock, catalogue *Catalogue, board *Board, cfg Config, activity TaskActivityChecker, summarizer Summarizer) *Engine {
	if activity == nil {
		activity = alwaysInactive{}
	}
	if summarizer == nil {
		summarizer = TruncatingSummarizer{}
	}
	e := &Engine{
		bus: bus, clock: clock, catalogue: catalogue, board: board, cfg: cfg,
		activity: activity, summarizer: summarizer,
		tickets:           make(map[string]*Ticket),
		satisfiedDoneDefs: make(map[string]map[string]bool),
		artifacts:         make(map[string][]string),
		archived:          make(map[string]bool),
	}
	e.dq = kclock.NewDeadlineQueue(clock)
	return e
}

// Close stops the engine's approval-deadline sweeper.
func (e *Engine) Close() { e.dq.Stop() }

// LoadAll seeds the engine from a snapshot already durable in the
// persistence façade (kernel startup hydration), placing each ticket on
// board per its persisted column/status. Per-phase done-definition and
// artifact bookkeeping is transient (reset on every phase advance) and is
// not part of the persisted snapshot, so it starts empty after a restart.
func (e *Engine) LoadAll(tickets []*Ticket) error {
	e.mu.Lock()
	for _, t := range tickets {
		e.tickets[t.ID] = t
		e.satisfiedDoneDefs[t.ID] = make(map[string]bool)
	}
	e.mu.Unlock()

	for _, t := range tickets {
		if err := e.board.Place(t.ID, t.Status); err != nil {
			return kernelerr.Wrap(kernelerr.KindStoreUnavailable, err, "place hydrated ticket %s", t.ID)
		}
	}
	return nil
}

func (e *Engine) persist(t *Ticket) error {
	if e.Persist == nil {
		return nil
	}
	if err := e.Persist.UpsertTicket(context.Background(), t); err != nil {
		return kernelerr.Wrap(kernelerr.KindStoreUnavailable, err, "persist ticket %s", t.ID)
	}
	return nil
}

// CreateRequest carries the fields needed to create a ticket.
type CreateRequest struct {
	InitialPhaseID     string
	InitialColumnID    string
	Priority           Priority
	ApprovalRequired   bool
	RequestedByAgentID string
}

// Create inserts a new ticket. If ApprovalRequired, it enters
// pending_review with a deadline instead of becoming immediately active
// (spec §4.10); while pending, Place still happens so the ticket is
// visible on the board, but DispatchAllowed will refuse all tasks.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Ticket, error) {
	now := e.clock.Now()
	t := &Ticket{
		ID:                 uuid.New().String(),
		Status:             req.InitialColumnID,
		PhaseID:            req.InitialPhaseID,
		ApprovalStatus:     ApprovalNotRequired,
		Priority:           req.Priority,
		RequestedByAgentID: req.RequestedByAgentID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if req.ApprovalRequired {
		t.ApprovalStatus = ApprovalPendingReview
		t.ApprovalDeadlineAt = now.Add(e.cfg.ApprovalTimeout)
	}

	e.mu.Lock()
	e.tickets[t.ID] = t
	e.satisfiedDoneDefs[t.ID] = make(map[string]bool)
	e.mu.Unlock()

	if err := e.board.Place(t.ID, req.InitialColumnID); err != nil {
		return nil, err
	}

	if err := e.persist(t); err != nil {
		return nil, err
	}

	if err := e.bus.Publish(ctx, TopicCreated, t.ID, "ticket", t); err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindBusUnavailable, err, "publish ticket.created")
	}

	if req.ApprovalRequired {
		if err := e.bus.Publish(ctx, TopicApprovalPending, t.ID, "ticket", t); err != nil {
			return nil, err
		}
		e.dq.Schedule(t.ApprovalDeadlineAt, func(now time.Time) { e.sweepDeadline(t.ID, now) })
	}

	return t, nil
}

func (e *Engine) sweepDeadline(ticketID string, now time.Time) {
	e.mu.Lock()
	t, ok := e.tickets[ticketID]
	if !ok || t.ApprovalStatus != ApprovalPendingReview {
		e.mu.Unlock()
		return
	}
	if now.Before(t.ApprovalDeadlineAt) {
		e.mu.Unlock()
		return
	}
	t.ApprovalStatus = ApprovalTimedOut
	t.UpdatedAt = now
	e.mu.Unlock()

	_ = e.persist(t) // best-effort: this sweeper has no caller to surface a write-through failure to
	_ = e.bus.Publish(context.Background(), TopicTimedOut, ticketID, "ticket", map[string]string{"ticket_id": ticketID})
	e.applyOnReject(ticketID)
}

// Get returns a ticket by ID.
func (e *Engine) Get(ticketID string) (*Ticket, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tickets[ticketID]
	return t, ok
}

// Approve moves a pending_review ticket to approved, allowing dispatch.
// Approving an already-approved ticket is a no-op (idempotence law §8).
func (e *Engine) Approve(ctx context.Context, ticketID string) error {
	e.mu.Lock()
	t, ok := e.tickets[ticketID]
	if !ok {
		e.mu.Unlock()
		return kernelerr.New(kernelerr.KindNotFound, "ticket %s not found", ticketID)
	}
	if t.ApprovalStatus == ApprovalApproved {
		e.mu.Unlock()
		return nil
	}
	if t.ApprovalStatus != ApprovalPendingReview {
		e.mu.Unlock()
		return kernelerr.New(kernelerr.KindInvalidTransition, "ticket %s approval status %s cannot be approved", ticketID, t.ApprovalStatus)
	}
	t.ApprovalStatus = ApprovalApproved
	t.UpdatedAt = e.clock.Now()
	e.mu.Unlock()

	if err := e.persist(t); err != nil {
		return err
	}

	return e.bus.Publish(ctx, TopicApproved, ticketID, "ticket", map[string]string{"ticket_id": ticketID})
}

// Reject moves a pending_review ticket to rejected and applies on_reject.
func (e *Engine) Reject(ctx context.Context, ticketID, reason string) error {
	e.mu.Lock()
	t, ok := e.tickets[ticketID]
	if !ok {
		e.mu.Unlock()
		return kernelerr.New(kernelerr.KindNotFound, "ticket %s not found", ticketID)
	}
	if t.ApprovalStatus != ApprovalPendingReview {
		e.mu.Unlock()
		return kernelerr.New(kernelerr.KindInvalidTransition, "ticket %s approval status %s cannot be rejected", ticketID, t.ApprovalStatus)
	}
	t.ApprovalStatus = ApprovalRejected
	t.UpdatedAt = e.clock.Now()
	e.mu.Unlock()

	if err := e.persist(t); err != nil {
		return err
	}

	if err := e.bus.Publish(ctx, TopicRejected, ticketID, "ticket", map[string]string{"ticket_id": ticketID, "reason": reason}); err != nil {
		return err
	}
	e.applyOnReject(ticketID)
	return nil
}

func (e *Engine) applyOnReject(ticketID string) {
	if e.cfg.OnReject == OnRejectDelete {
		e.mu.Lock()
		delete(e.tickets, ticketID)
		delete(e.satisfiedDoneDefs, ticketID)
		e.mu.Unlock()
		return
	}
	e.mu.Lock()
	e.archived[ticketID] = true
	e.mu.Unlock()
}

// DispatchAllowed implements task.ApprovalGate: a ticket may dispatch
// tasks only while not_required or approved.
func (e *Engine) DispatchAllowed(ticketID string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tickets[ticketID]
	if !ok {
		return false, kernelerr.New(kernelerr.KindNotFound, "ticket %s not found", ticketID)
	}
	return t.ApprovalStatus == ApprovalNotRequired || t.ApprovalStatus == ApprovalApproved, nil
}

// SatisfyDoneDefinition marks one of the current phase's done_definitions
// satisfied for ticketID, e.g. on a task's completion or an explicit
// artifact submission.
func (e *Engine) SatisfyDoneDefinition(ticketID, definition string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.satisfiedDoneDefs[ticketID]
	if !ok {
		m = make(map[string]bool)
		e.satisfiedDoneDefs[ticketID] = m
	}
	m[definition] = true
}

// RecordArtifact registers a produced artifact path for ticketID, checked
// against expected_outputs globs at gate time.
func (e *Engine) RecordArtifact(ticketID, path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.artifacts[ticketID] = append(e.artifacts[ticketID], path)
}

// TransitionPhase advances ticketID's phase_id to nextPhaseID. The move
// succeeds only if the phase gate passes and either nextPhaseID is in the
// current phase's allowed_transitions, or discoveryInitiated is true (the
// discovery bypass of spec §4.6; no configuration flag restricts it, so
// every discovery-initiated call skips the allowed_transitions check). On
// success, context is aggregated
// and summarized onto the ticket and it moves to toColumnID.
func (e *Engine) TransitionPhase(ctx context.Context, ticketID, nextPhaseID, toColumnID string, discoveryInitiated bool, sources []ContextSource, maxSummaryBytes int) error {
	e.mu.RLock()
	t, ok := e.tickets[ticketID]
	if !ok {
		e.mu.RUnlock()
		return kernelerr.New(kernelerr.KindNotFound, "ticket %s not found", ticketID)
	}
	curPhaseID := t.PhaseID
	e.mu.RUnlock()

	curPhase, ok := e.catalogue.Get(curPhaseID)
	if !ok {
		return kernelerr.New(kernelerr.KindNotFound, "phase %s not found", curPhaseID)
	}

	if !discoveryInitiated && !curPhase.AllowsTransitionTo(nextPhaseID) {
		return kernelerr.New(kernelerr.KindPhaseGateRejected, "phase %s does not allow transition to %s", curPhaseID, nextPhaseID)
	}

	e.mu.RLock()
	satisfied := e.satisfiedDoneDefs[ticketID]
	artifacts := e.artifacts[ticketID]
	e.mu.RUnlock()

	result := EvaluateGate(curPhase, satisfied, artifacts)
	if !result.Passed {
		_ = e.bus.Publish(ctx, TopicGateRejected, ticketID, "ticket", map[string]any{
			"ticket_id":                ticketID,
			"missing_done_definitions": result.MissingDoneDefinitions,
			"expected_outputs_missing": result.MissingExpectedOutputs,
		})
		return kernelerr.New(kernelerr.KindPhaseGateRejected, "phase gate rejected for ticket %s: missing=%v expected_outputs_missing=%v",
			ticketID, result.MissingDoneDefinitions, result.MissingExpectedOutputs)
	}

	aggregated := Aggregate(sources)
	summary, err := e.summarizer.Summarize(aggregated, maxSummaryBytes)
	if err != nil {
		return err
	}

	e.mu.Lock()
	t.PhaseID = nextPhaseID
	t.Status = toColumnID
	t.Context = aggregated
	t.ContextSummary = summary
	t.UpdatedAt = e.clock.Now()
	e.satisfiedDoneDefs[ticketID] = make(map[string]bool)
	e.artifacts[ticketID] = nil
	e.mu.Unlock()

	if err := e.persist(t); err != nil {
		return err
	}

	return e.board.Move(ctx, ticketID, toColumnID, nextPhaseID, false, 0)
}

// ActiveTicketIDs implements diagnostic.TicketLister: every ticket that is
// neither archived nor sitting in a terminal board column, i.e. still
// eligible for the diagnostic monitor's stuck-workflow sweep.
func (e *Engine) ActiveTicketIDs() []string {
	e.mu.RLock()
	ids := make([]string, 0, len(e.tickets))
	for id := range e.tickets {
		if e.archived[id] {
			continue
		}
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	out := ids[:0]
	for _, id := range ids {
		colID, ok := e.board.ColumnOf(id)
		if !ok {
			continue
		}
		if e.board.IsTerminalColumn(colID) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Archived reports whether ticketID was archived via on_reject=archive.
func (e *Engine) Archived(ticketID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.archived[ticketID]
}
