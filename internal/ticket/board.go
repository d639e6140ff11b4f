package ticket

import (
	"context"
	"sync"

	"github.com/c360studio/agentkernel/internal/agent"
	"github.com/c360studio/agentkernel/internal/busx"
	"github.com/c360studio/agentkernel/internal/kernelerr"
)

const TopicTransitioned = "ticket.transitioned"

// Column is the data model's BoardColumn entity.
type Column struct {
	ID               string
	SequenceOrder    int
	PhaseMapping     map[string]struct{}
	WIPLimit         *int
	IsTerminal       bool
	AutoTransitionTo string // empty means none
}

// acceptsPhase reports whether a ticket currently in phaseID may sit in
// this column.
func (c *Column) acceptsPhase(phaseID string) bool {
	_, ok := c.PhaseMapping[phaseID]
	return ok
}

// Board is the Kanban board: an ordered set of columns with WIP limits and
// optional auto-transition, mirroring the teacher's workflow-orchestrator
// rules-driven column model but generalized from a fixed five-column plan
// board to the spec's configurable board_columns table.
type Board struct {
	bus busx.Bus

	mu       sync.Mutex
	columns  map[string]*Column
	order    []string
	occupants map[string]map[string]struct{} // columnID -> set of ticket IDs
	location  map[string]string              // ticketID -> columnID
}

// NewBoard builds a board from the given columns, ordered by
// SequenceOrder as supplied by the caller.
func NewBoard(bus busx.Bus, columns []*Column) *Board {
	b := &Board{
		bus:       bus,
		columns:   make(map[string]*Column, len(columns)),
		occupants: make(map[string]map[string]struct{}, len(columns)),
		location:  make(map[string]string),
	}
	for _, c := range columns {
		b.columns[c.ID] = c
		b.occupants[c.ID] = make(map[string]struct{})
		b.order = append(b.order, c.ID)
	}
	return b
}

// Place inserts ticketID into columnID without any of the Move checks —
// used only for initial ticket creation.
func (b *Board) Place(ticketID, columnID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.columns[columnID]; !ok {
		return kernelerr.New(kernelerr.KindNotFound, "board column %s not found", columnID)
	}
	b.occupants[columnID][ticketID] = struct{}{}
	b.location[ticketID] = columnID
	return nil
}

// ColumnOf returns the column currently holding ticketID.
func (b *Board) ColumnOf(ticketID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.location[ticketID]
	return c, ok
}

// Move relocates ticketID into toColumnID, enforcing phase-mapping
// membership and the WIP limit unless force is set by an actor whose
// authority is at least guardian (spec §4.5). On success, if the
// destination column has a non-terminal auto_transition_to and its
// precondition holds, the ticket is moved again automatically.
func (b *Board) Move(ctx context.Context, ticketID, toColumnID, phaseID string, force bool, actorAuthority int) error {
	if force && actorAuthority < agent.TypeGuardian.AuthorityLevel() {
		return kernelerr.New(kernelerr.KindNotAuthorized, "force move requires authority >= guardian, got %d", actorAuthority)
	}

	b.mu.Lock()
	to, ok := b.columns[toColumnID]
	if !ok {
		b.mu.Unlock()
		return kernelerr.New(kernelerr.KindNotFound, "board column %s not found", toColumnID)
	}
	if !to.acceptsPhase(phaseID) && !force {
		b.mu.Unlock()
		return kernelerr.New(kernelerr.KindInvalidTransition, "column %s does not map phase %s", toColumnID, phaseID)
	}
	if to.WIPLimit != nil && len(b.occupants[toColumnID]) >= *to.WIPLimit && !force {
		b.mu.Unlock()
		return kernelerr.New(kernelerr.KindWIPExceeded, "column %s at WIP limit %d", toColumnID, *to.WIPLimit)
	}

	from := b.location[ticketID]
	if from != "" {
		delete(b.occupants[from], ticketID)
	}
	b.occupants[toColumnID][ticketID] = struct{}{}
	b.location[ticketID] = toColumnID
	b.mu.Unlock()

	if err := b.bus.Publish(ctx, TopicTransitioned, ticketID, "board", map[string]string{
		"ticket_id": ticketID, "from_column": from, "to_column": toColumnID,
	}); err != nil {
		return err
	}

	return b.maybeAutoTransition(ctx, ticketID, to, phaseID)
}

func (b *Board) maybeAutoTransition(ctx context.Context, ticketID string, from *Column, phaseID string) error {
	if from.IsTerminal || from.AutoTransitionTo == "" {
		return nil
	}
	b.mu.Lock()
	next, ok := b.columns[from.AutoTransitionTo]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if !next.acceptsPhase(phaseID) {
		return nil
	}
	if next.WIPLimit != nil {
		b.mu.Lock()
		full := len(b.occupants[next.ID]) >= *next.WIPLimit
		b.mu.Unlock()
		if full {
			return nil
		}
	}
	return b.Move(ctx, ticketID, from.AutoTransitionTo, phaseID, false, 0)
}

// IsTerminalColumn reports whether columnID is a terminal board column.
func (b *Board) IsTerminalColumn(columnID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.columns[columnID]
	return ok && c.IsTerminal
}

// Occupancy returns the number of tickets currently in columnID.
func (b *Board) Occupancy(columnID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.occupants[columnID])
}
