package store

import (
	"context"
	"fmt"
	"time"

	"github.com/c360studio/agentkernel/internal/ticket"
)

type ticketRow struct {
	ID                 string     `db:"id"`
	Status             string     `db:"status"`
	PhaseID            string     `db:"phase_id"`
	ApprovalStatus     string     `db:"approval_status"`
	ApprovalDeadlineAt *time.Time `db:"approval_deadline_at"`
	Priority           int        `db:"priority"`
	RequestedByAgentID string     `db:"requested_by_agent_id"`
	Context            string     `db:"context"`
	ContextSummary     string     `db:"context_summary"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

func toTicketRow(t *ticket.Ticket) *ticketRow {
	return &ticketRow{
		ID:                 t.ID,
		Status:             t.Status,
		PhaseID:            t.PhaseID,
		ApprovalStatus:     string(t.ApprovalStatus),
		ApprovalDeadlineAt: timePtr(t.ApprovalDeadlineAt),
		Priority:           int(t.Priority),
		RequestedByAgentID: t.RequestedByAgentID,
		Context:            t.Context,
		ContextSummary:     t.ContextSummary,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
}

func (r *ticketRow) toTicket() *ticket.Ticket {
	t := &ticket.Ticket{
		ID:                 r.ID,
		Status:             r.Status,
		PhaseID:            r.PhaseID,
		ApprovalStatus:     ticket.ApprovalStatus(r.ApprovalStatus),
		Priority:           ticket.Priority(r.Priority),
		RequestedByAgentID: r.RequestedByAgentID,
		Context:            r.Context,
		ContextSummary:     r.ContextSummary,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.ApprovalDeadlineAt != nil {
		t.ApprovalDeadlineAt = *r.ApprovalDeadlineAt
	}
	return t
}

// UpsertTicket persists the current snapshot of t.
func (s *Store) UpsertTicket(ctx context.Context, t *ticket.Ticket) error {
	row := toTicketRow(t)
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO tickets (id, status, phase_id, approval_status, approval_deadline_at, priority,
			requested_by_agent_id, context, context_summary, created_at, updated_at)
		VALUES (:id, :status, :phase_id, :approval_status, :approval_deadline_at, :priority,
			:requested_by_agent_id, :context, :context_summary, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, phase_id = EXCLUDED.phase_id, approval_status = EXCLUDED.approval_status,
			approval_deadline_at = EXCLUDED.approval_deadline_at, priority = EXCLUDED.priority,
			context_summary = EXCLUDED.context_summary, updated_at = EXCLUDED.updated_at`, row)
	if err != nil {
		return fmt.Errorf("store: upsert ticket: %w", err)
	}
	return nil
}

// GetTicket loads a single ticket by ID.
func (s *Store) GetTicket(ctx context.Context, id string) (*ticket.Ticket, error) {
	var row ticketRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM tickets WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("store: get ticket %s: %w", id, err)
	}
	return row.toTicket(), nil
}

// ListAllTickets returns every ticket row in the façade, unordered. Used to
// rehydrate internal/ticket.Engine's in-memory index and board placement at
// kernel startup.
func (s *Store) ListAllTickets(ctx context.Context) ([]*ticket.Ticket, error) {
	var rows []ticketRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM tickets`); err != nil {
		return nil, fmt.Errorf("store: list all tickets: %w", err)
	}
	out := make([]*ticket.Ticket, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toTicket())
	}
	return out, nil
}

// ListPendingApproval returns tickets awaiting human review, used by the
// approval gate's timeout sweeper.
func (s *Store) ListPendingApproval(ctx context.Context) ([]*ticket.Ticket, error) {
	var rows []ticketRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM tickets WHERE approval_status = $1`, string(ticket.ApprovalPendingReview))
	if err != nil {
		return nil, fmt.Errorf("store: list pending approval: %w", err)
	}
	out := make([]*ticket.Ticket, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toTicket())
	}
	return out, nil
}
