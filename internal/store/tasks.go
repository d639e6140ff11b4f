package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/agentkernel/internal/task"
)

type taskRow struct {
	ID                     string     `db:"id"`
	TicketID               string     `db:"ticket_id"`
	PhaseID                string     `db:"phase_id"`
	Status                 string     `db:"status"`
	Priority               int        `db:"priority"`
	RequiredCapabilities   []byte     `db:"required_capabilities"`
	Dependencies           []byte     `db:"dependencies"`
	ParentTaskID           string     `db:"parent_task_id"`
	AssignedAgentID        string     `db:"assigned_agent_id"`
	ValidationEnabled      bool       `db:"validation_enabled"`
	ValidationIteration    int        `db:"validation_iteration"`
	LastValidationFeedback string     `db:"last_validation_feedback"`
	RetryCount             int        `db:"retry_count"`
	BlockedReason          string     `db:"blocked_reason"`
	CreatedAt              time.Time  `db:"created_at"`
	StartedAt              *time.Time `db:"started_at"`
	CompletedAt            *time.Time `db:"completed_at"`
	UpdatedAt              time.Time  `db:"updated_at"`
}

func toTaskRow(t *task.Task) (*taskRow, error) {
	deps := make([]string, 0, len(t.Dependencies))
	for d := range t.Dependencies {
		deps = append(deps, d)
	}
	reqJSON, err := json.Marshal(t.RequiredCapabilities)
	if err != nil {
		return nil, fmt.Errorf("store: marshal required_capabilities: %w", err)
	}
	depJSON, err := json.Marshal(deps)
	if err != nil {
		return nil, fmt.Errorf("store: marshal dependencies: %w", err)
	}
	return &taskRow{
		ID:                     t.ID,
		TicketID:               t.TicketID,
		PhaseID:                t.PhaseID,
		Status:                 string(t.Status),
		Priority:               int(t.Priority),
		RequiredCapabilities:   reqJSON,
		Dependencies:           depJSON,
		ParentTaskID:           t.ParentTaskID,
		AssignedAgentID:        t.AssignedAgentID,
		ValidationEnabled:      t.ValidationEnabled,
		ValidationIteration:    t.ValidationIteration,
		LastValidationFeedback: t.LastValidationFeedback,
		RetryCount:             t.RetryCount,
		BlockedReason:          t.BlockedReason,
		CreatedAt:              t.CreatedAt,
		StartedAt:              timePtr(t.StartedAt),
		CompletedAt:            timePtr(t.CompletedAt),
		UpdatedAt:              t.UpdatedAt,
	}, nil
}

func (r *taskRow) toTask() (*task.Task, error) {
	var reqCaps []string
	if err := json.Unmarshal(r.RequiredCapabilities, &reqCaps); err != nil {
		return nil, fmt.Errorf("store: unmarshal required_capabilities: %w", err)
	}
	var deps []string
	if err := json.Unmarshal(r.Dependencies, &deps); err != nil {
		return nil, fmt.Errorf("store: unmarshal dependencies: %w", err)
	}
	depSet := make(map[string]struct{}, len(deps))
	for _, d := range deps {
		depSet[d] = struct{}{}
	}
	t := &task.Task{
		ID:                     r.ID,
		TicketID:               r.TicketID,
		PhaseID:                r.PhaseID,
		Status:                 task.Status(r.Status),
		Priority:               task.Priority(r.Priority),
		RequiredCapabilities:   reqCaps,
		Dependencies:           depSet,
		ParentTaskID:           r.ParentTaskID,
		AssignedAgentID:        r.AssignedAgentID,
		ValidationEnabled:      r.ValidationEnabled,
		ValidationIteration:    r.ValidationIteration,
		LastValidationFeedback: r.LastValidationFeedback,
		RetryCount:             r.RetryCount,
		BlockedReason:          r.BlockedReason,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}
	if r.StartedAt != nil {
		t.StartedAt = *r.StartedAt
	}
	if r.CompletedAt != nil {
		t.CompletedAt = *r.CompletedAt
	}
	return t, nil
}

// UpsertTask persists the current snapshot of t.
func (s *Store) UpsertTask(ctx context.Context, t *task.Task) error {
	row, err := toTaskRow(t)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO tasks (id, ticket_id, phase_id, status, priority, required_capabilities, dependencies,
			parent_task_id, assigned_agent_id, validation_enabled, validation_iteration, last_validation_feedback,
			retry_count, blocked_reason, created_at, started_at, completed_at, updated_at)
		VALUES (:id, :ticket_id, :phase_id, :status, :priority, :required_capabilities, :dependencies,
			:parent_task_id, :assigned_agent_id, :validation_enabled, :validation_iteration, :last_validation_feedback,
			:retry_count, :blocked_reason, :created_at, :started_at, :completed_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, priority = EXCLUDED.priority, assigned_agent_id = EXCLUDED.assigned_agent_id,
			validation_enabled = EXCLUDED.validation_enabled, validation_iteration = EXCLUDED.validation_iteration,
			last_validation_feedback = EXCLUDED.last_validation_feedback, retry_count = EXCLUDED.retry_count,
			blocked_reason = EXCLUDED.blocked_reason, started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at, updated_at = EXCLUDED.updated_at`, row)
	if err != nil {
		return fmt.Errorf("store: upsert task: %w", err)
	}
	return nil
}

// GetTask loads a single task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var row taskRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("store: get task %s: %w", id, err)
	}
	return row.toTask()
}

// ListDispatchCandidates returns pending tasks for phaseID ordered by the
// dispatch index: priority desc, created_at asc.
func (s *Store) ListDispatchCandidates(ctx context.Context, phaseID string) ([]*task.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM tasks
		WHERE phase_id = $1 AND status = $2
		ORDER BY priority DESC, created_at ASC`, phaseID, string(task.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("store: list dispatch candidates: %w", err)
	}
	out := make([]*task.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ListAllTasks returns every task row in the façade, unordered. Used to
// rehydrate internal/task.Store's in-memory index at kernel startup.
func (s *Store) ListAllTasks(ctx context.Context) ([]*task.Task, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM tasks`); err != nil {
		return nil, fmt.Errorf("store: list all tasks: %w", err)
	}
	out := make([]*task.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ListByTicket returns every task belonging to ticketID.
func (s *Store) ListByTicket(ctx context.Context, ticketID string) ([]*task.Task, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM tasks WHERE ticket_id = $1`, ticketID); err != nil {
		return nil, fmt.Errorf("store: list tasks by ticket: %w", err)
	}
	out := make([]*task.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
