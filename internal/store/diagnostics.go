package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/agentkernel/internal/diagnostic"
)

type diagnosticRunRow struct {
	ID              string     `db:"id"`
	WorkflowID      string     `db:"workflow_id"`
	TriggerReason   string     `db:"trigger_reason"`
	ContextSnapshot string     `db:"context_snapshot"`
	SpawnedTaskIDs  []byte     `db:"spawned_task_ids"`
	Status          string     `db:"status"`
	CooldownUntil   *time.Time `db:"cooldown_until"`
	CreatedAt       time.Time  `db:"created_at"`
}

// UpsertDiagnosticRun persists a diagnostic run, keyed by ID.
func (s *Store) UpsertDiagnosticRun(ctx context.Context, r *diagnostic.Run, createdAt time.Time) error {
	spawnedJSON, err := json.Marshal(r.SpawnedTaskIDs)
	if err != nil {
		return fmt.Errorf("store: marshal spawned_task_ids: %w", err)
	}
	row := diagnosticRunRow{
		ID: r.ID, WorkflowID: r.WorkflowID, TriggerReason: r.TriggerReason,
		ContextSnapshot: r.ContextSnapshot, SpawnedTaskIDs: spawnedJSON, Status: string(r.Status),
		CooldownUntil: timePtr(r.CooldownUntil), CreatedAt: createdAt,
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO diagnostic_runs (id, workflow_id, trigger_reason, context_snapshot, spawned_task_ids,
			status, cooldown_until, created_at)
		VALUES (:id, :workflow_id, :trigger_reason, :context_snapshot, :spawned_task_ids,
			:status, :cooldown_until, :created_at)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, cooldown_until = EXCLUDED.cooldown_until`, row)
	if err != nil {
		return fmt.Errorf("store: upsert diagnostic run: %w", err)
	}
	return nil
}

// ListDiagnosticRuns returns every diagnostic run recorded for workflowID,
// used to reconstruct the monitor's cooldown state across restarts.
func (s *Store) ListDiagnosticRuns(ctx context.Context, workflowID string) ([]*diagnostic.Run, error) {
	var rows []diagnosticRunRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM diagnostic_runs WHERE workflow_id = $1 ORDER BY created_at`, workflowID); err != nil {
		return nil, fmt.Errorf("store: list diagnostic runs: %w", err)
	}
	out := make([]*diagnostic.Run, 0, len(rows))
	for _, r := range rows {
		var spawned []string
		if err := json.Unmarshal(r.SpawnedTaskIDs, &spawned); err != nil {
			return nil, fmt.Errorf("store: unmarshal spawned_task_ids: %w", err)
		}
		run := &diagnostic.Run{
			ID: r.ID, WorkflowID: r.WorkflowID, TriggerReason: r.TriggerReason,
			ContextSnapshot: r.ContextSnapshot, SpawnedTaskIDs: spawned, Status: diagnostic.RunStatus(r.Status),
		}
		if r.CooldownUntil != nil {
			run.CooldownUntil = *r.CooldownUntil
		}
		out = append(out, run)
	}
	return out, nil
}
