package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/agentkernel/internal/supervisor"
)

type supervisorActionRow struct {
	ID             string     `db:"id"`
	ActorAgentID   string     `db:"actor_agent_id"`
	AuthorityLevel int        `db:"authority_level"`
	ActionType     string     `db:"action_type"`
	Target         string     `db:"target"`
	Reversed       bool       `db:"reversed"`
	AuditLog       []byte     `db:"audit_log"`
	PreState       string     `db:"pre_state"`
	PostState      string     `db:"post_state"`
	CreatedAt      time.Time  `db:"created_at"`
	RevertDeadline *time.Time `db:"revert_deadline"`
}

// UpsertSupervisorAction persists a supervisor action, including its
// append-only audit log, keyed by ID.
func (s *Store) UpsertSupervisorAction(ctx context.Context, a *supervisor.SupervisorAction) error {
	auditJSON, err := json.Marshal(a.AuditLog)
	if err != nil {
		return fmt.Errorf("store: marshal audit_log: %w", err)
	}
	row := supervisorActionRow{
		ID: a.ID, ActorAgentID: a.ActorAgentID, AuthorityLevel: int(a.AuthorityLevel),
		ActionType: string(a.ActionType), Target: a.Target, Reversed: a.Reversed,
		AuditLog: auditJSON, PreState: a.PreState, PostState: a.PostState,
		CreatedAt: a.CreatedAt, RevertDeadline: timePtr(a.RevertDeadline),
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO supervisor_actions (id, actor_agent_id, authority_level, action_type, target,
			reversed, audit_log, pre_state, post_state, created_at, revert_deadline)
		VALUES (:id, :actor_agent_id, :authority_level, :action_type, :target,
			:reversed, :audit_log, :pre_state, :post_state, :created_at, :revert_deadline)
		ON CONFLICT (id) DO UPDATE SET reversed = EXCLUDED.reversed, audit_log = EXCLUDED.audit_log`, row)
	if err != nil {
		return fmt.Errorf("store: upsert supervisor action: %w", err)
	}
	return nil
}

// ListSupervisorActionsByTarget returns every action recorded against
// target in issuance order, used to re-derive cascaded-state rejections
// across restarts.
func (s *Store) ListSupervisorActionsByTarget(ctx context.Context, target string) ([]*supervisor.SupervisorAction, error) {
	return s.querySupervisorActions(ctx, `SELECT * FROM supervisor_actions WHERE target = $1 ORDER BY created_at ASC`, target)
}

// ListAllSupervisorActions returns every supervisor action row in the
// façade, in issuance order. Used to rehydrate internal/supervisor's
// per-target action index at kernel startup.
func (s *Store) ListAllSupervisorActions(ctx context.Context) ([]*supervisor.SupervisorAction, error) {
	return s.querySupervisorActions(ctx, `SELECT * FROM supervisor_actions ORDER BY created_at ASC`)
}

func (s *Store) querySupervisorActions(ctx context.Context, query string, args ...any) ([]*supervisor.SupervisorAction, error) {
	var rows []supervisorActionRow
	err := s.db.SelectContext(ctx, &rows, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list supervisor actions: %w", err)
	}
	out := make([]*supervisor.SupervisorAction, 0, len(rows))
	for _, r := range rows {
		var audit []supervisor.AuditEntry
		if err := json.Unmarshal(r.AuditLog, &audit); err != nil {
			return nil, fmt.Errorf("store: unmarshal audit_log: %w", err)
		}
		action := &supervisor.SupervisorAction{
			ID: r.ID, ActorAgentID: r.ActorAgentID, AuthorityLevel: supervisor.Level(r.AuthorityLevel),
			ActionType: supervisor.ActionType(r.ActionType), Target: r.Target, Reversed: r.Reversed,
			AuditLog: audit, CreatedAt: r.CreatedAt, PreState: r.PreState, PostState: r.PostState,
		}
		if r.RevertDeadline != nil {
			action.RevertDeadline = *r.RevertDeadline
		}
		out = append(out, action)
	}
	return out, nil
}
