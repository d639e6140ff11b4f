package store

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/agentkernel/internal/agent"
)

// agentRow is the wire shape for the agents table; capabilities round-trip
// through JSON since the agent package keeps them as a Go set.
type agentRow struct {
	ID                 string     `db:"id"`
	Name               string     `db:"name"`
	Type               string     `db:"type"`
	PhaseID            string     `db:"phase_id"`
	Capabilities       []byte     `db:"capabilities"`
	Status             string     `db:"status"`
	HealthStatus       string     `db:"health_status"`
	LastHeartbeatAt    *time.Time `db:"last_heartbeat_at"`
	CurrentTaskID      string     `db:"current_task_id"`
	CryptoPublicKey    []byte     `db:"crypto_public_key"`
	MaxConcurrentTasks int        `db:"max_concurrent_tasks"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

func toAgentRow(a *agent.Agent) (*agentRow, error) {
	caps := make([]string, 0, len(a.Capabilities))
	for c := range a.Capabilities {
		caps = append(caps, c)
	}
	capJSON, err := json.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("store: marshal capabilities: %w", err)
	}
	return &agentRow{
		ID:                 a.ID,
		Name:               a.Name,
		Type:               string(a.Type),
		PhaseID:            a.PhaseID,
		Capabilities:       capJSON,
		Status:             string(a.Status),
		HealthStatus:       string(a.HealthStatus),
		LastHeartbeatAt:    timePtr(a.LastHeartbeatAt),
		CurrentTaskID:      a.CurrentTaskID,
		CryptoPublicKey:    []byte(a.PublicKey),
		MaxConcurrentTasks: a.Capacity.MaxConcurrentTasks,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}, nil
}

func (r *agentRow) toAgent() (*agent.Agent, error) {
	var caps []string
	if err := json.Unmarshal(r.Capabilities, &caps); err != nil {
		return nil, fmt.Errorf("store: unmarshal capabilities: %w", err)
	}
	capSet := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		capSet[c] = struct{}{}
	}
	a := &agent.Agent{
		ID:              r.ID,
		Name:            r.Name,
		Type:            agent.Type(r.Type),
		PhaseID:         r.PhaseID,
		Capabilities:    capSet,
		Status:          agent.Status(r.Status),
		HealthStatus:    agent.HealthStatus(r.HealthStatus),
		CurrentTaskID:   r.CurrentTaskID,
		PublicKey:       ed25519.PublicKey(r.CryptoPublicKey),
		Capacity:        agent.Capacity{MaxConcurrentTasks: r.MaxConcurrentTasks},
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.LastHeartbeatAt != nil {
		a.LastHeartbeatAt = *r.LastHeartbeatAt
	}
	return a, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// UpsertAgent persists the current snapshot of a, replacing any prior row.
func (s *Store) UpsertAgent(ctx context.Context, a *agent.Agent) error {
	row, err := toAgentRow(a)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO agents (id, name, type, phase_id, capabilities, status, health_status,
			last_heartbeat_at, current_task_id, crypto_public_key, max_concurrent_tasks, created_at, updated_at)
		VALUES (:id, :name, :type, :phase_id, :capabilities, :status, :health_status,
			:last_heartbeat_at, :current_task_id, :crypto_public_key, :max_concurrent_tasks, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, type = EXCLUDED.type, phase_id = EXCLUDED.phase_id,
			capabilities = EXCLUDED.capabilities, status = EXCLUDED.status, health_status = EXCLUDED.health_status,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at, current_task_id = EXCLUDED.current_task_id,
			crypto_public_key = EXCLUDED.crypto_public_key, max_concurrent_tasks = EXCLUDED.max_concurrent_tasks,
			updated_at = EXCLUDED.updated_at`, row)
	if err != nil {
		return fmt.Errorf("store: upsert agent: %w", err)
	}
	return nil
}

// GetAgent loads a single agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	var row agentRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM agents WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("store: get agent %s: %w", id, err)
	}
	return row.toAgent()
}

// ListAllAgents returns every agent row in the façade, unordered. Used to
// rehydrate internal/agent.Registry's in-memory indices at kernel startup.
func (s *Store) ListAllAgents(ctx context.Context) ([]*agent.Agent, error) {
	var rows []agentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM agents`); err != nil {
		return nil, fmt.Errorf("store: list all agents: %w", err)
	}
	out := make([]*agent.Agent, 0, len(rows))
	for _, r := range rows {
		a, err := r.toAgent()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// ListAgentsByPhaseStatus returns every agent in phaseID with the given
// status, using the (phase_id, status) index named in the external
// interfaces section.
func (s *Store) ListAgentsByPhaseStatus(ctx context.Context, phaseID string, status agent.Status) ([]*agent.Agent, error) {
	var rows []agentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM agents WHERE phase_id = $1 AND status = $2`, phaseID, string(status)); err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	out := make([]*agent.Agent, 0, len(rows))
	for _, r := range rows {
		a, err := r.toAgent()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
