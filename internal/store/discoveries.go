package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/agentkernel/internal/discovery"
)

type discoveryRow struct {
	ID                string    `db:"id"`
	SourceTaskID      string    `db:"source_task_id"`
	Type              string    `db:"type"`
	Description       string    `db:"description"`
	DescriptionSHA256 string    `db:"description_sha256"`
	SpawnedTaskIDs    []byte    `db:"spawned_task_ids"`
	ResolutionStatus  string    `db:"resolution_status"`
	CreatedAt         time.Time `db:"created_at"`
}

// PriorityBoost is stored implicitly: a discovery that boosted priority
// spawns tasks already bumped, so the boost itself needn't persist as a
// separate column beyond the resulting task rows.

// InsertDiscovery records a new task discovery, enforcing the
// (source_task_id, type, sha256(description)) uniqueness constraint named
// in the external interfaces section at the database layer rather than
// only in the in-memory engine.
func (s *Store) InsertDiscovery(ctx context.Context, d *discovery.Discovery, createdAt time.Time) error {
	spawnedJSON, err := json.Marshal(d.SpawnedTaskIDs)
	if err != nil {
		return fmt.Errorf("store: marshal spawned_task_ids: %w", err)
	}
	sum := sha256.Sum256([]byte(d.Description))
	row := discoveryRow{
		ID:                d.ID,
		SourceTaskID:      d.SourceTaskID,
		Type:              string(d.Type),
		Description:       d.Description,
		DescriptionSHA256: hex.EncodeToString(sum[:]),
		SpawnedTaskIDs:    spawnedJSON,
		ResolutionStatus:  string(d.ResolutionStatus),
		CreatedAt:         createdAt,
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO task_discoveries (id, source_task_id, type, description, description_sha256,
			spawned_task_ids, resolution_status, created_at)
		VALUES (:id, :source_task_id, :type, :description, :description_sha256,
			:spawned_task_ids, :resolution_status, :created_at)
		ON CONFLICT (source_task_id, type, description_sha256) DO NOTHING`, row)
	if err != nil {
		return fmt.Errorf("store: insert discovery: %w", err)
	}
	return nil
}

// UpdateDiscoveryResolution updates a discovery's resolution_status in
// place. Unlike InsertDiscovery, this is a genuine update: the uniqueness
// constraint only guards the initial insert, and a discovery resolving (its
// spawned clarification task completing) must be reflected even though the
// row's (source_task_id, type, description_sha256) key is unchanged.
func (s *Store) UpdateDiscoveryResolution(ctx context.Context, id string, status discovery.ResolutionStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE task_discoveries SET resolution_status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("store: update discovery resolution: %w", err)
	}
	return nil
}

// ListDiscoveriesBySource returns every discovery recorded against
// sourceTaskID.
func (s *Store) ListDiscoveriesBySource(ctx context.Context, sourceTaskID string) ([]*discovery.Discovery, error) {
	return s.queryDiscoveries(ctx, `SELECT * FROM task_discoveries WHERE source_task_id = $1`, sourceTaskID)
}

// ListAllDiscoveries returns every discovery row in the façade, unordered.
// Used to rehydrate internal/discovery.Service's idempotency index at
// kernel startup.
func (s *Store) ListAllDiscoveries(ctx context.Context) ([]*discovery.Discovery, error) {
	return s.queryDiscoveries(ctx, `SELECT * FROM task_discoveries`)
}

func (s *Store) queryDiscoveries(ctx context.Context, query string, args ...any) ([]*discovery.Discovery, error) {
	var rows []discoveryRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("store: query discoveries: %w", err)
	}
	out := make([]*discovery.Discovery, 0, len(rows))
	for _, r := range rows {
		var spawned []string
		if err := json.Unmarshal(r.SpawnedTaskIDs, &spawned); err != nil {
			return nil, fmt.Errorf("store: unmarshal spawned_task_ids: %w", err)
		}
		out = append(out, &discovery.Discovery{
			ID:               r.ID,
			SourceTaskID:     r.SourceTaskID,
			Type:             discovery.Type(r.Type),
			Description:      r.Description,
			SpawnedTaskIDs:   spawned,
			ResolutionStatus: discovery.ResolutionStatus(r.ResolutionStatus),
		})
	}
	return out, nil
}
