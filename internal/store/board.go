package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360studio/agentkernel/internal/ticket"
)

type boardColumnRow struct {
	ID               string `db:"id"`
	SequenceOrder    int    `db:"sequence_order"`
	PhaseMapping     []byte `db:"phase_mapping"`
	WIPLimit         *int   `db:"wip_limit"`
	IsTerminal       bool   `db:"is_terminal"`
	AutoTransitionTo string `db:"auto_transition_to"`
}

func toBoardColumnRow(c *ticket.Column) (*boardColumnRow, error) {
	phases := make([]string, 0, len(c.PhaseMapping))
	for p := range c.PhaseMapping {
		phases = append(phases, p)
	}
	phaseJSON, err := json.Marshal(phases)
	if err != nil {
		return nil, fmt.Errorf("store: marshal phase_mapping: %w", err)
	}
	return &boardColumnRow{
		ID:               c.ID,
		SequenceOrder:    c.SequenceOrder,
		PhaseMapping:     phaseJSON,
		WIPLimit:         c.WIPLimit,
		IsTerminal:       c.IsTerminal,
		AutoTransitionTo: c.AutoTransitionTo,
	}, nil
}

func (r *boardColumnRow) toColumn() (*ticket.Column, error) {
	var phases []string
	if err := json.Unmarshal(r.PhaseMapping, &phases); err != nil {
		return nil, fmt.Errorf("store: unmarshal phase_mapping: %w", err)
	}
	phaseSet := make(map[string]struct{}, len(phases))
	for _, p := range phases {
		phaseSet[p] = struct{}{}
	}
	return &ticket.Column{
		ID:               r.ID,
		SequenceOrder:    r.SequenceOrder,
		PhaseMapping:     phaseSet,
		WIPLimit:         r.WIPLimit,
		IsTerminal:       r.IsTerminal,
		AutoTransitionTo: r.AutoTransitionTo,
	}, nil
}

// UpsertBoardColumn persists a single board column definition.
func (s *Store) UpsertBoardColumn(ctx context.Context, c *ticket.Column) error {
	row, err := toBoardColumnRow(c)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO board_columns (id, sequence_order, phase_mapping, wip_limit, is_terminal, auto_transition_to)
		VALUES (:id, :sequence_order, :phase_mapping, :wip_limit, :is_terminal, :auto_transition_to)
		ON CONFLICT (id) DO UPDATE SET
			sequence_order = EXCLUDED.sequence_order, phase_mapping = EXCLUDED.phase_mapping,
			wip_limit = EXCLUDED.wip_limit, is_terminal = EXCLUDED.is_terminal,
			auto_transition_to = EXCLUDED.auto_transition_to`, row)
	if err != nil {
		return fmt.Errorf("store: upsert board column: %w", err)
	}
	return nil
}

// ListBoardColumns loads the board layout in sequence order, used to
// rebuild the in-memory Board at kernel startup.
func (s *Store) ListBoardColumns(ctx context.Context) ([]*ticket.Column, error) {
	var rows []boardColumnRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM board_columns ORDER BY sequence_order`); err != nil {
		return nil, fmt.Errorf("store: list board columns: %w", err)
	}
	out := make([]*ticket.Column, 0, len(rows))
	for _, r := range rows {
		c, err := r.toColumn()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
