package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360studio/agentkernel/internal/ticket"
)

type phaseRow struct {
	ID                 string `db:"id"`
	SequenceOrder      int    `db:"sequence_order"`
	AllowedTransitions []byte `db:"allowed_transitions"`
	DoneDefinitions    []byte `db:"done_definitions"`
	ExpectedOutputs    []byte `db:"expected_outputs"`
	PhasePrompt        string `db:"phase_prompt"`
}

func toPhaseRow(p *ticket.Phase) (*phaseRow, error) {
	trans := make([]string, 0, len(p.AllowedTransitions))
	for t := range p.AllowedTransitions {
		trans = append(trans, t)
	}
	transJSON, err := json.Marshal(trans)
	if err != nil {
		return nil, fmt.Errorf("store: marshal allowed_transitions: %w", err)
	}
	doneJSON, err := json.Marshal(p.DoneDefinitions)
	if err != nil {
		return nil, fmt.Errorf("store: marshal done_definitions: %w", err)
	}
	outJSON, err := json.Marshal(p.ExpectedOutputs)
	if err != nil {
		return nil, fmt.Errorf("store: marshal expected_outputs: %w", err)
	}
	return &phaseRow{
		ID:                 p.ID,
		SequenceOrder:      p.SequenceOrder,
		AllowedTransitions: transJSON,
		DoneDefinitions:    doneJSON,
		ExpectedOutputs:    outJSON,
		PhasePrompt:        p.PhasePrompt,
	}, nil
}

func (r *phaseRow) toPhase() (*ticket.Phase, error) {
	var trans []string
	if err := json.Unmarshal(r.AllowedTransitions, &trans); err != nil {
		return nil, fmt.Errorf("store: unmarshal allowed_transitions: %w", err)
	}
	transSet := make(map[string]struct{}, len(trans))
	for _, t := range trans {
		transSet[t] = struct{}{}
	}
	var done []string
	if err := json.Unmarshal(r.DoneDefinitions, &done); err != nil {
		return nil, fmt.Errorf("store: unmarshal done_definitions: %w", err)
	}
	var outputs []ticket.ExpectedOutput
	if err := json.Unmarshal(r.ExpectedOutputs, &outputs); err != nil {
		return nil, fmt.Errorf("store: unmarshal expected_outputs: %w", err)
	}
	return &ticket.Phase{
		ID:                 r.ID,
		SequenceOrder:      r.SequenceOrder,
		AllowedTransitions: transSet,
		DoneDefinitions:    done,
		ExpectedOutputs:    outputs,
		PhasePrompt:        r.PhasePrompt,
	}, nil
}

// UpsertPhase persists a single phase definition.
func (s *Store) UpsertPhase(ctx context.Context, p *ticket.Phase) error {
	row, err := toPhaseRow(p)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO phases (id, sequence_order, allowed_transitions, done_definitions, expected_outputs, phase_prompt)
		VALUES (:id, :sequence_order, :allowed_transitions, :done_definitions, :expected_outputs, :phase_prompt)
		ON CONFLICT (id) DO UPDATE SET
			sequence_order = EXCLUDED.sequence_order, allowed_transitions = EXCLUDED.allowed_transitions,
			done_definitions = EXCLUDED.done_definitions, expected_outputs = EXCLUDED.expected_outputs,
			phase_prompt = EXCLUDED.phase_prompt`, row)
	if err != nil {
		return fmt.Errorf("store: upsert phase: %w", err)
	}
	return nil
}

// ListPhases loads every configured phase, ordered for catalogue
// construction at kernel startup.
func (s *Store) ListPhases(ctx context.Context) ([]*ticket.Phase, error) {
	var rows []phaseRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM phases ORDER BY sequence_order`); err != nil {
		return nil, fmt.Errorf("store: list phases: %w", err)
	}
	out := make([]*ticket.Phase, 0, len(rows))
	for _, r := range rows {
		p, err := r.toPhase()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
