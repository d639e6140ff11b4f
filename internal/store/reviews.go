package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/agentkernel/internal/validation"
)

type reviewRow struct {
	ID               string    `db:"id"`
	TaskID           string    `db:"task_id"`
	ValidatorAgentID string    `db:"validator_agent_id"`
	IterationNumber  int       `db:"iteration_number"`
	ValidationPassed bool      `db:"validation_passed"`
	Feedback         string    `db:"feedback"`
	Evidence         []byte    `db:"evidence"`
	Recommendations  []byte    `db:"recommendations"`
	SubmittedAt      time.Time `db:"submitted_at"`
}

// InsertReview records a validation review. Reviews are immutable once
// written, per the validation package's Review doc comment, so this is
// insert-only (no upsert).
func (s *Store) InsertReview(ctx context.Context, r *validation.Review) error {
	evJSON, err := json.Marshal(r.Evidence)
	if err != nil {
		return fmt.Errorf("store: marshal evidence: %w", err)
	}
	recJSON, err := json.Marshal(r.Recommendations)
	if err != nil {
		return fmt.Errorf("store: marshal recommendations: %w", err)
	}
	row := reviewRow{
		ID:               r.ID,
		TaskID:           r.TaskID,
		ValidatorAgentID: r.ValidatorAgentID,
		IterationNumber:  r.IterationNumber,
		ValidationPassed: r.Passed,
		Feedback:         r.Feedback,
		Evidence:         evJSON,
		Recommendations:  recJSON,
		SubmittedAt:      r.SubmittedAt,
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO validation_reviews (id, task_id, validator_agent_id, iteration_number,
			validation_passed, feedback, evidence, recommendations, submitted_at)
		VALUES (:id, :task_id, :validator_agent_id, :iteration_number,
			:validation_passed, :feedback, :evidence, :recommendations, :submitted_at)`, row)
	if err != nil {
		return fmt.Errorf("store: insert review: %w", err)
	}
	return nil
}

// ListReviews returns every review recorded against taskID in iteration
// order.
func (s *Store) ListReviews(ctx context.Context, taskID string) ([]*validation.Review, error) {
	return s.queryReviews(ctx, `SELECT * FROM validation_reviews WHERE task_id = $1 ORDER BY iteration_number ASC`, taskID)
}

// ListAllReviews returns every review row in the façade, ordered by
// submission time. Used to rehydrate internal/validation.Loop's review
// history at kernel startup.
func (s *Store) ListAllReviews(ctx context.Context) ([]*validation.Review, error) {
	return s.queryReviews(ctx, `SELECT * FROM validation_reviews ORDER BY submitted_at ASC`)
}

func (s *Store) queryReviews(ctx context.Context, query string, args ...any) ([]*validation.Review, error) {
	var rows []reviewRow
	err := s.db.SelectContext(ctx, &rows, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list reviews: %w", err)
	}
	out := make([]*validation.Review, 0, len(rows))
	for _, r := range rows {
		var evidence, recs []string
		if err := json.Unmarshal(r.Evidence, &evidence); err != nil {
			return nil, fmt.Errorf("store: unmarshal evidence: %w", err)
		}
		if err := json.Unmarshal(r.Recommendations, &recs); err != nil {
			return nil, fmt.Errorf("store: unmarshal recommendations: %w", err)
		}
		out = append(out, &validation.Review{
			ID:               r.ID,
			TaskID:           r.TaskID,
			ValidatorAgentID: r.ValidatorAgentID,
			IterationNumber:  r.IterationNumber,
			Passed:           r.ValidationPassed,
			Feedback:         r.Feedback,
			Evidence:         evidence,
			Recommendations:  recs,
			SubmittedAt:      r.SubmittedAt,
		})
	}
	return out, nil
}
