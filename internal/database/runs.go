package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/avatarforge/api/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrRunNotFound is returned when no run has the requested id
var ErrRunNotFound = errors.New("run not found")

// RunStore persists run audit records in generation_runs
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore creates a RunStore
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

// RecordRun upserts a run record
func (s *RunStore) RecordRun(ctx context.Context, run models.RunRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO generation_runs
			(id, kind, subject_id, status, styles, succeeded_count, failed_styles, model_id, error_message, latency_ms, provider_attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			succeeded_count = EXCLUDED.succeeded_count,
			failed_styles = EXCLUDED.failed_styles,
			model_id = EXCLUDED.model_id,
			error_message = EXCLUDED.error_message,
			latency_ms = EXCLUDED.latency_ms,
			provider_attempts = EXCLUDED.provider_attempts
	`, run.ID, string(run.Kind), run.SubjectID, string(run.Status), nonNil(run.Styles), run.SucceededCount,
		nonNil(run.FailedStyles), run.ModelID, run.ErrorMessage, run.LatencyMs, run.ProviderAttempts, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert generation run: %w", err)
	}
	return nil
}

// GetRun loads one run record
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (*models.RunRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, kind, subject_id, status, styles, succeeded_count, failed_styles,
		       COALESCE(model_id, ''), COALESCE(error_message, ''), latency_ms, provider_attempts, created_at
		FROM generation_runs WHERE id = $1
	`, id)

	var run models.RunRecord
	var kind, status string
	err := row.Scan(&run.ID, &kind, &run.SubjectID, &status, &run.Styles, &run.SucceededCount,
		&run.FailedStyles, &run.ModelID, &run.ErrorMessage, &run.LatencyMs, &run.ProviderAttempts, &run.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query generation run: %w", err)
	}
	run.Kind = models.RunKind(kind)
	run.Status = models.RunStatus(status)
	return &run, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
