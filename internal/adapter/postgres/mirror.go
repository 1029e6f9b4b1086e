package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/CodeTumbler/internal/domain/project"
	"github.com/Strob0t/CodeTumbler/internal/domain/usage"
)

// Mirror implements mirror.Mirror on a pgx pool.
type Mirror struct {
	pool *pgxpool.Pool
}

// NewMirror creates a Mirror over an existing pool.
func NewMirror(pool *pgxpool.Pool) *Mirror {
	return &Mirror{pool: pool}
}

// UpsertProject mirrors the full project state row.
func (m *Mirror) UpsertProject(ctx context.Context, st *project.State) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO projects (name, phase, iteration, max_iterations, quality_threshold,
		                      max_cost, last_score, error, start_time, last_update)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)
		ON CONFLICT (name) DO UPDATE SET
			phase             = EXCLUDED.phase,
			iteration         = EXCLUDED.iteration,
			max_iterations    = EXCLUDED.max_iterations,
			quality_threshold = EXCLUDED.quality_threshold,
			max_cost          = EXCLUDED.max_cost,
			last_score        = EXCLUDED.last_score,
			error             = EXCLUDED.error,
			last_update       = EXCLUDED.last_update`,
		st.Name, string(st.Phase), st.Iteration, st.MaxIterations, st.QualityThreshold,
		st.MaxCost, st.LastScore, st.Error, st.StartTime, st.LastUpdate)
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

// InsertUsage mirrors a single usage record.
func (m *Mirror) InsertUsage(ctx context.Context, projectName string, rec usage.Record) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO usage_records (project_name, agent, iteration, input_tokens,
		                           output_tokens, cost, provider_name, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
		projectName, rec.Agent, rec.Iteration, rec.InputTokens,
		rec.OutputTokens, rec.Cost, rec.Provider, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

// DeleteProject removes a project's mirrored rows.
func (m *Mirror) DeleteProject(ctx context.Context, projectName string) error {
	_, err := m.pool.Exec(ctx, `DELETE FROM projects WHERE name = $1`, projectName)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}
