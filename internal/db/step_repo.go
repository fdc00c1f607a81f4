package db

import (
	"context"
	"database/sql"
	"fmt"
)

type StepRepo struct {
	db *sql.DB
}

func NewStepRepo(db *sql.DB) *StepRepo {
	return &StepRepo{db: db}
}

// Create appends step to its run. Seq is assigned from the run's current
// step count; ID and timestamps are filled in when empty.
func (r *StepRepo) Create(ctx context.Context, step *Step) error {
	if step == nil {
		return fmt.Errorf("step is required")
	}
	if step.RunID == "" {
		return fmt.Errorf("step run id is required")
	}
	if step.ID == "" {
		id, err := NewID()
		if err != nil {
			return err
		}
		step.ID = id
	}
	if step.StartedAt.IsZero() {
		step.StartedAt = nowUTC()
	}
	if step.FinishedAt.IsZero() {
		step.FinishedAt = step.StartedAt
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin step insert: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM steps WHERE run_id = ?`, step.RunID).Scan(&step.Seq); err != nil {
		return fmt.Errorf("count steps: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO steps (
	id, run_id, seq, command, match_index, match_text, before_text, after_text, error, started_at, finished_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		step.ID,
		step.RunID,
		step.Seq,
		step.Command,
		step.MatchIndex,
		step.MatchText,
		step.BeforeText,
		step.AfterText,
		step.Error,
		formatTimestamp(step.StartedAt),
		formatTimestamp(step.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("create step: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit step: %w", err)
	}
	return nil
}

// ListByRun returns a run's steps in the order they were recorded.
func (r *StepRepo) ListByRun(ctx context.Context, runID string) ([]*Step, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, run_id, seq, command, match_index, match_text, before_text, after_text, error, started_at, finished_at
FROM steps
WHERE run_id = ?
ORDER BY seq ASC
`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	out := make([]*Step, 0)
	for rows.Next() {
		var item Step
		var startedRaw, finishedRaw string
		if err := rows.Scan(
			&item.ID,
			&item.RunID,
			&item.Seq,
			&item.Command,
			&item.MatchIndex,
			&item.MatchText,
			&item.BeforeText,
			&item.AfterText,
			&item.Error,
			&startedRaw,
			&finishedRaw,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		var parseErr error
		item.StartedAt, parseErr = parseTimestamp(startedRaw)
		if parseErr != nil {
			return nil, parseErr
		}
		item.FinishedAt, parseErr = parseTimestamp(finishedRaw)
		if parseErr != nil {
			return nil, parseErr
		}
		out = append(out, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return out, nil
}
