package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type RunRepo struct {
	db *sql.DB
}

func NewRunRepo(db *sql.DB) *RunRepo {
	return &RunRepo{db: db}
}

func (r *RunRepo) Create(ctx context.Context, run *Run) error {
	if run == nil {
		return fmt.Errorf("run is required")
	}
	if strings.TrimSpace(run.SessionID) == "" {
		return fmt.Errorf("run session id is required")
	}
	if run.ID == "" {
		id, err := NewID()
		if err != nil {
			return err
		}
		run.ID = id
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = nowUTC()
	}
	if strings.TrimSpace(run.Status) == "" {
		run.Status = RunStatusRunning
	}
	argv, err := encodeStringSlice(run.Argv)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO runs (id, session_id, profile, argv, status, error, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		run.ID,
		run.SessionID,
		run.Profile,
		argv,
		run.Status,
		run.Error,
		formatTimestamp(run.StartedAt),
		formatTimestampOrEmpty(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (r *RunRepo) Get(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, session_id, profile, argv, status, error, started_at, finished_at
FROM runs
WHERE id = ?
`, id)
	run, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get run %q: %w", id, err)
	}
	return run, nil
}

// List returns runs newest first.
func (r *RunRepo) List(ctx context.Context, filter RunFilter) ([]*Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 500 {
		limit = 500
	}

	query := `
SELECT id, session_id, profile, argv, status, error, started_at, finished_at
FROM runs
`
	var where []string
	var args []any
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, strings.ToLower(strings.TrimSpace(filter.Status)))
	}
	if len(where) > 0 {
		query += "WHERE " + strings.Join(where, " AND ") + "\n"
	}
	query += "ORDER BY started_at DESC\nLIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]*Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// Finish marks the run as ended with the given status and error text.
func (r *RunRepo) Finish(ctx context.Context, id string, status string, errText string) error {
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case RunStatusOK, RunStatusFailed:
	default:
		return fmt.Errorf("invalid run status %q", status)
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE runs
SET status = ?, error = ?, finished_at = ?
WHERE id = ?
`, status, errText, formatTimestamp(nowUTC()), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run %q not found", id)
	}
	return nil
}

func (r *RunRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete run %q: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var argvRaw, startedRaw, finishedRaw string
	if err := row.Scan(
		&run.ID,
		&run.SessionID,
		&run.Profile,
		&argvRaw,
		&run.Status,
		&run.Error,
		&startedRaw,
		&finishedRaw,
	); err != nil {
		return nil, err
	}
	var err error
	if run.Argv, err = decodeStringSlice(argvRaw); err != nil {
		return nil, err
	}
	if run.StartedAt, err = parseTimestamp(startedRaw); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = parseOptionalTimestamp(finishedRaw); err != nil {
		return nil, err
	}
	return &run, nil
}
