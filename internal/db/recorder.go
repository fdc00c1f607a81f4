package db

import (
	"context"
	"log/slog"
	"sync"

	"github.com/user/ptyexpect/expect"
)

// Recorder persists the steps of one session run. Call Begin before the
// session is created, pass the Recorder to expect.WithRecorder, and Finish
// once the session is over.
type Recorder struct {
	runs   *RunRepo
	steps  *StepRepo
	logger *slog.Logger

	mu  sync.Mutex
	run *Run
}

func NewRecorder(d *DB, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		runs:   NewRunRepo(d.SQL()),
		steps:  NewStepRepo(d.SQL()),
		logger: logger,
	}
}

// Begin creates the run row for sessionID.
func (r *Recorder) Begin(ctx context.Context, sessionID, profile string, argv []string) (*Run, error) {
	run := &Run{
		SessionID: sessionID,
		Profile:   profile,
		Argv:      argv,
	}
	if err := r.runs.Create(ctx, run); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.run = run
	r.mu.Unlock()
	return run, nil
}

// RecordStep implements expect.Recorder. Storage failures are logged; they
// never interrupt the session.
func (r *Recorder) RecordStep(ctx context.Context, sessionID string, step expect.Step) {
	r.mu.Lock()
	run := r.run
	r.mu.Unlock()
	if run == nil || run.SessionID != sessionID {
		r.logger.Warn("dropping step for unknown run", "session", sessionID, "command", step.Command)
		return
	}

	row := &Step{
		RunID:      run.ID,
		Command:    step.Command,
		MatchIndex: step.MatchIndex,
		MatchText:  step.Match,
		BeforeText: step.Before,
		AfterText:  step.After,
		StartedAt:  step.StartedAt,
		FinishedAt: step.FinishedAt,
	}
	if step.Err != nil {
		row.Error = step.Err.Error()
	}
	// The session's context may already be cancelled; the row is still wanted.
	if err := r.steps.Create(context.WithoutCancel(ctx), row); err != nil {
		r.logger.Error("failed to record step", "session", sessionID, "error", err)
	}
}

// Finish closes the run with status ok when runErr is nil, failed otherwise.
func (r *Recorder) Finish(ctx context.Context, runErr error) error {
	r.mu.Lock()
	run := r.run
	r.mu.Unlock()
	if run == nil {
		return nil
	}
	status, errText := RunStatusOK, ""
	if runErr != nil {
		status, errText = RunStatusFailed, runErr.Error()
	}
	return r.runs.Finish(ctx, run.ID, status, errText)
}
