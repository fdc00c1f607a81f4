package expect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// disconnectSentinel returns text the child never prints, so the disconnect
// wait can only end by termination, timeout or an I/O error.
var disconnectSentinel = func() string {
	return "__ptyexpect_disconnect_" + uuid.NewString() + "__"
}

type engineState int

const (
	stateIdle engineState = iota
	stateLive
	stateTerminated
)

type matchState struct {
	index  int
	text   string
	before string
	after  string
}

// engine owns one child process and all of its match state.
type engine struct {
	id       string
	cfg      Config
	prompts  PatternSet
	spawn    SpawnFunc
	recorder Recorder
	logger   *slog.Logger

	mu      sync.Mutex
	state   engineState
	term    Terminal
	pending []byte
	match   *matchState
	lastErr *WaitError
	exited  bool
}

func newEngine(cfg Config, o options) *engine {
	id := o.id
	if id == "" {
		id = uuid.NewString()
	}
	return &engine{
		id:       id,
		cfg:      cfg,
		prompts:  NewPatternSet(cfg.Prompt...),
		spawn:    o.spawn,
		recorder: o.recorder,
		logger:   cfg.Logger.With("session", id),
	}
}

func (e *engine) connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateIdle {
		return &OpError{Op: OpConnect, Err: ErrNotConnected}
	}

	term, err := e.spawn(ctx, SpawnRequest{
		ID:     e.id,
		Argv:   e.cfg.Cmd,
		Env:    e.cfg.Env,
		Dir:    e.cfg.Dir,
		Cols:   e.cfg.Cols,
		Rows:   e.cfg.Rows,
		Logger: e.logger,
	})
	if err != nil {
		e.state = stateTerminated
		return &OpError{Op: OpSpawn, Err: fmt.Errorf("%w: %w", ErrSpawn, err)}
	}
	term.SetDebugLevel(e.cfg.Debug)
	if e.cfg.RawPty {
		if err := term.SetRawMode(true); err != nil {
			_ = term.Close()
			e.state = stateTerminated
			return &OpError{Op: OpSpawn, Err: fmt.Errorf("%w: %w", ErrSpawn, err)}
		}
	}

	e.term = term
	e.state = stateLive
	spawned := []any{"cmd", e.cfg.Cmd, "raw", e.cfg.RawPty}
	if p, ok := term.(interface{ Pid() int }); ok {
		spawned = append(spawned, "pid", p.Pid())
	}
	e.verbose(1, "spawned", spawned...)

	startedAt := time.Now()
	ok := e.wait(ctx, e.prompts, e.cfg.Timeout)
	e.record(ctx, "", startedAt)
	if !ok {
		e.release()
		return &OpError{Op: OpConnect, Err: e.lastErr}
	}
	return nil
}

func (e *engine) send(ctx context.Context, commands []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateLive {
		return &OpError{Op: OpSend, Err: ErrNotConnected}
	}

	for _, cmd := range commands {
		startedAt := time.Now()
		e.verbose(1, "send", "command", cmd)
		if err := e.write(cmd + "\n"); err != nil {
			e.lastErr = e.classify(err)
			e.record(ctx, cmd, startedAt)
			return &OpError{Op: OpSend, Command: cmd, Err: e.lastErr}
		}
		ok := e.wait(ctx, e.prompts, e.cfg.Timeout)
		e.record(ctx, cmd, startedAt)
		if !ok {
			return &OpError{Op: OpSend, Command: cmd, Err: e.lastErr}
		}
	}
	return nil
}

// expect runs a wait against an ad-hoc pattern list.
func (e *engine) expect(ctx context.Context, patterns []Pattern) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateLive {
		return false, ErrNotConnected
	}
	for i, p := range patterns {
		if err := p.validate(); err != nil {
			return false, fmt.Errorf("pattern %d: %w", i+1, err)
		}
	}
	if len(patterns) == 0 {
		return false, errors.New("at least one pattern is required")
	}
	return e.wait(ctx, NewPatternSet(patterns...), e.cfg.Timeout), nil
}

func (e *engine) sendRaw(data string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateLive {
		return ErrNotConnected
	}
	if err := e.write(data); err != nil {
		e.lastErr = e.classify(err)
		return e.lastErr
	}
	return nil
}

// disconnect sends the disconnect command and expects the child to exit.
// Reaching a terminated state is the success criterion.
func (e *engine) disconnect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateLive {
		return nil
	}
	defer e.release()

	e.verbose(1, "disconnect", "command", e.cfg.DisconnectCmd)
	if err := e.write(e.cfg.DisconnectCmd + "\n"); err != nil {
		// The wait below still decides: a child that already exited is a
		// successful disconnect.
		e.logger.Debug("disconnect write failed", "error", err)
	}

	prev := e.match
	if e.wait(ctx, NewPatternSet(Literal(disconnectSentinel())), e.cfg.Timeout) {
		e.match = prev
		e.lastErr = &WaitError{Kind: ErrCommunication, Detail: "disconnect marker matched; child still running"}
		return &OpError{Op: OpDisconnect, Err: fmt.Errorf("%w: %w", ErrDisconnect, e.lastErr)}
	}
	if errors.Is(e.lastErr, ErrTerminated) {
		return nil
	}
	return &OpError{Op: OpDisconnect, Err: fmt.Errorf("%w: %w", ErrDisconnect, e.lastErr)}
}

// wait reads until a pattern in set matches, the timeout elapses or the
// child exits. It never returns an error: the outcome is the bool plus the
// match fields and lastErr. On failure the match fields are left untouched.
func (e *engine) wait(ctx context.Context, set PatternSet, timeout time.Duration) bool {
	e.lastErr = nil
	deadline := time.Now().Add(timeout)
	buf := e.pending
	e.pending = nil

	searched := false
	for {
		if !searched {
			searched = true
			text := string(buf)
			if m, ok := set.Match(text); ok {
				e.match = &matchState{
					index:  m.Index,
					text:   m.Text,
					before: text[:m.Start],
					after:  text[m.End:],
				}
				e.pending = append([]byte(nil), buf[m.End:]...)
				e.verbose(2, "matched", "index", m.Index, "match", m.Text)
				return true
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			e.lastErr = &WaitError{Kind: ErrTimedOut, Detail: fmt.Sprintf("no prompt matched within %v", timeout)}
			e.verbose(1, "wait timed out", "timeout", timeout)
			return false
		}

		chunk, err := e.term.Read(ctx, remaining)
		if err != nil {
			if errors.Is(err, ErrReadTimeout) {
				continue
			}
			e.lastErr = e.classify(err)
			e.verbose(1, "wait failed", "error", e.lastErr.Detail)
			return false
		}
		if len(chunk) == 0 {
			continue
		}
		if e.cfg.Verbose > verboseMirror {
			_, _ = e.cfg.Diagnostics.Write(chunk)
		}
		buf = append(buf, chunk...)
		if len(buf) > e.cfg.MaxBuffer {
			buf = e.trim(buf)
		}
		searched = false
	}
}

// trim keeps the newest MaxBuffer bytes of buf, starting on a rune boundary.
func (e *engine) trim(buf []byte) []byte {
	cut := len(buf) - e.cfg.MaxBuffer
	for cut < len(buf) && !utf8.RuneStart(buf[cut]) {
		cut++
	}
	e.verbose(2, "dropped unmatched output", "bytes", cut)
	return append(buf[:0:0], buf[cut:]...)
}

func (e *engine) resize(cols, rows uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateLive {
		return ErrNotConnected
	}
	if cols == 0 || rows == 0 {
		return fmt.Errorf("window size must be positive, got %dx%d", cols, rows)
	}
	rt, ok := e.term.(Resizer)
	if !ok {
		return fmt.Errorf("resize: %w", errors.ErrUnsupported)
	}
	if c, r := rt.Size(); c == cols && r == rows {
		return nil
	}
	if err := rt.Resize(cols, rows); err != nil {
		return fmt.Errorf("resize: %w", err)
	}
	e.verbose(2, "resized", "cols", cols, "rows", rows)
	return nil
}

func (e *engine) classify(err error) *WaitError {
	if errors.Is(err, ErrProcessExited) {
		e.exited = true
		return &WaitError{Kind: ErrTerminated, Detail: err.Error()}
	}
	if e.exited {
		return &WaitError{Kind: ErrTerminated, Detail: err.Error()}
	}
	return &WaitError{Kind: ErrCommunication, Detail: err.Error()}
}

func (e *engine) write(data string) error {
	_, err := e.term.Write([]byte(data))
	return err
}

func (e *engine) release() {
	if e.term != nil {
		if x, ok := e.term.(interface{ ExitCode() (int, bool) }); ok {
			if code, exited := x.ExitCode(); exited {
				e.verbose(1, "child exited", "code", code)
			}
		}
		if err := e.term.Close(); err != nil {
			e.logger.Debug("terminal close failed", "error", err)
		}
	}
	e.term = nil
	e.pending = nil
	e.state = stateTerminated
}

func (e *engine) record(ctx context.Context, cmd string, startedAt time.Time) {
	if e.recorder == nil {
		return
	}
	step := Step{Command: cmd, StartedAt: startedAt, FinishedAt: time.Now()}
	if e.lastErr != nil {
		step.Err = e.lastErr
	} else if e.match != nil {
		step.MatchIndex = e.match.index
		step.Match = e.match.text
		step.Before = e.match.before
		step.After = e.match.after
	}
	e.recorder.RecordStep(ctx, e.id, step)
}

func (e *engine) verbose(level int, msg string, args ...any) {
	if e.cfg.Verbose >= level {
		e.logger.Info(msg, args...)
		return
	}
	e.logger.Debug(msg, args...)
}

func (e *engine) snapshot() (matchState, *WaitError) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var m matchState
	if e.match != nil {
		m = *e.match
	}
	return m, e.lastErr
}

func (e *engine) terminal() Terminal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term
}

func (e *engine) live() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateLive
}
