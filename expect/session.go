package expect

import (
	"context"
	"runtime"
	"sync"

	"github.com/user/ptyexpect/internal/pty"
)

// Session is a live interactive child process. Create it with New and
// release it with Close (or Disconnect to observe shutdown errors).
type Session struct {
	e *engine

	closeOnce sync.Once
}

// New validates cfg, spawns the child and waits for the first prompt. Any
// failure is returned as a single *OpError for OpNew wrapping the cause.
func New(ctx context.Context, cfg Config, opts ...Option) (*Session, error) {
	o := options{spawn: spawnPTY}
	for _, opt := range opts {
		opt(&o)
	}

	valid, err := cfg.validate()
	if err != nil {
		return nil, &OpError{Op: OpNew, Err: err}
	}

	e := newEngine(valid, o)
	if err := e.connect(ctx); err != nil {
		return nil, &OpError{Op: OpNew, Err: err}
	}

	s := &Session{e: e}
	runtime.SetFinalizer(s, (*Session).finalize)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.e.id }

// Send writes each command followed by a newline and waits for a prompt
// after each one. The first failure stops the batch.
func (s *Session) Send(ctx context.Context, commands ...string) error {
	return s.e.send(ctx, commands)
}

// SendKey writes a named key such as "C-c" or "Enter" without waiting for a
// prompt.
func (s *Session) SendKey(key string) error {
	return s.e.sendRaw(pty.KeySequence(key))
}

// Resize changes the child's window size. It fails with
// errors.ErrUnsupported when the terminal cannot be resized.
func (s *Session) Resize(cols, rows uint16) error {
	return s.e.resize(cols, rows)
}

// Expect waits for one of patterns using the session timeout. It reports
// whether a pattern matched; on false consult LastError. The returned error
// is only set when the session is not connected or patterns are invalid.
func (s *Session) Expect(ctx context.Context, patterns ...Pattern) (bool, error) {
	return s.e.expect(ctx, patterns)
}

// MatchIndex returns the 1-based index of the last matched pattern, or 0.
func (s *Session) MatchIndex() int {
	m, _ := s.e.snapshot()
	return m.index
}

// Match returns the text matched by the last successful wait.
func (s *Session) Match() string {
	m, _ := s.e.snapshot()
	return m.text
}

// Before returns the output that preceded the last match.
func (s *Session) Before() string {
	m, _ := s.e.snapshot()
	return m.before
}

// After returns the output read past the last match.
func (s *Session) After() string {
	m, _ := s.e.snapshot()
	return m.after
}

// LastError returns the classification of the last failed wait, or nil if
// the last wait succeeded. Its Error method gives the humanized form.
func (s *Session) LastError() error {
	_, werr := s.e.snapshot()
	if werr == nil {
		return nil
	}
	return werr
}

// LastErrorRaw returns the unclassified detail of the last failed wait.
func (s *Session) LastErrorRaw() string {
	_, werr := s.e.snapshot()
	if werr == nil {
		return ""
	}
	return werr.Detail
}

// Terminal returns the underlying terminal, or nil once disconnected.
// Reading from it directly bypasses the match state.
func (s *Session) Terminal() Terminal { return s.e.terminal() }

// Connected reports whether the session is still live.
func (s *Session) Connected() bool { return s.e.live() }

// Disconnect ends the session and returns any shutdown failure. Calling it
// again is a no-op.
func (s *Session) Disconnect() error {
	runtime.SetFinalizer(s, nil)
	return s.e.disconnect(context.Background())
}

// Close ends the session for use with defer. Shutdown failures are logged
// and remain visible through LastError but are not returned. A child that
// is still running afterwards reports ErrCommunication.
func (s *Session) Close() error {
	runtime.SetFinalizer(s, nil)
	s.closeQuietly()
	return nil
}

func (s *Session) closeQuietly() {
	s.closeOnce.Do(func() {
		if err := s.e.disconnect(context.Background()); err != nil {
			s.e.logger.Warn("disconnect during teardown failed", "error", err)
		}
	})
}

// finalize runs on the finalizer goroutine, so the blocking disconnect is
// moved off it.
func (s *Session) finalize() {
	go s.closeQuietly()
}
