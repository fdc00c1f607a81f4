package pty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"
	"golang.org/x/term"
)

const (
	defaultCols   = 120
	defaultRows   = 30
	readChunkSize = 4096

	// drainGrace bounds how long output is drained after the child exits.
	drainGrace = 2 * time.Second
	// killGrace is how long Close waits after SIGTERM before SIGKILL.
	killGrace = 3 * time.Second
)

// Session wraps a child process running inside a PTY. Output is pumped by a
// single goroutine and consumed with Read, so a timed-out Read never leaves a
// reader behind.
type Session struct {
	id     string
	logger *slog.Logger

	cmd  *exec.Cmd
	ptmx *os.File

	events   chan Event
	done     chan struct{} // closed by Close
	readDone chan struct{}
	exited   chan struct{}
	exitCode int

	debug  atomic.Int32
	closed atomic.Bool

	mu       sync.Mutex
	cols     uint16
	rows     uint16
	rawState *term.State

	ptyCloseOnce sync.Once
	ptyCloseErr  error
	closeOnce    sync.Once
	closeErr     error
}

// Start spawns opts.Argv inside a new PTY. The PTY defaults to 120 columns x
// 30 rows.
func Start(opts SpawnOptions) (*Session, error) {
	if len(opts.Argv) == 0 || strings.TrimSpace(opts.Argv[0]) == "" {
		return nil, errors.New("pty: argv must not be empty")
	}

	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}

	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("pty: start %q: %w", opts.Argv[0], err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		id:       opts.ID,
		logger:   logger,
		cmd:      cmd,
		ptmx:     ptmx,
		events:   make(chan Event, 1024),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		exited:   make(chan struct{}),
		cols:     cols,
		rows:     rows,
	}

	go s.readPump()
	go s.waitExit()

	if opts.Raw {
		if err := s.SetRawMode(true); err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	return s, nil
}

// readPump reads data from the PTY fd and emits EventOutput events. The last
// event it emits is either EventClosed or EventError, after which the events
// channel is closed.
func (s *Session) readPump() {
	defer close(s.readDone)
	defer close(s.events)

	buf := make([]byte, readChunkSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if s.debug.Load() > 0 {
				s.logger.Debug("pty read", "session", s.id, "bytes", n, "data", string(data))
			}
			if !s.emit(Event{Type: EventOutput, ID: s.id, Data: data}) {
				return
			}
		}
		if err != nil {
			s.emit(s.finalEvent(err))
			return
		}
	}
}

func (s *Session) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// finalEvent classifies the error that stopped the read pump. A hangup is
// reported as EventClosed only once the child has actually exited.
func (s *Session) finalEvent(err error) Event {
	if isHangup(err) {
		select {
		case <-s.exited:
			return Event{Type: EventClosed, ID: s.id, ExitCode: s.exitCode}
		case <-s.done:
			return Event{Type: EventClosed, ID: s.id, ExitCode: -1}
		case <-time.After(drainGrace):
		}
	}
	return Event{Type: EventError, ID: s.id, Err: fmt.Errorf("pty: read: %w", err)}
}

func isHangup(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)
}

// waitExit reaps the child. If a grandchild keeps the PTY open the fd is
// closed after drainGrace so the read pump can finish.
func (s *Session) waitExit() {
	err := s.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	s.exitCode = code
	close(s.exited)

	if s.debug.Load() > 0 {
		s.logger.Debug("pty child exited", "session", s.id, "exit_code", code)
	}

	select {
	case <-s.readDone:
	case <-time.After(drainGrace):
		_ = s.closePTY()
	}
}

// Read returns the next chunk of child output. It fails with ErrReadTimeout
// when nothing arrives within timeout (a non-positive timeout polls), with an
// error wrapping ErrExited once the child is gone, and with ctx.Err() on
// cancellation.
func (s *Session) Read(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	if timeout <= 0 {
		select {
		case ev, ok := <-s.events:
			return s.consume(ev, ok)
		default:
			return nil, ErrReadTimeout
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev, ok := <-s.events:
		return s.consume(ev, ok)
	case <-timer.C:
		return nil, ErrReadTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) consume(ev Event, ok bool) ([]byte, error) {
	if !ok {
		select {
		case <-s.exited:
			return nil, fmt.Errorf("%w (exit code %d)", ErrExited, s.exitCode)
		default:
		}
		if s.closed.Load() {
			return nil, ErrClosed
		}
		return nil, errors.New("pty: output stream ended")
	}
	switch ev.Type {
	case EventOutput:
		return ev.Data, nil
	case EventClosed:
		return nil, fmt.Errorf("%w (exit code %d)", ErrExited, ev.ExitCode)
	default:
		return nil, ev.Err
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Pid returns the child's process id.
func (s *Session) Pid() int {
	if s.cmd.Process == nil {
		return -1
	}
	return s.cmd.Process.Pid
}

// ExitCode reports the child's exit code and whether it has exited.
func (s *Session) ExitCode() (int, bool) {
	select {
	case <-s.exited:
		return s.exitCode, true
	default:
		return 0, false
	}
}

// Write sends data to the PTY (and therefore to the child process's stdin).
func (s *Session) Write(data []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	select {
	case <-s.exited:
		return 0, ErrExited
	default:
	}
	if s.debug.Load() > 0 {
		s.logger.Debug("pty write", "session", s.id, "data", string(data))
	}
	return s.ptmx.Write(data)
}

// SetDebugLevel controls debug logging of PTY traffic. Zero disables it.
func (s *Session) SetDebugLevel(level int) {
	s.debug.Store(int32(level))
}

// SetRawMode toggles raw mode on the terminal. Disabling restores the
// attributes saved when raw mode was enabled.
func (s *Session) SetRawMode(raw bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}

	// Fd() would switch the file to blocking mode, so go through SyscallConn.
	conn, err := s.ptmx.SyscallConn()
	if err != nil {
		return fmt.Errorf("pty: raw mode: %w", err)
	}

	var opErr error
	ctrlErr := conn.Control(func(fd uintptr) {
		switch {
		case raw && s.rawState == nil:
			s.rawState, opErr = term.MakeRaw(int(fd))
		case !raw && s.rawState != nil:
			if opErr = term.Restore(int(fd), s.rawState); opErr == nil {
				s.rawState = nil
			}
		}
	})
	if ctrlErr != nil {
		return fmt.Errorf("pty: raw mode: %w", ctrlErr)
	}
	if opErr != nil {
		return fmt.Errorf("pty: raw mode: %w", opErr)
	}
	return nil
}

// Resize changes the PTY window size.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}

	if err := creackpty.Setsize(s.ptmx, &creackpty.Winsize{
		Cols: cols,
		Rows: rows,
	}); err != nil {
		return err
	}

	s.cols = cols
	s.rows = rows
	return nil
}

// Size returns the current PTY dimensions.
func (s *Session) Size() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Close terminates the child process (SIGTERM, then SIGKILL after a grace
// period) and closes the PTY fd. It is safe to call Close multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)

		if s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(syscall.SIGTERM)
		}

		s.closeErr = s.closePTY()
		go s.reap()
	})
	return s.closeErr
}

func (s *Session) reap() {
	select {
	case <-s.exited:
	case <-time.After(killGrace):
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	}
}

func (s *Session) closePTY() error {
	s.ptyCloseOnce.Do(func() {
		s.ptyCloseErr = s.ptmx.Close()
	})
	return s.ptyCloseErr
}
