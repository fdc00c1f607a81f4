package expect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/user/ptyexpect/internal/pty"
)

// DefaultTimeout applies when Config.Timeout is zero.
const DefaultTimeout = 1000 * time.Second

// DefaultMaxBuffer applies when Config.MaxBuffer is zero.
const DefaultMaxBuffer = 1 << 20

// verboseMirror is the Verbose level above which child output is copied to
// Config.Diagnostics.
const verboseMirror = 3

// Config describes the session to start. Cmd, Prompt and DisconnectCmd are
// required.
type Config struct {
	// Cmd is the program path followed by its arguments.
	Cmd []string
	// Prompt is the ordered list of patterns that mark a command as complete.
	Prompt []Pattern
	// DisconnectCmd is sent to end the child gracefully.
	DisconnectCmd string
	// Timeout bounds every prompt wait. Zero means DefaultTimeout.
	Timeout time.Duration
	// Debug is forwarded to the terminal's debug level.
	Debug int
	// Verbose of 1 or more logs sends and matches; above 3 all child output
	// is also copied to Diagnostics.
	Verbose int
	RawPty  bool

	Diagnostics io.Writer
	Logger      *slog.Logger

	// Env is appended to the inherited environment of the child.
	Env []string
	Dir string

	// MaxBuffer caps the unmatched output a wait holds on to. Older bytes are
	// dropped once it is exceeded, so every search covers at most MaxBuffer
	// bytes. Zero means DefaultMaxBuffer.
	MaxBuffer int

	// Cols and Rows set the initial window size. Zero keeps the terminal's
	// default of 120x30.
	Cols uint16
	Rows uint16
}

func (c Config) validate() (Config, error) {
	var errs []error
	if len(c.Cmd) == 0 || strings.TrimSpace(c.Cmd[0]) == "" {
		errs = append(errs, errors.New("cmd is required"))
	}
	if len(c.Prompt) == 0 {
		errs = append(errs, errors.New("prompt is required"))
	}
	for i, p := range c.Prompt {
		if err := p.validate(); err != nil {
			errs = append(errs, fmt.Errorf("prompt %d: %w", i+1, err))
		}
	}
	if strings.TrimSpace(c.DisconnectCmd) == "" {
		errs = append(errs, errors.New("disconnect cmd is required"))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %v", c.Timeout))
	}
	if c.MaxBuffer < 0 {
		errs = append(errs, fmt.Errorf("max buffer must not be negative, got %d", c.MaxBuffer))
	}
	if (c.Cols == 0) != (c.Rows == 0) {
		errs = append(errs, fmt.Errorf("window size needs both cols and rows, got %dx%d", c.Cols, c.Rows))
	}
	if c.Verbose < 0 {
		errs = append(errs, fmt.Errorf("verbose must not be negative, got %d", c.Verbose))
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}

	out := c
	out.Cmd = append([]string(nil), c.Cmd...)
	out.Prompt = append([]Pattern(nil), c.Prompt...)
	out.Env = append([]string(nil), c.Env...)
	if out.Timeout == 0 {
		out.Timeout = DefaultTimeout
	}
	if out.MaxBuffer == 0 {
		out.MaxBuffer = DefaultMaxBuffer
	}
	if out.Diagnostics == nil {
		out.Diagnostics = os.Stderr
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out, nil
}

// Terminal is the pseudo-terminal collaborator a session drives. Read must
// return an error wrapping ErrReadTimeout when nothing arrived in time and
// one wrapping ErrProcessExited once the child is gone.
type Terminal interface {
	io.Writer
	Read(ctx context.Context, timeout time.Duration) ([]byte, error)
	SetRawMode(raw bool) error
	SetDebugLevel(level int)
	Close() error
}

// Resizer is implemented by terminals whose window size can change while the
// child runs. The default pty terminal implements it.
type Resizer interface {
	Resize(cols, rows uint16) error
	Size() (cols, rows uint16)
}

// SpawnRequest is what a SpawnFunc needs to start the child.
type SpawnRequest struct {
	ID     string
	Argv   []string
	Env    []string
	Dir    string
	Cols   uint16
	Rows   uint16
	Logger *slog.Logger
}

// SpawnFunc starts the child process attached to a terminal.
type SpawnFunc func(ctx context.Context, req SpawnRequest) (Terminal, error)

func spawnPTY(_ context.Context, req SpawnRequest) (Terminal, error) {
	s, err := pty.Start(pty.SpawnOptions{
		ID:     req.ID,
		Argv:   req.Argv,
		Env:    req.Env,
		Dir:    req.Dir,
		Cols:   req.Cols,
		Rows:   req.Rows,
		Logger: req.Logger,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Step is the outcome of one prompt wait, reported to a Recorder.
type Step struct {
	// Command is empty for the initial connect wait.
	Command    string
	MatchIndex int
	Match      string
	Before     string
	After      string
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Recorder receives every completed step of a session.
type Recorder interface {
	RecordStep(ctx context.Context, sessionID string, step Step)
}

// Option customizes New.
type Option func(*options)

type options struct {
	spawn    SpawnFunc
	recorder Recorder
	id       string
}

// WithSpawner replaces the default creack/pty based terminal.
func WithSpawner(fn SpawnFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.spawn = fn
		}
	}
}

// WithRecorder reports every step of the session to r.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithID sets the session identifier instead of a generated UUID.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}
