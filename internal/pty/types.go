package pty

import (
	"errors"
	"log/slog"
)

var (
	// ErrReadTimeout is returned by Session.Read when no output arrived in time.
	ErrReadTimeout = errors.New("pty: read timed out")
	// ErrExited is returned once the child has exited and its output is drained.
	ErrExited = errors.New("pty: process exited")
	// ErrClosed is returned for operations on a session that was closed locally.
	ErrClosed = errors.New("pty: session is closed")
)

// EventType distinguishes the kind of event produced by a Session's read pump.
type EventType int

const (
	// EventOutput indicates that new data was read from the PTY.
	EventOutput EventType = iota
	// EventClosed indicates that the child process has exited.
	EventClosed
	// EventError indicates a read failure that was not caused by process exit.
	EventError
)

// Event is a single notification emitted by a Session's read pump.
type Event struct {
	Type     EventType
	ID       string
	Data     []byte
	Err      error
	ExitCode int
}

// SpawnOptions describes the child process to start on a new PTY.
type SpawnOptions struct {
	ID   string
	Argv []string
	Dir  string
	// Env is appended to the current process environment.
	Env  []string
	Cols uint16
	Rows uint16
	// Raw puts the terminal into raw mode right after the child starts.
	Raw    bool
	Logger *slog.Logger
}
