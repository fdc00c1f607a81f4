package expect

import (
	"errors"
	"fmt"

	"github.com/user/ptyexpect/internal/pty"
)

// Classifications. Use errors.Is against these; the concrete values returned
// are *OpError and *WaitError.
var (
	// ErrInvalidConfig reports a missing or invalid configuration field.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrSpawn reports that the child process could not be started.
	ErrSpawn = errors.New("spawn failed")
	// ErrTimedOut reports that no prompt matched before the deadline.
	ErrTimedOut = errors.New("timed out")
	// ErrTerminated reports that the child exited before a prompt matched.
	ErrTerminated = errors.New("process terminated")
	// ErrCommunication reports any other I/O failure talking to the child.
	ErrCommunication = errors.New("communication error")
	// ErrDisconnect reports that graceful shutdown did not end in termination.
	ErrDisconnect = errors.New("disconnect failed")
	// ErrNotConnected reports an operation on a session that was torn down.
	ErrNotConnected = errors.New("not connected")
)

// Errors a Terminal implementation returns from Read.
var (
	// ErrReadTimeout signals that Read saw no output within its timeout.
	ErrReadTimeout = pty.ErrReadTimeout
	// ErrProcessExited signals that the child has exited and output is drained.
	ErrProcessExited = pty.ErrExited
)

// Operation names carried by OpError.
const (
	OpNew        = "new"
	OpSpawn      = "spawn"
	OpConnect    = "connect"
	OpSend       = "send"
	OpDisconnect = "disconnect"
)

// WaitError is the classified outcome of a failed prompt wait.
type WaitError struct {
	// Kind is one of ErrTimedOut, ErrTerminated or ErrCommunication.
	Kind error
	// Detail is the unclassified underlying message, if any.
	Detail string
}

// Error returns the humanized classification. Only communication errors
// carry their detail; use Detail for the raw message of the others.
func (e *WaitError) Error() string {
	if e.Kind == ErrCommunication && e.Detail != "" {
		return e.Kind.Error() + ": " + e.Detail
	}
	return e.Kind.Error()
}

func (e *WaitError) Unwrap() error { return e.Kind }

// OpError records which session operation failed and why.
type OpError struct {
	Op string
	// Command is the command being sent when Op is OpSend.
	Command string
	Err     error
}

func (e *OpError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("%s %q: %v", e.Op, e.Command, e.Err)
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }
