package pty

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// readAll collects output until the child exits or the deadline passes.
func readAll(t *testing.T, s *Session, deadline time.Duration) (string, error) {
	t.Helper()
	var out strings.Builder
	ctx := context.Background()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		data, err := s.Read(ctx, time.Until(end))
		if err != nil {
			return out.String(), err
		}
		out.Write(data)
	}
	return out.String(), ErrReadTimeout
}

// TestSessionSpawnAndOutput spawns "echo hello-pty", reads until the child
// exits, and verifies the accumulated output contains "hello-pty".
func TestSessionSpawnAndOutput(t *testing.T) {
	s, err := Start(SpawnOptions{ID: "test-echo", Argv: []string{"echo", "hello-pty"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	out, err := readAll(t, s, 5*time.Second)
	if !errors.Is(err, ErrExited) {
		t.Fatalf("expected ErrExited, got %v", err)
	}
	if !strings.Contains(out, "hello-pty") {
		t.Errorf("expected output to contain %q, got %q", "hello-pty", out)
	}

	code, ok := s.ExitCode()
	if !ok || code != 0 {
		t.Errorf("ExitCode() = %d, %v; want 0, true", code, ok)
	}
}

func TestSessionReportsExitCode(t *testing.T) {
	s, err := Start(SpawnOptions{ID: "test-exit", Argv: []string{"sh", "-c", "exit 3"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	if _, err := readAll(t, s, 5*time.Second); !errors.Is(err, ErrExited) {
		t.Fatalf("expected ErrExited, got %v", err)
	}
	if code, _ := s.ExitCode(); code != 3 {
		t.Errorf("ExitCode() = %d, want 3", code)
	}
}

// TestSessionReadTimeout spawns "cat", which never prints on its own, and
// verifies Read gives up after the timeout without losing later output.
func TestSessionReadTimeout(t *testing.T) {
	s, err := Start(SpawnOptions{ID: "test-timeout", Argv: []string{"cat"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	start := time.Now()
	if _, err := s.Read(context.Background(), 100*time.Millisecond); !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("expected ErrReadTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Read took %v", elapsed)
	}

	if _, err := s.Write([]byte("ping\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var out strings.Builder
	for !strings.Contains(out.String(), "ping") {
		data, err := s.Read(context.Background(), 5*time.Second)
		if err != nil {
			t.Fatalf("Read after timeout: %v (got %q)", err, out.String())
		}
		out.Write(data)
	}
}

func TestSessionReadHonoursContext(t *testing.T) {
	s, err := Start(SpawnOptions{ID: "test-ctx", Argv: []string{"cat"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Read(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// TestSessionResize spawns "sleep 10", calls Resize(200, 50), verifies no error,
// and closes the session.
func TestSessionResize(t *testing.T) {
	s, err := Start(SpawnOptions{ID: "test-resize", Argv: []string{"sleep", "10"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	if err := s.Resize(200, 50); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if cols, rows := s.Size(); cols != 200 || rows != 50 {
		t.Errorf("Size() = %dx%d, want 200x50", cols, rows)
	}
}

func isRaw(s *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rawState != nil
}

func TestSessionRawMode(t *testing.T) {
	s, err := Start(SpawnOptions{
		ID:   "test-raw",
		Argv: []string{"sh", "-c", "sleep 0.5; stty -a"},
		Raw:  true,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	if !isRaw(s) {
		t.Fatal("expected raw mode to be enabled")
	}

	out, _ := readAll(t, s, 5*time.Second)
	if !strings.Contains(out, "-icanon") {
		t.Errorf("expected stty output to report -icanon, got %q", out)
	}
}

func TestSessionRawModeToggle(t *testing.T) {
	s, err := Start(SpawnOptions{ID: "test-raw-toggle", Argv: []string{"sleep", "10"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	if err := s.SetRawMode(true); err != nil {
		t.Fatalf("SetRawMode(true): %v", err)
	}
	if !isRaw(s) {
		t.Fatal("expected raw mode after enabling")
	}
	if err := s.SetRawMode(false); err != nil {
		t.Fatalf("SetRawMode(false): %v", err)
	}
	if isRaw(s) {
		t.Fatal("expected cooked mode after disabling")
	}
}

// TestSessionWriteAndClose spawns "cat", writes "hello\n", closes the session,
// and verifies that a second Close does not panic and later I/O fails.
func TestSessionWriteAndClose(t *testing.T) {
	s, err := Start(SpawnOptions{ID: "test-write", Argv: []string{"cat"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := s.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}

	// Second close must not panic (closeOnce guarantees this).
	if err := s.Close(); err != nil {
		t.Logf("second Close returned: %v (expected nil)", err)
	}

	if _, err := s.Write([]byte("again\n")); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
	if _, err := s.Read(context.Background(), time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("Read after Close = %v, want ErrClosed", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, exited := s.ExitCode(); exited {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("child was not reaped after Close")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStartRejectsEmptyArgv(t *testing.T) {
	if _, err := Start(SpawnOptions{}); err == nil {
		t.Fatal("expected error for empty argv")
	}
	if _, err := Start(SpawnOptions{Argv: []string{"  "}}); err == nil {
		t.Fatal("expected error for blank program")
	}
}

func TestStartMissingProgram(t *testing.T) {
	if _, err := Start(SpawnOptions{Argv: []string{"/nonexistent/ptyexpect-binary"}}); err == nil {
		t.Fatal("expected error for missing program")
	}
}

func TestKeySequence(t *testing.T) {
	tests := []struct {
		key      string
		expected string
	}{
		{"Enter", "\r"},
		{"C-c", "\x03"},
		{"C-d", "\x04"},
		{"escape", "\x1b"},
		{"tab", "\t"},
		{"up", "\x1b[A"},
		{"down", "\x1b[B"},
		{"left", "\x1b[D"},
		{"right", "\x1b[C"},
		{"backspace", "\x7f"},
		{"unknown", "unknown"},
	}
	for _, tt := range tests {
		result := KeySequence(tt.key)
		if result != tt.expected {
			t.Errorf("KeySequence(%q) = %q, want %q", tt.key, result, tt.expected)
		}
	}
}
