package expect

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeTerminal is a scripted Terminal. respond is called for every write and
// may queue output or make the child exit.
type fakeTerminal struct {
	mu      sync.Mutex
	writes  []string
	out     chan []byte
	exited  chan struct{}
	exitOne sync.Once
	closed  bool
	raw     bool
	debug   int
	readErr error
	respond func(f *fakeTerminal, input string)
}

func newFake(initial string, respond func(f *fakeTerminal, input string)) *fakeTerminal {
	f := &fakeTerminal{
		out:     make(chan []byte, 64),
		exited:  make(chan struct{}),
		respond: respond,
	}
	if initial != "" {
		f.emit(initial)
	}
	return f
}

func (f *fakeTerminal) emit(s string) { f.out <- []byte(s) }

func (f *fakeTerminal) exit() { f.exitOne.Do(func() { close(f.exited) }) }

func (f *fakeTerminal) Write(p []byte) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, errors.New("fake: closed")
	}
	select {
	case <-f.exited:
		f.mu.Unlock()
		return 0, ErrProcessExited
	default:
	}
	f.writes = append(f.writes, string(p))
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		respond(f, string(p))
	}
	return len(p), nil
}

func (f *fakeTerminal) Read(ctx context.Context, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	readErr := f.readErr
	f.mu.Unlock()
	if readErr != nil {
		return nil, readErr
	}

	// Drain queued output before reporting exit, like the real pump.
	select {
	case data := <-f.out:
		return data, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case data := <-f.out:
		return data, nil
	case <-f.exited:
		return nil, ErrProcessExited
	case <-timer.C:
		return nil, ErrReadTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTerminal) SetRawMode(raw bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw = raw
	return nil
}

func (f *fakeTerminal) SetDebugLevel(level int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debug = level
}

func (f *fakeTerminal) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTerminal) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *fakeTerminal) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func spawnFake(f *fakeTerminal) Option {
	return WithSpawner(func(context.Context, SpawnRequest) (Terminal, error) {
		return f, nil
	})
}

// shellResponder echoes "out:<cmd>" followed by the "$ " prompt, exits on
// "exit" and stays silent for commands listed in hang.
func shellResponder(hang ...string) func(f *fakeTerminal, input string) {
	silent := make(map[string]bool, len(hang))
	for _, h := range hang {
		silent[h+"\n"] = true
	}
	return func(f *fakeTerminal, input string) {
		switch {
		case input == "exit\n":
			f.exit()
		case silent[input]:
		default:
			f.emit("out:" + input[:len(input)-1] + "\n$ ")
		}
	}
}

func testConfig() Config {
	return Config{
		Cmd:           []string{"fake-shell"},
		Prompt:        []Pattern{Literal("$ ")},
		DisconnectCmd: "exit",
		Timeout:       time.Second,
	}
}
