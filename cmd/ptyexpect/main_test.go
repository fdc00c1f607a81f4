package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/ptyexpect/expect"
	"github.com/user/ptyexpect/internal/config"
	"github.com/user/ptyexpect/internal/db"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func parseRunFlags(t *testing.T, args ...string) (*cobra.Command, *runOptions) {
	t.Helper()
	cmd, opts := (&app{}).runCommand()
	require.NoError(t, cmd.ParseFlags(args))
	return cmd, opts
}

func testSettings(t *testing.T) *config.Config {
	t.Helper()
	settings, err := config.LoadFrom(filepath.Join(t.TempDir(), "config"))
	require.NoError(t, err)
	return settings
}

func TestBuildConfigProfileWithOverrides(t *testing.T) {
	cmd, opts := parseRunFlags(t, "--profile", "sh", "--timeout", "2s", "--prompt", "# ", "--raw")
	cfg, name, err := buildConfig(cmd, opts, testSettings(t))
	require.NoError(t, err)

	assert.Equal(t, "sh", name)
	assert.Equal(t, []string{"sh"}, cfg.Cmd)
	assert.Equal(t, "exit", cfg.DisconnectCmd)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.True(t, cfg.RawPty)
	require.Len(t, cfg.Prompt, 1)
	assert.Equal(t, "# ", cfg.Prompt[0].Text())
	assert.Contains(t, cfg.Env, "PS1=$ ")
}

func TestBuildConfigKeepsProfileValuesWithoutFlags(t *testing.T) {
	cmd, opts := parseRunFlags(t, "--profile", "python")
	cfg, _, err := buildConfig(cmd, opts, testSettings(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"python3", "-q", "-i"}, cfg.Cmd)
	assert.Equal(t, 60*time.Second, cfg.Timeout)
	assert.Len(t, cfg.Prompt, 2)
}

func TestBuildConfigFromFlagsOnly(t *testing.T) {
	cmd, opts := parseRunFlags(t,
		"--cmd", `bash --norc -c 'read x'`,
		"--prompt", "$ ",
		"--prompt-re", `\[\d+\]> `,
		"--disconnect", "exit",
		"--dir", "/tmp",
		"--size", "132x43",
	)
	cfg, name, err := buildConfig(cmd, opts, testSettings(t))
	require.NoError(t, err)

	assert.Empty(t, name)
	assert.Equal(t, []string{"bash", "--norc", "-c", "read x"}, cfg.Cmd)
	require.Len(t, cfg.Prompt, 2)
	assert.False(t, cfg.Prompt[0].IsRegex())
	assert.True(t, cfg.Prompt[1].IsRegex())
	assert.Equal(t, "/tmp", cfg.Dir)
	assert.Equal(t, uint16(132), cfg.Cols)
	assert.Equal(t, uint16(43), cfg.Rows)
}

func TestBuildConfigFromProfileFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cmd: cat\nprompt: x\ndisconnect_cmd: q\n"), 0o644))

	cmd, opts := parseRunFlags(t, "--config", path)
	cfg, name, err := buildConfig(cmd, opts, testSettings(t))
	require.NoError(t, err)
	assert.Equal(t, "custom", name)
	assert.Equal(t, []string{"cat"}, cfg.Cmd)
	assert.Equal(t, "q", cfg.DisconnectCmd)
}

func TestBuildConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown profile", args: []string{"--profile", "nope"}},
		{name: "bad cmd quoting", args: []string{"--cmd", `sh -c 'x`}},
		{name: "bad prompt regex", args: []string{"--cmd", "sh", "--prompt-re", "("}},
		{name: "missing profile file", args: []string{"--config", "/nonexistent/p.yaml"}},
		{name: "size without rows", args: []string{"--cmd", "sh", "--size", "80"}},
		{name: "zero size", args: []string{"--cmd", "sh", "--size", "0x24"}},
		{name: "size overflow", args: []string{"--cmd", "sh", "--size", "70000x24"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, opts := parseRunFlags(t, tt.args...)
			_, _, err := buildConfig(cmd, opts, testSettings(t))
			require.Error(t, err)
			assert.Equal(t, exitUsage, exitCode(err))
		})
	}
}

func TestExitCode(t *testing.T) {
	wait := func(kind error) error {
		return &expect.OpError{Op: expect.OpSend, Command: "ls", Err: &expect.WaitError{Kind: kind}}
	}
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: 0},
		{name: "usage", err: usageError{errors.New("bad flag")}, want: exitUsage},
		{name: "invalid config", err: &expect.OpError{Op: expect.OpNew, Err: fmt.Errorf("%w: cmd", expect.ErrInvalidConfig)}, want: exitUsage},
		{name: "timed out", err: wait(expect.ErrTimedOut), want: exitTimedOut},
		{name: "terminated", err: wait(expect.ErrTerminated), want: exitTerminated},
		{name: "communication", err: wait(expect.ErrCommunication), want: exitCommunication},
		{name: "other", err: errors.New("disk full"), want: exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

type countingRecorder struct{ steps []expect.Step }

func (c *countingRecorder) RecordStep(_ context.Context, _ string, step expect.Step) {
	c.steps = append(c.steps, step)
}

func TestStepRecordersFanOut(t *testing.T) {
	a, b := &countingRecorder{}, &countingRecorder{}
	recs := stepRecorders{a, b}
	recs.RecordStep(context.Background(), "s", expect.Step{Command: "ls"})
	assert.Len(t, a.steps, 1)
	assert.Len(t, b.steps, 1)
}

func TestRootRequiresSubcommand(t *testing.T) {
	_, _, err := execute(t)
	require.Error(t, err)
}

func TestInvalidLogLevel(t *testing.T) {
	_, _, err := execute(t, "--log-level", "loud", "profiles")
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestProfilesCommand(t *testing.T) {
	settings := filepath.Join(t.TempDir(), "config")
	out, _, err := execute(t, "--settings", settings, "profiles")
	require.NoError(t, err)
	for _, name := range []string{"NAME", "sh", "bash", "python", "embedded:profiles/sh.yaml"} {
		assert.Contains(t, out, name)
	}

	out, _, err = execute(t, "--settings", settings, "profiles", "show", "python")
	require.NoError(t, err)
	assert.Contains(t, out, "cmd:")
	assert.Contains(t, out, "timeout: 1m0s")

	_, _, err = execute(t, "--settings", settings, "profiles", "show", "nope")
	require.Error(t, err)
}

func TestRunRecordsTranscript(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "t.db")
	out, _, err := execute(t,
		"--settings", filepath.Join(dir, "config"),
		"run", "--profile", "sh", "--timeout", "5s", "--db", dbPath,
		"--", "echo hi",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "hi")

	database, err := db.Open(context.Background(), dbPath)
	require.NoError(t, err)
	runs, err := db.NewRunRepo(database.SQL()).List(context.Background(), db.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, db.RunStatusOK, runs[0].Status)
	assert.Equal(t, "sh", runs[0].Profile)
	require.NoError(t, database.Close())

	out, _, err = execute(t, "history", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, runs[0].ID)
	assert.Contains(t, out, "ok")

	out, _, err = execute(t, "history", "--db", dbPath, "--strip-ansi", runs[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "(connect)")
	assert.Contains(t, out, "[1] echo hi")
	assert.Contains(t, out, `matched #1 "$ "`)
}

func TestRunTimeoutExitCode(t *testing.T) {
	dir := t.TempDir()
	start := time.Now()
	_, _, err := execute(t,
		"--settings", filepath.Join(dir, "config"),
		"run", "--cmd", "cat", "--prompt", "$ ", "--disconnect", "exit",
		"--timeout", "300ms", "--no-record",
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, expect.ErrTimedOut)
	assert.Equal(t, exitTimedOut, exitCode(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	_, _, err := execute(t,
		"--settings", filepath.Join(dir, "config"),
		"run", "--cmd", "sh", "--prompt", "$ ", "--no-record",
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, expect.ErrInvalidConfig)
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestHistoryUnknownRun(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "t.db")
	_, _, err := execute(t, "history", "--db", dbPath, "missing")
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCode(err))
}
