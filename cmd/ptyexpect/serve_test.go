package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/ptyexpect/internal/api"
	"github.com/user/ptyexpect/internal/db"
	"github.com/user/ptyexpect/internal/hub"
	"github.com/user/ptyexpect/internal/policy"
)

func openLauncher(t *testing.T) (*sessionLauncher, *db.DB, *hub.Hub) {
	t.Helper()
	ctx := context.Background()
	database, err := db.Open(ctx, filepath.Join(t.TempDir(), "t.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	profileDir := t.TempDir()
	silent := "cmd: cat\nprompt: \"$ \"\ndisconnect_cmd: exit\ntimeout: 300ms\n"
	require.NoError(t, os.WriteFile(filepath.Join(profileDir, "silent.yaml"), []byte(silent), 0o644))

	logger := slog.New(slog.DiscardHandler)
	h := hub.New("", logger)
	return newSessionLauncher(ctx, database, h, profileDir, logger), database, h
}

func TestSessionLauncherRecordsRun(t *testing.T) {
	l, database, h := openLauncher(t)

	sessionID, err := l.Launch(context.Background(), api.LaunchRequest{Profile: "sh", Commands: []string{"echo launched"}})
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)
	l.Wait()

	ctx := context.Background()
	runs, err := db.NewRunRepo(database.SQL()).List(ctx, db.RunFilter{SessionID: sessionID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, db.RunStatusOK, runs[0].Status)
	assert.Equal(t, "sh", runs[0].Profile)

	steps, err := db.NewStepRepo(database.SQL()).ListByRun(ctx, runs[0].ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "echo launched", steps[1].Command)
	assert.Contains(t, steps[1].BeforeText, "launched")

	assert.Empty(t, h.Sessions(), "finished sessions are pruned from the hub")
}

func TestSessionLauncherPrunesFinishedSessions(t *testing.T) {
	l, _, h := openLauncher(t)
	for i := 0; i < 3; i++ {
		_, err := l.Launch(context.Background(), api.LaunchRequest{Profile: "sh", Commands: []string{"true"}})
		require.NoError(t, err)
	}
	_, err := l.Launch(context.Background(), api.LaunchRequest{Profile: "silent"})
	require.NoError(t, err)
	l.Wait()
	assert.Empty(t, h.Sessions())
}

func TestNewServeHubBatching(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	assert.True(t, newServeHub("", logger, true).BatchEnabled())
	assert.False(t, newServeHub("", logger, false).BatchEnabled())
}

func TestSessionLauncherFailedRun(t *testing.T) {
	l, database, h := openLauncher(t)

	// cat never prints a prompt, so the connect wait times out.
	sessionID, err := l.Launch(context.Background(), api.LaunchRequest{Profile: "silent"})
	require.NoError(t, err)
	l.Wait()

	runs, err := db.NewRunRepo(database.SQL()).List(context.Background(), db.RunFilter{SessionID: sessionID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, db.RunStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "timed out")
	assert.Empty(t, h.Sessions())
}

func TestSessionLauncherPolicy(t *testing.T) {
	l, database, _ := openLauncher(t)
	root := t.TempDir()
	l.policy = &policy.Policy{Root: root}

	_, err := l.Launch(context.Background(), api.LaunchRequest{Profile: "sh", Commands: []string{"pwd", "cat /etc/passwd"}})
	require.Error(t, err)
	assert.True(t, policy.IsViolation(err))
	runs, err := db.NewRunRepo(database.SQL()).List(context.Background(), db.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)

	sessionID, err := l.Launch(context.Background(), api.LaunchRequest{Profile: "sh", Commands: []string{"pwd"}})
	require.NoError(t, err)
	l.Wait()
	runs, err = db.NewRunRepo(database.SQL()).List(context.Background(), db.RunFilter{SessionID: sessionID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	steps, err := db.NewStepRepo(database.SQL()).ListByRun(context.Background(), runs[0].ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Contains(t, steps[1].BeforeText, filepath.Base(root))
}

func TestSessionLauncherUnknownProfile(t *testing.T) {
	l, _, h := openLauncher(t)
	_, err := l.Launch(context.Background(), api.LaunchRequest{Profile: "missing"})
	require.Error(t, err)
	assert.Empty(t, h.Sessions())
}
