package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/user/ptyexpect/internal/api"
	"github.com/user/ptyexpect/internal/config"
	"github.com/user/ptyexpect/internal/db"
	"github.com/user/ptyexpect/internal/hub"
	"github.com/user/ptyexpect/internal/policy"
	"github.com/user/ptyexpect/internal/server"
)

func (a *app) newServeCmd() *cobra.Command {
	var (
		addr     string
		dbPath   string
		token    string
		noLaunch bool
		noBatch  bool
		restrict string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the transcript API and the live session feed",
		Long: `Serve recorded runs under /api/ and live session output on /ws.
Unless --no-launch is given, POST /api/runs starts a session from a profile.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := slog.Default()

			settings, err := a.settings()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = settings.WatchAddr
			}
			if dbPath == "" {
				dbPath = settings.DBPath
			}
			if token == "" {
				if err := settings.EnsureToken(); err != nil {
					return err
				}
				token = settings.Token
			}

			database, err := db.Open(ctx, dbPath)
			if err != nil {
				return err
			}
			defer database.Close()

			h := newServeHub(token, logger, !noBatch)
			hubCtx, cancelHub := context.WithCancel(ctx)
			defer cancelHub()
			go h.Run(hubCtx)

			var launcher *sessionLauncher
			var apiLauncher api.Launcher
			if !noLaunch {
				launcher = newSessionLauncher(ctx, database, h, settings.ProfileDir, logger)
				if cmd.Flags().Changed("restrict-dir") {
					launcher.policy = &policy.Policy{Root: restrict}
				}
				apiLauncher = launcher
			}
			router := api.NewRouter(database.SQL(), h, apiLauncher, settings.ProfileDir, token)

			srv := server.New(addr, h, router, logger)
			ln, err := srv.Listen()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "serving on http://%s (token %s)\n", ln.Addr(), token)

			err = srv.Serve(ctx, ln)
			if launcher != nil {
				launcher.Wait()
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from settings)")
	cmd.Flags().StringVar(&dbPath, "db", "", "transcript database path")
	cmd.Flags().StringVar(&token, "token", "", "API and websocket token (default from settings)")
	cmd.Flags().BoolVar(&noLaunch, "no-launch", false, "serve transcripts read-only")
	cmd.Flags().BoolVar(&noBatch, "no-batch", false, "send each output chunk to watchers immediately instead of coalescing")
	cmd.Flags().StringVar(&restrict, "restrict-dir", "", "screen launched commands and confine their paths to this directory")
	return cmd
}

func newServeHub(token string, logger *slog.Logger, batch bool) *hub.Hub {
	h := hub.New(token, logger)
	h.SetBatchEnabled(batch)
	return h
}

// sessionLauncher runs profile sessions in the background, recording each
// one and mirroring its output to the hub. A session leaves the hub's list
// once its final status has been published.
type sessionLauncher struct {
	ctx        context.Context
	database   *db.DB
	hub        *hub.Hub
	profileDir string
	logger     *slog.Logger
	// policy, when set, screens commands and pins the working directory.
	policy *policy.Policy

	wg sync.WaitGroup
}

func newSessionLauncher(ctx context.Context, database *db.DB, h *hub.Hub, profileDir string, logger *slog.Logger) *sessionLauncher {
	return &sessionLauncher{
		ctx:        ctx,
		database:   database,
		hub:        h,
		profileDir: profileDir,
		logger:     logger,
	}
}

// Launch returns once the run is recorded; the session itself runs on the
// launcher's context, not the request's.
func (l *sessionLauncher) Launch(_ context.Context, req api.LaunchRequest) (string, error) {
	profiles, err := config.LoadProfiles(l.profileDir)
	if err != nil {
		return "", err
	}
	p, ok := profiles[req.Profile]
	if !ok {
		return "", fmt.Errorf("unknown profile %q", req.Profile)
	}
	cfg, err := p.ExpectConfig()
	if err != nil {
		return "", err
	}
	if l.policy != nil {
		if err := l.policy.CheckAll(req.Commands); err != nil {
			l.logger.Warn("rejected launch", "profile", p.Name, "error", err)
			return "", err
		}
		if l.policy.Root != "" {
			cfg.Dir = l.policy.Root
		}
	}
	sessionID := uuid.NewString()
	cfg.Logger = l.logger.With("session", sessionID)
	cfg.Diagnostics = l.hub.Writer(sessionID)
	cfg.Verbose = max(cfg.Verbose, 4)

	rec := db.NewRecorder(l.database, l.logger)
	if _, err := rec.Begin(l.ctx, sessionID, p.Name, cfg.Cmd); err != nil {
		return "", err
	}
	info := hub.SessionInfo{ID: sessionID, Command: shellquote.Join(cfg.Cmd...), Status: hub.StatusConnected}
	l.hub.SetSession(info)

	commands := slices.Clone(req.Commands)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		err := driveSession(l.ctx, cfg, sessionID, stepRecorders{rec, l.hub}, commands, nil)
		if err != nil {
			l.logger.Warn("launched session failed", "session", sessionID, "error", err)
		}
		if ferr := rec.Finish(context.WithoutCancel(l.ctx), err); ferr != nil {
			l.logger.Error("failed to finish run record", "session", sessionID, "error", ferr)
		}
		info.Status = hub.StatusDisconnected
		if err != nil {
			info.Status = hub.StatusFailed
		}
		l.hub.FlushPendingOutput()
		l.hub.SetSession(info)
		l.hub.RemoveSession(sessionID)
	}()
	return sessionID, nil
}

// Wait blocks until every launched session has ended.
func (l *sessionLauncher) Wait() {
	l.wg.Wait()
}
