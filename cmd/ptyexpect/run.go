package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/user/ptyexpect/expect"
	"github.com/user/ptyexpect/internal/config"
	"github.com/user/ptyexpect/internal/db"
	"github.com/user/ptyexpect/internal/hub"
	"github.com/user/ptyexpect/internal/parser"
	"github.com/user/ptyexpect/internal/server"
)

type runOptions struct {
	profile     string
	profileFile string
	command     string
	prompts     []string
	promptRes   []string
	disconnect  string
	timeout     time.Duration
	raw         bool
	verbose     int
	debug       int
	dir         string
	size        string
	stripANSI   bool
	dbPath      string
	noRecord    bool
	watch       string
	token       string
	envFile     string
}

func (a *app) newRunCmd() *cobra.Command {
	cmd, _ := a.runCommand()
	return cmd
}

func (a *app) runCommand() (*cobra.Command, *runOptions) {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [flags] [--] [command...]",
		Short: "Run commands in an interactive program",
		Long: `Spawn the program from --profile, --config or --cmd, wait for its prompt,
then send each argument as a command and wait for the prompt again.

Literal --prompt patterns are declared before --prompt-re patterns.`,
		Example: `  ptyexpect run --profile sh -- "echo hi" "uname -a"
  ptyexpect run --cmd "python3 -q -i" --prompt ">>> " -- "1+1"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.profile, "profile", "p", "", "named profile (embedded or from the profile directory)")
	f.StringVarP(&opts.profileFile, "config", "c", "", "profile YAML file")
	f.StringVar(&opts.command, "cmd", "", "program to spawn, shell-quoted")
	f.StringArrayVar(&opts.prompts, "prompt", nil, "literal prompt pattern (repeatable)")
	f.StringArrayVar(&opts.promptRes, "prompt-re", nil, "regular expression prompt pattern (repeatable)")
	f.StringVar(&opts.disconnect, "disconnect", "", "command that makes the program exit")
	f.DurationVarP(&opts.timeout, "timeout", "t", 0, "prompt timeout (default 1000s)")
	f.BoolVar(&opts.raw, "raw", false, "put the pty in raw mode")
	f.IntVarP(&opts.verbose, "verbose", "v", 0, "verbosity; above 3 mirrors all program output to stderr")
	f.IntVar(&opts.debug, "debug", 0, "terminal debug level")
	f.StringVar(&opts.dir, "dir", "", "working directory for the program")
	f.StringVar(&opts.size, "size", "", "terminal window size as COLSxROWS (default 120x30)")
	f.BoolVar(&opts.stripANSI, "strip-ansi", false, "strip escape sequences from printed output")
	f.StringVar(&opts.dbPath, "db", "", "transcript database path")
	f.BoolVar(&opts.noRecord, "no-record", false, "do not record the run")
	f.StringVar(&opts.watch, "watch", "", "serve live output over websocket on this address")
	f.StringVar(&opts.token, "token", "", "websocket token (default from settings)")
	f.StringVar(&opts.envFile, "env-file", "", "load environment variables from a .env file")
	cmd.MarkFlagsMutuallyExclusive("profile", "config")

	return cmd, opts
}

// buildConfig layers explicitly set flags over the selected profile.
func buildConfig(cmd *cobra.Command, opts *runOptions, settings *config.Config) (expect.Config, string, error) {
	profile := &config.Profile{}
	switch {
	case opts.profileFile != "":
		p, err := config.LoadProfile(opts.profileFile)
		if err != nil {
			return expect.Config{}, "", usageError{err}
		}
		profile = p
	case opts.profile != "":
		profiles, err := config.LoadProfiles(settings.ProfileDir)
		if err != nil {
			return expect.Config{}, "", err
		}
		p, ok := profiles[opts.profile]
		if !ok {
			return expect.Config{}, "", usageError{fmt.Errorf("unknown profile %q (have %s)", opts.profile, strings.Join(config.ProfileNames(profiles), ", "))}
		}
		profile = p
	}

	cfg, err := profile.ExpectConfig()
	if err != nil {
		return expect.Config{}, "", usageError{err}
	}

	changed := cmd.Flags().Changed
	if changed("cmd") {
		argv, err := shellquote.Split(opts.command)
		if err != nil {
			return expect.Config{}, "", usageError{fmt.Errorf("parse --cmd: %w", err)}
		}
		cfg.Cmd = argv
	}
	if changed("prompt") || changed("prompt-re") {
		cfg.Prompt = cfg.Prompt[:0:0]
		for _, text := range opts.prompts {
			cfg.Prompt = append(cfg.Prompt, expect.Literal(text))
		}
		for _, expr := range opts.promptRes {
			pat, err := expect.Regex(expr)
			if err != nil {
				return expect.Config{}, "", usageError{fmt.Errorf("--prompt-re: %w", err)}
			}
			cfg.Prompt = append(cfg.Prompt, pat)
		}
	}
	if changed("disconnect") {
		cfg.DisconnectCmd = opts.disconnect
	}
	if changed("timeout") {
		cfg.Timeout = opts.timeout
	}
	if changed("raw") {
		cfg.RawPty = opts.raw
	}
	if changed("verbose") {
		cfg.Verbose = opts.verbose
	}
	if changed("debug") {
		cfg.Debug = opts.debug
	}
	if changed("dir") {
		cfg.Dir = opts.dir
	}
	if changed("size") {
		cols, rows, err := parseSize(opts.size)
		if err != nil {
			return expect.Config{}, "", usageError{fmt.Errorf("--size: %w", err)}
		}
		cfg.Cols, cfg.Rows = cols, rows
	}
	return cfg, profile.Name, nil
}

// parseSize reads a window size written as COLSxROWS, e.g. "132x43".
func parseSize(s string) (cols, rows uint16, err error) {
	c, r, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("want COLSxROWS, got %q", s)
	}
	c64, err := strconv.ParseUint(c, 10, 16)
	if err != nil || c64 == 0 {
		return 0, 0, fmt.Errorf("invalid column count %q", c)
	}
	r64, err := strconv.ParseUint(r, 10, 16)
	if err != nil || r64 == 0 {
		return 0, 0, fmt.Errorf("invalid row count %q", r)
	}
	return uint16(c64), uint16(r64), nil
}

func (a *app) run(cmd *cobra.Command, opts *runOptions, commands []string) (runErr error) {
	ctx := cmd.Context()
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	logger := slog.Default()

	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil {
			return usageError{fmt.Errorf("load env file: %w", err)}
		}
	}

	settings, err := a.settings()
	if err != nil {
		return err
	}
	cfg, profileName, err := buildConfig(cmd, opts, settings)
	if err != nil {
		return err
	}
	cfg.Logger = logger

	sessionID := uuid.NewString()
	var recorders stepRecorders

	if opts.stripANSI {
		sw := parser.NewStripWriter(stdout)
		defer sw.Flush()
		stdout = sw
		swErr := parser.NewStripWriter(stderr)
		defer swErr.Flush()
		stderr = swErr
	}
	cfg.Diagnostics = stderr

	if !opts.noRecord {
		dbPath := opts.dbPath
		if dbPath == "" {
			dbPath = settings.DBPath
		}
		database, err := db.Open(ctx, dbPath)
		if err != nil {
			return err
		}
		defer database.Close()

		rec := db.NewRecorder(database, logger)
		if _, err := rec.Begin(ctx, sessionID, profileName, cfg.Cmd); err != nil {
			return err
		}
		defer func() {
			if err := rec.Finish(context.WithoutCancel(ctx), runErr); err != nil {
				logger.Error("failed to finish run record", "error", err)
			}
		}()
		recorders = append(recorders, rec)
	}

	if opts.watch != "" {
		token := opts.token
		if token == "" {
			if err := settings.EnsureToken(); err != nil {
				return err
			}
			token = settings.Token
		}
		h, stopWatch, err := startWatch(ctx, opts.watch, token, logger, stderr)
		if err != nil {
			return err
		}
		defer stopWatch()

		info := hub.SessionInfo{ID: sessionID, Command: shellquote.Join(cfg.Cmd...), Status: hub.StatusConnected}
		h.SetSession(info)
		defer func() {
			info.Status = hub.StatusDisconnected
			h.SetSession(info)
		}()
		recorders = append(recorders, h)

		// Mirror child output to watchers; stderr only gets it when asked for.
		if cfg.Verbose > 3 {
			cfg.Diagnostics = io.MultiWriter(stderr, h.Writer(sessionID))
		} else {
			cfg.Diagnostics = h.Writer(sessionID)
			cfg.Verbose = 4
		}
	}

	return driveSession(ctx, cfg, sessionID, recorders, commands, func(s *expect.Session) {
		printStep(stdout, s)
	})
}

// driveSession spawns the program, sends each command in turn and
// disconnects. onStep runs after the connect wait and after every command.
func driveSession(ctx context.Context, cfg expect.Config, sessionID string, rec expect.Recorder, commands []string, onStep func(*expect.Session)) error {
	s, err := expect.New(ctx, cfg, expect.WithID(sessionID), expect.WithRecorder(rec))
	if err != nil {
		return err
	}
	defer s.Close()
	if onStep != nil {
		onStep(s)
	}

	for _, c := range commands {
		if err := s.Send(ctx, c); err != nil {
			if derr := s.Disconnect(); derr != nil {
				slog.Warn("disconnect after failure", "session", sessionID, "error", derr)
			}
			return err
		}
		if onStep != nil {
			onStep(s)
		}
	}
	return s.Disconnect()
}

func printStep(w io.Writer, s *expect.Session) {
	fmt.Fprint(w, s.Before(), s.Match())
}

// startWatch serves the hub on addr until the returned stop func is called.
func startWatch(ctx context.Context, addr, token string, logger *slog.Logger, status io.Writer) (*hub.Hub, func(), error) {
	h := hub.New(token, logger)
	srv := server.New(addr, h, nil, logger)
	ln, err := srv.Listen()
	if err != nil {
		return nil, nil, err
	}

	hubCtx, cancelHub := context.WithCancel(context.WithoutCancel(ctx))
	hubDone := make(chan struct{})
	go func() {
		h.Run(hubCtx)
		close(hubDone)
	}()

	srvCtx, cancelSrv := context.WithCancel(context.WithoutCancel(ctx))
	srvDone := make(chan struct{})
	go func() {
		if err := srv.Serve(srvCtx, ln); err != nil {
			logger.Error("watch server error", "error", err)
		}
		close(srvDone)
	}()
	fmt.Fprintf(status, "watch: ws://%s/ws?token=%s\n", ln.Addr(), token)

	stop := func() {
		h.FlushPendingOutput()
		cancelHub()
		<-hubDone
		cancelSrv()
		<-srvDone
	}
	return h, stop, nil
}

// stepRecorders fans each step out to several recorders.
type stepRecorders []expect.Recorder

func (r stepRecorders) RecordStep(ctx context.Context, sessionID string, step expect.Step) {
	for _, rec := range r {
		rec.RecordStep(ctx, sessionID, step)
	}
}
