package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/ptyexpect/expect"
	"github.com/user/ptyexpect/internal/config"
)

// Exit codes by failure class.
const (
	exitFailure       = 1
	exitTimedOut      = 2
	exitTerminated    = 3
	exitCommunication = 4
	exitUsage         = 64
)

type app struct {
	settingsPath string
	logLevel     string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "ptyexpect",
		Short:         "Drive interactive programs through a pseudo-terminal",
		Long:          "ptyexpect spawns a program on a pty, sends it commands and waits for its prompt after each one.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setupLogging(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("a subcommand is required")
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&a.settingsPath, "settings", "", "settings file (default ~/.config/ptyexpect/config)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "warn", "log level: debug, info, warn or error")

	rootCmd.AddCommand(a.newRunCmd())
	rootCmd.AddCommand(a.newProfilesCmd())
	rootCmd.AddCommand(a.newHistoryCmd())
	rootCmd.AddCommand(a.newServeCmd())

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})
	return rootCmd
}

func (a *app) setupLogging(cmd *cobra.Command) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(a.logLevel)); err != nil {
		return usageError{fmt.Errorf("invalid --log-level %q", a.logLevel)}
	}
	// stdout carries the transcript, so logs go to stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
	return nil
}

func (a *app) settings() (*config.Config, error) {
	if a.settingsPath != "" {
		return config.LoadFrom(a.settingsPath)
	}
	return config.Load()
}

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var uerr usageError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &uerr), errors.Is(err, expect.ErrInvalidConfig):
		return exitUsage
	case errors.Is(err, expect.ErrTimedOut):
		return exitTimedOut
	case errors.Is(err, expect.ErrTerminated):
		return exitTerminated
	case errors.Is(err, expect.ErrCommunication):
		return exitCommunication
	default:
		return exitFailure
	}
}
