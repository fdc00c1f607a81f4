package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/user/ptyexpect/internal/db"
	"github.com/user/ptyexpect/internal/parser"
)

func (a *app) newHistoryCmd() *cobra.Command {
	var (
		dbPath    string
		limit     int
		status    string
		stripANSI bool
	)
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs, or the steps of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if dbPath == "" {
				settings, err := a.settings()
				if err != nil {
					return err
				}
				dbPath = settings.DBPath
			}
			database, err := db.Open(ctx, dbPath)
			if err != nil {
				return err
			}
			defer database.Close()

			if len(args) == 0 {
				runs, err := db.NewRunRepo(database.SQL()).List(ctx, db.RunFilter{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				return printRuns(cmd.OutOrStdout(), runs)
			}

			run, err := db.NewRunRepo(database.SQL()).Get(ctx, args[0])
			if err != nil {
				return err
			}
			if run == nil {
				return usageError{fmt.Errorf("run %q not found", args[0])}
			}
			steps, err := db.NewStepRepo(database.SQL()).ListByRun(ctx, run.ID)
			if err != nil {
				return err
			}
			return printRun(cmd.OutOrStdout(), run, steps, stripANSI)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "transcript database path")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list")
	cmd.Flags().StringVar(&status, "status", "", "only list runs with this status (running, ok, failed)")
	cmd.Flags().BoolVar(&stripANSI, "strip-ansi", false, "strip escape sequences from step output")
	return cmd
}

func printRuns(w io.Writer, runs []*db.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tPROFILE\tCOMMAND\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			r.StartedAt.Local().Format(time.DateTime),
			r.Status,
			dash(r.Profile),
			shellquote.Join(r.Argv...),
			dash(r.Error),
		)
	}
	return tw.Flush()
}

func printRun(w io.Writer, run *db.Run, steps []*db.Step, stripANSI bool) error {
	fmt.Fprintf(w, "run %s (session %s)\n", run.ID, run.SessionID)
	fmt.Fprintf(w, "command: %s\n", shellquote.Join(run.Argv...))
	fmt.Fprintf(w, "status:  %s", run.Status)
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(w, " after %s", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintln(w)
	if run.Error != "" {
		fmt.Fprintf(w, "error:   %s\n", run.Error)
	}

	for _, s := range steps {
		label := s.Command
		if s.Seq == 0 && label == "" {
			label = "(connect)"
		}
		fmt.Fprintf(w, "\n[%d] %s (%s)\n", s.Seq, label, s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
		if s.Error != "" {
			fmt.Fprintf(w, "    failed: %s\n", s.Error)
			continue
		}
		before := s.BeforeText
		if stripANSI {
			before = parser.StripANSI(before)
		}
		for _, line := range strings.Split(strings.TrimRight(before, "\r\n"), "\n") {
			if line = strings.TrimRight(line, "\r"); line != "" {
				fmt.Fprintf(w, "    %s\n", line)
			}
		}
		fmt.Fprintf(w, "    matched #%d %q\n", s.MatchIndex, s.MatchText)
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
