package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/ptyexpect/internal/config"
)

func (a *app) newProfilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List available session profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := a.loadProfiles()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCOMMAND\tSOURCE")
			for _, name := range config.ProfileNames(profiles) {
				p := profiles[name]
				fmt.Fprintf(tw, "%s\t%s\t%s\n", name, p.Cmd, p.Source)
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <name>",
		Short: "Print a profile as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := a.loadProfiles()
			if err != nil {
				return err
			}
			p, ok := profiles[args[0]]
			if !ok {
				return usageError{fmt.Errorf("unknown profile %q", args[0])}
			}
			data, err := config.Marshal(p)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return cmd
}

func (a *app) loadProfiles() (map[string]*config.Profile, error) {
	settings, err := a.settings()
	if err != nil {
		return nil, err
	}
	return config.LoadProfiles(settings.ProfileDir)
}
