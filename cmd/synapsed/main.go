package main

import (
	"fmt"
	"os"

	"github.com/matheus3301/synapse/internal/daemon"
	"github.com/matheus3301/synapse/internal/profile"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var profileFlag string
	cmd := &cobra.Command{
		Use:          "synapsed",
		Short:        "Local message cache and sync daemon",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name := profile.Resolve(profileFlag)
			if err := profile.ValidateName(name); err != nil {
				return err
			}
			app := fx.New(daemon.Module(daemon.Params{ProfileName: name}))
			if err := app.Err(); err != nil {
				return fmt.Errorf("start daemon for profile %q: %w", name, err)
			}
			app.Run()
			return nil
		},
	}
	cmd.Flags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	return cmd
}
