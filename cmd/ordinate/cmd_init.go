package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/ordinate/internal/auth"
	"github.com/mistakeknot/ordinate/internal/cli"
)

// newInitCmd creates the "ordinate init" subcommand.
func newInitCmd(dbPath *string) *cobra.Command {
	var (
		thresholdsPath string
		keysPath       string
		operator       string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Prepare the database, thresholds file and API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := cli.Init(*dbPath, thresholdsPath, keysPath, operator)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database ready at %s\n", res.DBPath)
			if res.ThresholdsCreated {
				fmt.Fprintf(cmd.OutOrStdout(), "wrote default thresholds to %s\n", res.ThresholdsPath)
			}
			if res.Key != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "api key for %s: %s\n", operator, res.Key)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&thresholdsPath, "thresholds", "thresholds.yaml", "thresholds file to scaffold")
	cmd.Flags().StringVar(&keysPath, "keys", auth.ResolveKeysPath(), "API keys file")
	cmd.Flags().StringVar(&operator, "operator", "dev", "operator the new key belongs to")
	return cmd
}
