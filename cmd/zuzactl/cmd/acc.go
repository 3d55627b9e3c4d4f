package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"zuzalu/api/internal/acc"
)

func newACCCmd() *cobra.Command {
	accCmd := &cobra.Command{
		Use:   "acc",
		Short: "Access-control condition tools",
	}
	accCmd.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Validate an app's release metadata",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readTrimmed(cmd, args)
			if err != nil {
				return err
			}
			set, err := acc.FromReleaseMetadata(raw)
			if errors.Is(err, acc.ErrNoConditions) {
				fmt.Fprintln(cmd.OutOrStdout(), "no conditions: content is public")
				return nil
			}
			if err != nil {
				return err
			}
			registry, err := loadRegistry(cmd)
			if err != nil {
				return err
			}
			if err := acc.Validate(cmd.Context(), set, registry); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid: %d condition(s) on %s\n", len(set), set.Chain())
			return printJSON(cmd, set)
		},
	})
	return accCmd
}
