package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newChainsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "List the supported chains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry, err := loadRegistry(cmd)
			if err != nil {
				return err
			}
			list, err := registry.ListSupportedChains(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "IDENTIFIER\tNAME\tSYMBOL\tCHAIN ID")
			for _, c := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", c.Identifier, c.Name, c.Symbol, c.ChainID)
			}
			return w.Flush()
		},
	}
}
