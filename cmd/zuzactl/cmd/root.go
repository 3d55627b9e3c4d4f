package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"zuzalu/api/internal/chains"
)

var (
	version = "dev"
	commit  = "unknown"
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "zuzactl",
		Short: "Inspect Zuzalu City content blocks and access conditions",
		Long: `zuzactl encodes and decodes stored content values, renders beams as
markdown and validates access-control conditions against the chain registry.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().String("chains", "", "chain registry file (default is the built-in list)")

	root.AddCommand(newEncodeCmd(), newDecodeCmd(), newMarkdownCmd(), newACCCmd(), newChainsCmd(), newMigrateCmd(), newWalletCmd())
	return root
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadRegistry(cmd *cobra.Command) (*chains.Registry, error) {
	path, _ := cmd.Flags().GetString("chains")
	return chains.Load(path)
}

// readInput reads the first argument as a file, "-" or no argument as stdin.
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", args[0], err)
	}
	return data, nil
}

func readTrimmed(cmd *cobra.Command, args []string) (string, error) {
	data, err := readInput(cmd, args)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
