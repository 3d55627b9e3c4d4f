package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"zuzalu/api/internal/store"
)

func newMigrateCmd() *cobra.Command {
	var (
		databaseURL string
		dir         string
	)
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or revert database migrations",
	}
	migrateCmd.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "postgres connection string")
	migrateCmd.PersistentFlags().StringVar(&dir, "dir", "./db/migrations", "migrations directory")

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations found in the migrations directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			migrations, err := store.LoadMigrations(dir)
			if err != nil {
				return err
			}
			for _, m := range migrations {
				fmt.Fprintln(cmd.OutOrStdout(), m.Version)
			}
			return nil
		},
	})

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(databaseURL) == "" {
				return fmt.Errorf("--database-url or DATABASE_URL is required")
			}
			db, err := store.Open(cmd.Context(), databaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			applied, err := store.ApplyMigrations(cmd.Context(), db, dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s) %v\n", len(applied), applied)
			return nil
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert applied migrations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(databaseURL) == "" {
				return fmt.Errorf("--database-url or DATABASE_URL is required")
			}
			db, err := store.Open(cmd.Context(), databaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			reverted, err := store.RollbackMigrations(cmd.Context(), db, dir, steps)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reverted %d migration(s) %v\n", len(reverted), reverted)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to revert, 0 for all")
	migrateCmd.AddCommand(down)
	return migrateCmd
}
