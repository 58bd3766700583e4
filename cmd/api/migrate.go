package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sileade/scoliologic-wiki-sub002/internal/config"
	"github.com/sileade/scoliologic-wiki-sub002/internal/store"
)

func init() {
	rootCmd.AddCommand(newMigrateCommand())
}

func newMigrateCommand() *cobra.Command {
	var databaseURL string

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	migrateCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Database connection URL. Defaults to DATABASE_URL.")

	resolveURL := func() string {
		if databaseURL != "" {
			return databaseURL
		}
		return config.Load().DatabaseURL
	}

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := store.ApplyMigrations(resolveURL()); err != nil {
				return err
			}
			cmd.Println("Applied all pending migrations.")
			return nil
		},
	})

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "down <steps>",
		Short: "Roll back migrations by step count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := strconv.Atoi(args[0])
			if err != nil || steps <= 0 {
				return fmt.Errorf("invalid steps %q: must be a positive integer", args[0])
			}
			if err := store.RollbackMigrations(resolveURL(), steps); err != nil {
				return err
			}
			cmd.Printf("Rolled back %d migration step(s)\n", steps)
			return nil
		},
	})

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			version, dirty, err := store.MigrationVersion(resolveURL())
			if err != nil {
				return err
			}
			if dirty {
				cmd.Printf("%d (dirty)\n", version)
				return nil
			}
			cmd.Printf("%d\n", version)
			return nil
		},
	})

	return migrateCmd
}
