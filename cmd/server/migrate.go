package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rpattn/crudql/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := db.NewConnection(cmd.Context(), cfg.Database)
		if err != nil {
			return err
		}
		defer conn.Close()
		return conn.RunMigrations()
	},
}

var rollbackSteps int

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back applied migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := db.NewConnection(cmd.Context(), cfg.Database)
		if err != nil {
			return err
		}
		defer conn.Close()
		return conn.RollbackMigrations(rollbackSteps)
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := db.NewConnection(cmd.Context(), cfg.Database)
		if err != nil {
			return err
		}
		defer conn.Close()
		version, dirty, err := conn.MigrationVersion()
		if err != nil {
			return err
		}
		if dirty {
			fmt.Fprintf(cmd.OutOrStdout(), "%d (dirty)\n", version)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d\n", version)
		return nil
	},
}

func init() {
	migrateDownCmd.Flags().IntVar(&rollbackSteps, "steps", 1, "Number of migrations to roll back; 0 rolls back all")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
	rootCmd.AddCommand(migrateCmd)
}
