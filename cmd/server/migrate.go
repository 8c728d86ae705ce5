package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/soaringjerry/Sylva/internal/db"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return fmt.Errorf("create sqlite dir: %w", err)
			}
			conn, err := db.Open(cfg.SQLitePath)
			if err != nil {
				return err
			}
			defer conn.Close()
			if _, err := db.NewSQLiteStore(conn); err != nil {
				return err
			}
			applied, err := db.RunMigrations(cmd.Context(), conn, cfg.MigrationsDir)
			if err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(applied) == 0 {
				fmt.Fprintln(out, "database is up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintln(out, "applied", name)
			}
			return nil
		},
	}
}
