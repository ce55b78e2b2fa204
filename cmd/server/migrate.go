package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}
		db, err := openDB(cmd.Context(), cfg, log)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		applied, err := db.Migrate(cmd.Context())
		for _, name := range applied {
			log.Info().Str("migration", name).Msg("Migration applied")
		}
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			log.Info().Msg("Schema is up to date")
		}
		return nil
	},
}
