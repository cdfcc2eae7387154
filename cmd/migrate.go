package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goconvo/internal/config"
	"github.com/nextlevelbuilder/goconvo/internal/store/pg"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply Postgres schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			// DSN comes from environment only (secret, never in config.json).
			if cfg.Storage.PostgresDSN == "" {
				return fmt.Errorf("GOCONVO_POSTGRES_DSN environment variable is not set")
			}
			if err := pg.Migrate(cfg.Storage.PostgresDSN); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
	return cmd
}
