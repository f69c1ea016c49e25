package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/passportd/passportd/pkg/stores"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Create or upgrade the passport database schema.

Migrations are embedded in the binary and applied in order. Running the
command against an up-to-date database is a no-op.`,
		Example: `  # Migrate the configured database
  passportd migrate -c config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := stores.NewSQLiteStore(cfg.Database)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ctx := cmd.Context()
			if err := store.Init(ctx); err != nil {
				return err
			}
			if err := store.Migrate(ctx); err != nil {
				return err
			}

			log.Info().Str("path", cfg.Database.Path).Msg("Database migrated")
			fmt.Fprintln(stdout, "Database is up to date")
			return nil
		},
	}

	return cmd
}
