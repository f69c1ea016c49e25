package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/passportd/passportd/pkg/config"
)

func newSchemasCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schemas",
		Short: "Validate and load production schemas",
		Long: `Production schemas are YAML documents describing the stages of a unit
and the protocol template it is tested against. They are validated
against built-in CUE definitions before being stored.`,
	}

	cmd.AddCommand(newSchemasValidateCommand())
	cmd.AddCommand(newSchemasSyncCommand())
	cmd.AddCommand(newSchemasListCommand())

	return cmd
}

func newSchemasValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check schema files without storing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog := config.NewCatalog(nil, config.NewSchemaRegistry(), log.Logger)

			failed := 0
			for _, path := range args {
				if err := validateSchemaFile(catalog, path); err != nil {
					log.Error().Err(err).Str("file", path).Msg("Schema validation failed")
					failed++
					continue
				}
				fmt.Fprintf(stdout, "%s: ok\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed validation", failed, len(args))
			}
			return nil
		},
	}

	return cmd
}

func validateSchemaFile(catalog *config.Catalog, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = catalog.ParseSchemas(f)
	return err
}

func newSchemasSyncCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [dir]",
		Short: "Store every schema of a directory",
		Long: `Validate every schema file of the directory and store them in one
transaction. Nothing is stored if any file is invalid. The directory
defaults to schemas.directory from the config.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			dir := a.cfg.Schemas.Directory
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				return fmt.Errorf("no schema directory given")
			}

			n, err := a.catalog.Sync(cmd.Context(), dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Stored %d schemas from %s\n", n, dir)
			return nil
		},
	}

	return cmd
}

func newSchemasListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			schemas, err := a.store.ListSchemas(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(schemas))
			for _, s := range schemas {
				protocol := "-"
				if s.Protocol != nil {
					protocol = s.Protocol.ProtocolSchemaID
				}
				rows = append(rows, []string{s.SchemaID, s.UnitName, strconv.Itoa(len(s.ProductionStages)), protocol})
			}
			return printTable(schemas, []string{"SCHEMA", "UNIT", "STAGES", "PROTOCOL"}, rows)
		},
	}

	return cmd
}
