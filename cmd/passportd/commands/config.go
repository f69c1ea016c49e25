package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/passportd/passportd/pkg/config"
	"github.com/passportd/passportd/pkg/telemetry"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show and check the effective configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the configuration after file and environment overrides",
		Long: `Print the effective configuration: the built-in defaults, overridden
by the config file, overridden by PASSPORTD_* environment variables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			redact(cfg)
			if jsonOutput {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(stdout)
			enc.SetIndent(2)
			defer func() { _ = enc.Close() }()
			return enc.Encode(cfg)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "defaults",
		Short: "Print the built-in defaults as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := yaml.NewEncoder(stdout)
			enc.SetIndent(2)
			defer func() { _ = enc.Close() }()
			return enc.Encode(config.Default())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "Configuration is valid")
			return nil
		},
	})

	return cmd
}

// redact masks credentials in cfg.
func redact(cfg *config.ServiceConfig) {
	for _, secret := range []*string{
		&cfg.Cache.Password,
		&cfg.Anchoring.S3.SecretAccessKey,
		&cfg.Anchoring.LedgerToken,
	} {
		if *secret != "" {
			*secret = redacted
		}
	}
}

const redacted = "<redacted>"

func telemetryLogger(cfg telemetry.Config) (zerolog.Logger, error) {
	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return zerolog.Nop(), err
	}
	return logger.Zerolog(), nil
}
