package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	actor      string

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "passportd",
		Short: "passportd - manufacturing passport lifecycle service",
		Long: `passportd tracks manufactured units from production to a finalized
digital passport.

Features:
  - Unit status and stage revision workflow
  - Quality-test protocols with staged approval
  - Durable anchoring of approved protocols to content storage and a ledger
  - Employee identity cache for badge scans
  - Rego policies for authorization and finalization`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("PASSPORTD_CONFIG"), "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", defaultActor(), "name recorded in the audit log")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newPassportCommand())
	rootCmd.AddCommand(newProtocolCommand())
	rootCmd.AddCommand(newEmployeeCommand())
	rootCmd.AddCommand(newAnchorCommand())
	rootCmd.AddCommand(newSchemasCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}

func defaultActor() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "cli"
}
