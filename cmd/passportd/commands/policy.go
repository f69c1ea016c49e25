package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/passportd/passportd/pkg/engine"
	"github.com/passportd/passportd/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect authorization and finalization policies",
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List built-in and loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			policies, err := loadPolicyEngine(cmd.Context())
			if err != nil {
				return err
			}

			list := policies.ListPolicies()
			rows := make([][]string, 0, len(list))
			for _, p := range list {
				rows = append(rows, []string{p.Name, strings.Join(p.Tags, ","), string(p.Severity), strconv.FormatBool(p.Enabled)})
			}
			return printTable(list, []string{"NAME", "TAGS", "SEVERITY", "ENABLED"}, rows)
		},
	}

	return cmd
}

func newPolicyCheckCommand() *cobra.Command {
	var rules []string

	cmd := &cobra.Command{
		Use:   "check <action>",
		Short: "Evaluate the authorization policies for a rule set",
		Example: `  # May a user with the write rule approve a protocol?
  passportd policy check protocol.approve --rule write`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policies, err := loadPolicyEngine(cmd.Context())
			if err != nil {
				return err
			}

			user := &engine.User{Username: actor, RuleSet: rules}
			result, err := policies.Evaluate(cmd.Context(), policy.TagAuthz, &policy.Input{Action: args[0], User: user})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(result)
			}
			if result.Allowed {
				fmt.Fprintf(stdout, "allowed: %s may perform %s\n", actor, args[0])
				return nil
			}
			for _, v := range result.Violations {
				fmt.Fprintf(stdout, "denied by %s: %s\n", v.Policy, v.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&rules, "rule", nil, "rules carried by the user")

	return cmd
}

// loadPolicyEngine builds the policy engine from the config without opening
// the database.
func loadPolicyEngine(ctx context.Context) (*policy.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}
	tel := cfg.Telemetry
	tel.Logging.Output = "stderr"
	logger, err := telemetryLogger(tel)
	if err != nil {
		return nil, err
	}
	a.logger = logger
	if err := a.initPolicies(ctx); err != nil {
		return nil, err
	}
	return a.policies, nil
}
