package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/passportd/passportd/pkg/engine"
)

func newProtocolCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "protocol",
		Short: "Manage quality-test protocols",
		Long: `Protocols record the acceptance tests of a unit. They move through
two test stages before approval; approved protocols are immutable and
are queued for anchoring.`,
	}

	cmd.AddCommand(newProtocolShowCommand())
	cmd.AddCommand(newProtocolUpdateCommand())
	cmd.AddCommand(newProtocolAdvanceCommand())
	cmd.AddCommand(newProtocolApproveCommand())
	cmd.AddCommand(newProtocolRemoveCommand())
	cmd.AddCommand(newProtocolListCommand())

	return cmd
}

func newProtocolShowCommand() *cobra.Command {
	var schemaID string

	cmd := &cobra.Command{
		Use:   "show <unit-id>",
		Short: "Show a unit's protocol, or the template it would start from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			p, persisted, err := a.protocols.GetOrTemplate(cmd.Context(), args[0], schemaID)
			if err != nil {
				return err
			}
			return printProtocol(p, persisted)
		},
	}

	cmd.Flags().StringVar(&schemaID, "schema", "", "schema to build the template from (defaults to the unit's)")

	return cmd
}

func newProtocolUpdateCommand() *cobra.Command {
	var (
		values  map[string]string
		checked []string
		file    string
	)

	cmd := &cobra.Command{
		Use:   "update <unit-id>",
		Short: "Edit protocol rows, creating the protocol if needed",
		Example: `  # Record measured values and tick a row
  passportd protocol update U-1001 --value voltage=230 --value current=1.2 --check voltage

  # Apply edits from a JSON file
  passportd protocol update U-1001 -f edits.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			edits, err := rowEdits(values, checked, file)
			if err != nil {
				return err
			}
			if len(edits) == 0 {
				return fmt.Errorf("no edits given")
			}

			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			p, err := a.protocols.SubmitOrUpdate(cmd.Context(), args[0], edits, actor)
			if err != nil {
				return err
			}
			return printProtocol(p, true)
		},
	}

	cmd.Flags().StringToStringVar(&values, "value", nil, "row value (name=value)")
	cmd.Flags().StringSliceVar(&checked, "check", nil, "rows to mark as checked")
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file holding a list of row edits")

	return cmd
}

func newProtocolAdvanceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance <unit-id>",
		Short: "Move a protocol to its next test stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			status, err := a.protocols.Advance(cmd.Context(), args[0], actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Protocol of %s: %s\n", args[0], status.Label())
			return nil
		},
	}

	return cmd
}

func newProtocolApproveCommand() *cobra.Command {
	var drain bool

	cmd := &cobra.Command{
		Use:   "approve <unit-id>",
		Short: "Approve a protocol and queue it for anchoring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			p, err := a.protocols.Approve(cmd.Context(), args[0], actor)
			if err != nil {
				return err
			}
			if drain && a.anchorer != nil {
				if _, err := a.anchorer.Drain(cmd.Context()); err != nil {
					return err
				}
				if p, _, err = a.protocols.GetOrTemplate(cmd.Context(), args[0], ""); err != nil {
					return err
				}
			}
			return printProtocol(p, true)
		},
	}

	cmd.Flags().BoolVar(&drain, "drain", false, "process the anchoring queue before returning")

	return cmd
}

func newProtocolRemoveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <unit-id>",
		Short: "Delete a protocol that has not been approved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if err := a.protocols.Remove(cmd.Context(), args[0], actor); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Protocol of %s removed\n", args[0])
			return nil
		},
	}

	return cmd
}

func newProtocolListCommand() *cobra.Command {
	var (
		status  string
		pending bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List protocols",
		Example: `  # Unit IDs of protocols awaiting approval
  passportd protocol list --pending

  # Protocols that passed the first stage
  passportd protocol list --status first-stage-passed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *engine.ProtocolStatus
			if status != "" {
				s := engine.ProtocolStatus(status)
				if err := s.Validate(); err != nil {
					return err
				}
				filter = &s
			}

			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if pending {
				ids, err := a.protocols.ListPending(cmd.Context())
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(ids))
				for _, id := range ids {
					rows = append(rows, []string{id})
				}
				return printTable(ids, []string{"UNIT"}, rows)
			}

			protocols, err := a.protocols.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(protocols))
			for _, p := range protocols {
				rows = append(rows, []string{p.AssociatedUnitID, p.ProtocolID, p.Status.Label(), orDash(p.IPFSCID), orDash(p.TxnHash)})
			}
			return printTable(protocols, []string{"UNIT", "PROTOCOL", "STATUS", "CONTENT", "LEDGER"}, rows)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only protocols in this status")
	cmd.Flags().BoolVar(&pending, "pending", false, "only unit IDs of protocols awaiting approval")

	return cmd
}

// rowEdits merges edits read from file with --value and --check flags.
func rowEdits(values map[string]string, checked []string, file string) ([]engine.RowEdit, error) {
	var edits []engine.RowEdit
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &edits); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := values[name]
		edits = append(edits, engine.RowEdit{Name: name, Value: &v})
	}

	yes := true
	for _, name := range checked {
		edits = append(edits, engine.RowEdit{Name: name, Checked: &yes})
	}
	return edits, nil
}

func printProtocol(p *engine.Protocol, persisted bool) error {
	if jsonOutput {
		return printJSON(map[string]interface{}{"protocol": p, "persisted": persisted})
	}
	fmt.Fprintf(stdout, "Protocol: %s (%s)\n", p.ProtocolName, orDash(p.ProtocolID))
	fmt.Fprintf(stdout, "Unit:     %s\n", p.AssociatedUnitID)
	fmt.Fprintf(stdout, "Status:   %s\n", p.Status.Label())
	if !persisted {
		fmt.Fprintln(stdout, "          (template, not saved)")
	}
	if p.IPFSCID != "" {
		fmt.Fprintf(stdout, "Content:  %s\n", p.IPFSCID)
		fmt.Fprintf(stdout, "Ledger:   %s\n", orDash(p.TxnHash))
	}
	fmt.Fprintln(stdout)

	rows := make([][]string, 0, len(p.Rows))
	for _, r := range p.Rows {
		check := " "
		if r.Checked {
			check = "x"
		}
		rows = append(rows, []string{check, r.Name, orDash(r.Value), derefOrDash(r.Deviation), derefOrDash(r.Test1), derefOrDash(r.Test2)})
	}
	return printTable(p.Rows, []string{"", "NAME", "VALUE", "DEVIATION", "TEST 1", "TEST 2"}, rows)
}

func derefOrDash(s *string) string {
	if s == nil {
		return "-"
	}
	return orDash(*s)
}
