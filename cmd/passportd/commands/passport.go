package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/passportd/passportd/pkg/engine"
)

func newPassportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "passport",
		Aliases: []string{"unit"},
		Short:   "Inspect and move unit passports",
		Long: `Commands operating on a unit's passport directly against the database.

Every state change is recorded in the audit log under --actor.`,
	}

	cmd.AddCommand(newPassportCreateCommand())
	cmd.AddCommand(newPassportShowCommand())
	cmd.AddCommand(newPassportRevisionCommand())
	cmd.AddCommand(newPassportCancelRevisionCommand())
	cmd.AddCommand(newPassportTransitionCommand("built", "Mark a unit as built",
		func(a *app) func(context.Context, string, string) error { return a.units.MarkBuilt }))
	cmd.AddCommand(newPassportTransitionCommand("approve", "Approve a built unit with an approved protocol",
		func(a *app) func(context.Context, string, string) error { return a.units.Approve }))
	cmd.AddCommand(newPassportTransitionCommand("finalize", "Finalize an approved unit",
		func(a *app) func(context.Context, string, string) error { return a.units.Finalize }))
	cmd.AddCommand(newPassportStagesCommand())
	cmd.AddCommand(newPassportSerialCommand())
	cmd.AddCommand(newPassportDeleteCommand())
	cmd.AddCommand(newPassportAuditCommand())

	return cmd
}

func newPassportCreateCommand() *cobra.Command {
	var (
		schemaID      string
		model         string
		serial        string
		parent        string
		components    []string
		biographyFile string
	)

	cmd := &cobra.Command{
		Use:   "create <internal-id>",
		Short: "Register a new unit in production",
		Example: `  # Create a unit following the motor-v1 schema
  passportd passport create U-1001 --schema motor-v1 --model M-200`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			biography, err := stageInputs(biographyFile, nil)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			unit := &engine.Unit{
				InternalID:            args[0],
				SchemaID:              schemaID,
				Model:                 model,
				SerialNumber:          serial,
				ParentialUnit:         parent,
				ComponentsInternalIDs: components,
				Biography:             biography,
			}
			if err := a.units.Create(cmd.Context(), unit); err != nil {
				return err
			}
			return printUnit(unit)
		},
	}

	cmd.Flags().StringVar(&schemaID, "schema", "", "production schema ID")
	cmd.Flags().StringVar(&model, "model", "", "product model")
	cmd.Flags().StringVar(&serial, "serial", "", "serial number")
	cmd.Flags().StringVar(&biographyFile, "biography", "", "JSON file with the stages recorded so far")
	cmd.Flags().StringVar(&parent, "parent", "", "internal ID of the parent assembly")
	cmd.Flags().StringSliceVar(&components, "component", nil, "internal IDs of installed components")
	_ = cmd.MarkFlagRequired("schema")

	return cmd
}

func newPassportShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <internal-id>",
		Short: "Show a unit and its biography",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			unit, err := a.units.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printUnit(unit)
		},
	}

	return cmd
}

func newPassportRevisionCommand() *cobra.Command {
	var stageIDs []string

	cmd := &cobra.Command{
		Use:   "revision <internal-id>",
		Short: "Send stages of a unit back for rework",
		Example: `  # Rework two stages
  passportd passport revision U-1001 --stage 6f1c... --stage 9a2d...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			reworks, err := a.units.SendForRevision(cmd.Context(), args[0], stageIDs, actor)
			if err != nil {
				return err
			}
			return printStages(reworks)
		},
	}

	cmd.Flags().StringSliceVarP(&stageIDs, "stage", "s", nil, "stage IDs to rework")
	_ = cmd.MarkFlagRequired("stage")

	return cmd
}

func newPassportCancelRevisionCommand() *cobra.Command {
	var employeeHash string

	cmd := &cobra.Command{
		Use:   "cancel-revision <stage-id>",
		Short: "Withdraw the revision of a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			var employee *engine.Employee
			if employeeHash != "" {
				employee, err = a.employees.Get(cmd.Context(), employeeHash)
				if err != nil {
					return err
				}
				if employee == nil {
					return engine.NewNotFoundError("no employee cached for hash").WithResource(employeeHash)
				}
			}
			if err := a.units.CancelRevision(cmd.Context(), args[0], employee); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Revision of stage %s cancelled\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&employeeHash, "employee", "", "content hash of the cancelling employee")

	return cmd
}

func newPassportStagesCommand() *cobra.Command {
	var (
		file  string
		stage engine.Stage
		open  bool
	)

	cmd := &cobra.Command{
		Use:   "stages <internal-id>",
		Short: "Record finished stages in a unit's biography",
		Long: `Append stages to a unit's biography. A stage whose ID names a stage
in revision completes that rework instead of adding a new stage.`,
		Example: `  # Record one stage from the command line
  passportd passport stages U-1001 --name Winding --employee "Ivan Petrov"

  # Complete a rework
  passportd passport stages U-1001 --id 6f1c... --name Winding --employee "Ivan Petrov"

  # Record stages from a file
  passportd passport stages U-1001 --file stages.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var single *engine.Stage
			if stage.Name != "" {
				stage.Completed = !open
				single = &stage
			}
			stages, err := stageInputs(file, single)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			recorded, err := a.units.RecordStages(cmd.Context(), args[0], stages, actor)
			if err != nil {
				return err
			}
			return printStages(recorded)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with a list of stages")
	cmd.Flags().StringVar(&stage.ID, "id", "", "ID of the rework stage to complete")
	cmd.Flags().StringVar(&stage.Name, "name", "", "stage name")
	cmd.Flags().StringVar(&stage.SchemaStageID, "schema-stage", "", "schema stage ID")
	cmd.Flags().StringVar(&stage.EmployeeName, "employee", "", "employee who did the work")
	cmd.Flags().BoolVar(&stage.EndedPrematurely, "premature", false, "the session ended prematurely")
	cmd.Flags().BoolVar(&open, "open", false, "record the stage as not completed")

	return cmd
}

// stageInputs reads stages from a JSON file and appends single, if set.
func stageInputs(file string, single *engine.Stage) ([]*engine.Stage, error) {
	var stages []*engine.Stage
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &stages); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
	}
	if single != nil {
		stages = append(stages, single)
	}
	return stages, nil
}

func newPassportSerialCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serial <internal-id> <serial-number>",
		Short: "Set the serial number of a unit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			changed, err := a.units.SetSerialNumber(cmd.Context(), args[0], args[1], actor)
			if err != nil {
				return err
			}
			if !changed && !jsonOutput {
				fmt.Fprintf(stdout, "Serial number of %s unchanged\n", args[0])
				return nil
			}
			unit, err := a.units.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printUnit(unit)
		},
	}

	return cmd
}

func newPassportDeleteCommand() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "delete <internal-id>",
		Short: "Delete a passport with its stages and protocol",
		Long: `Delete a unit's passport: the unit, its biography and its protocol.
A pending anchoring job for the protocol is withdrawn. Finalized passports
cannot be deleted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("refusing to delete %s without --yes", args[0])
			}

			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if err := a.units.Delete(cmd.Context(), args[0], actor); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Passport %s deleted\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm the deletion")

	return cmd
}

func newPassportTransitionCommand(use, short string, op func(*app) func(context.Context, string, string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <internal-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if err := op(a)(cmd.Context(), args[0], actor); err != nil {
				return err
			}
			unit, err := a.units.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printUnit(unit)
		},
	}

	return cmd
}

func newPassportAuditCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "audit <target-id>",
		Short: "Show audit entries for a unit or protocol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			entries, err := a.store.ListAudit(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, e.Actor})
			}
			return printTable(entries, []string{"TIME", "ACTION", "ACTOR"}, rows)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")

	return cmd
}

func printUnit(unit *engine.Unit) error {
	if jsonOutput {
		return printJSON(unit)
	}
	fmt.Fprintf(stdout, "Unit:     %s\n", unit.InternalID)
	fmt.Fprintf(stdout, "UUID:     %s\n", unit.UUID)
	fmt.Fprintf(stdout, "Schema:   %s\n", unit.SchemaID)
	fmt.Fprintf(stdout, "Status:   %s\n", unit.Status)
	fmt.Fprintf(stdout, "Model:    %s\n", orDash(unit.Model))
	fmt.Fprintf(stdout, "Serial:   %s\n", orDash(unit.SerialNumber))
	if unit.IPFSCID != "" {
		fmt.Fprintf(stdout, "Content:  %s\n", unit.IPFSCID)
		fmt.Fprintf(stdout, "Ledger:   %s\n", orDash(unit.TxnHash))
	}
	if len(unit.ComponentsInternalIDs) > 0 {
		fmt.Fprintf(stdout, "Components: %s\n", strings.Join(unit.ComponentsInternalIDs, ", "))
	}
	if len(unit.Biography) == 0 {
		return nil
	}
	fmt.Fprintln(stdout)
	return printStages(unit.Biography)
}

func printStages(stages []*engine.Stage) error {
	rows := make([][]string, 0, len(stages))
	for _, s := range stages {
		state := "done"
		switch {
		case s.RevisionCancelled:
			state = "cancelled"
		case s.InActiveRevision():
			state = "in revision"
		case !s.Completed:
			state = "open"
		}
		rows = append(rows, []string{s.ID, strconv.Itoa(s.Number), s.Name, state, orDash(s.ReworkOf)})
	}
	return printTable(stages, []string{"ID", "NO", "NAME", "STATE", "REWORK OF"}, rows)
}
