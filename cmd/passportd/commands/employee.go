package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/passportd/passportd/pkg/engine"
)

func newEmployeeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "employee",
		Short: "Manage the employee identity cache",
	}

	cmd.AddCommand(newEmployeeImportCommand())
	cmd.AddCommand(newEmployeeDecodeCommand())

	return cmd
}

func newEmployeeImportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Cache employee records from a JSON file",
		Long: `Read a JSON list of employee records and cache each one under the
SHA-256 of its card ID, name and position. Records already cached are
left untouched.`,
		Example: `  # Import the badge roster
  passportd employee import roster.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var employees []engine.Employee
			if err := json.Unmarshal(data, &employees); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}

			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			added, err := a.employees.Put(cmd.Context(), employees)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(employees))
			for _, e := range employees {
				rows = append(rows, []string{e.ContentHash(), e.Name, e.Position})
			}
			if !jsonOutput {
				fmt.Fprintf(stdout, "Cached %d of %d records\n\n", added, len(employees))
			}
			return printTable(employees, []string{"HASH", "NAME", "POSITION"}, rows)
		},
	}

	return cmd
}

func newEmployeeDecodeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode <hash>",
		Short: "Resolve a content hash to the cached employee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			employee, err := a.employees.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if employee == nil {
				return engine.NewNotFoundError("no employee cached for hash").WithResource(args[0])
			}
			if jsonOutput {
				return printJSON(employee)
			}
			fmt.Fprintf(stdout, "Name:     %s\n", employee.Name)
			fmt.Fprintf(stdout, "Position: %s\n", employee.Position)
			fmt.Fprintf(stdout, "Card:     %s\n", employee.RFIDCardID)
			return nil
		},
	}

	return cmd
}
