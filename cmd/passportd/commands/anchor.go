package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/passportd/passportd/pkg/engine"
)

func newAnchorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anchor",
		Short: "Inspect and drain the anchoring queue",
		Long: `Approved protocols are queued for anchoring: the protocol document is
uploaded to the content store and its content ID recorded on the ledger.
The serve command drains the queue continuously; these commands operate
on it directly.`,
	}

	cmd.AddCommand(newAnchorDrainCommand())
	cmd.AddCommand(newAnchorJobsCommand())

	return cmd
}

func newAnchorDrainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Process every due anchoring job and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if a.anchorer == nil {
				return fmt.Errorf("anchoring is disabled; set anchoring.enabled in the config")
			}
			n, err := a.anchorer.Drain(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Processed %d anchoring jobs\n", n)
			return nil
		},
	}

	return cmd
}

func newAnchorJobsCommand() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List anchoring jobs",
		Example: `  # Jobs that exhausted their attempts
  passportd anchor jobs --status failed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *engine.AnchorJobStatus
			if status != "" {
				s := engine.AnchorJobStatus(status)
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

			jobs, err := a.store.ListAnchorJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(jobs))
			for _, j := range jobs {
				rows = append(rows, []string{
					j.ID, j.UnitID, string(j.Status), strconv.Itoa(j.Attempts),
					orDash(j.ContentID), orDash(j.TxnHash), orDash(j.LastError),
				})
			}
			return printTable(jobs, []string{"ID", "UNIT", "STATUS", "ATTEMPTS", "CONTENT", "LEDGER", "LAST ERROR"}, rows)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only jobs in this status (pending, done, failed)")

	return cmd
}
