package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tasksync/internal/models"
	"github.com/kimhsiao/tasksync/internal/sync/queue"
)

// NewDeadLetterCommand creates the dead-letter command group.
func NewDeadLetterCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead-letter",
		Short: "Inspect and requeue items that exhausted their retries",
		Long: `Items that failed max_retries times stay in the queue but are no longer
dispatched. List them, fix the cause, then requeue them for the next round.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List dead-lettered items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts.Config())
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.engine.DeadLettered(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list dead-lettered items", err)
			}
			summaries := queue.Summaries(items)
			return render(cmd.OutOrStdout(), rootOpts.Output, summaries, func(w io.Writer) {
				printSummaries(w, summaries)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "requeue <item-id>...",
		Short: "Reset items so the next round dispatches them again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts.Config())
			if err != nil {
				return err
			}
			defer a.Close()

			requeued := make([]queue.Summary, 0, len(args))
			for _, id := range args {
				item, err := a.engine.Requeue(cmd.Context(), id)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to requeue "+id, err)
				}
				requeued = append(requeued, item.Summary())
			}
			return render(cmd.OutOrStdout(), rootOpts.Output, requeued, func(w io.Writer) {
				for _, s := range requeued {
					fmt.Fprintf(w, "Requeued %s (%s %s)\n", s.ID, s.Operation, s.RecordID)
				}
			})
		},
	})

	return cmd
}

func printSummaries(w io.Writer, items []queue.Summary) {
	fmt.Fprintln(w, "ID\tRECORD\tOP\tRETRIES\tCREATED\tERROR")
	for _, s := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", s.ID, s.RecordID, s.Operation, s.RetryCount,
			models.MillisTime(s.CreatedAt).Format("2006-01-02 15:04:05"), s.ErrorMessage)
	}
}
