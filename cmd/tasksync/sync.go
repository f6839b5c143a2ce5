package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tasksync/internal/models"
	syncpkg "github.com/kimhsiao/tasksync/internal/sync"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Force bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync round now",
		Long: `Drain the local operation queue once: dispatch pending changes in batches,
apply the remote's outcomes and resolve conflicts.

The remote is probed first and the round is skipped while it is unreachable,
so offline runs do not use up retry attempts. Use --force to run anyway.
Exits with status 1 when any item failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.Force, "force", false, "run the round even if the remote looks unreachable")
	return cmd
}

func runSync(cmd *cobra.Command, opts *SyncOptions) error {
	a, err := openApp(opts.Config())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if !opts.Force && !a.engine.CheckConnectivity(ctx) {
		return NewExitError(ExitFailure, "remote authority unreachable, round skipped")
	}

	result, err := a.engine.RunSyncRound(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "sync round failed", err)
	}

	if err := render(cmd.OutOrStdout(), opts.Output, result, func(w io.Writer) {
		printRoundResult(w, result)
	}); err != nil {
		return err
	}
	if !result.Success {
		return NewExitError(ExitFailure, fmt.Sprintf("%d item(s) failed", result.FailedItems))
	}
	return nil
}

func printRoundResult(w io.Writer, r *syncpkg.RoundResult) {
	fmt.Fprintf(w, "Synced:\t%d\n", r.SyncedItems)
	fmt.Fprintf(w, "Failed:\t%d\n", r.FailedItems)
	fmt.Fprintf(w, "Conflicts:\t%d\n", r.Conflicts)
	fmt.Fprintf(w, "Dead-lettered:\t%d\n", r.DeadLettered)
	fmt.Fprintf(w, "Batches:\t%d\n", r.Batches)
	fmt.Fprintf(w, "Duration:\t%s\n", r.Duration.Round(time.Millisecond))
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", e.RecordID, e.Operation, e.Message)
	}
}

// statusView is the status report plus local task counts.
type statusView struct {
	syncpkg.SyncStatusReport `yaml:",inline"`
	Transport                string                    `json:"transport" yaml:"transport"`
	Tasks                    map[models.SyncStatus]int `json:"tasks" yaml:"tasks"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending work, last sync and reachability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts.Config())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			a.engine.CheckConnectivity(ctx)
			report, err := a.engine.GetSyncStatus(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read sync status", err)
			}
			counts, err := a.repo.CountByStatus(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to count tasks", err)
			}

			view := &statusView{
				SyncStatusReport: *report,
				Transport:        a.cfg.EffectiveTransport(),
				Tasks:            counts,
			}
			return render(cmd.OutOrStdout(), rootOpts.Output, view, func(w io.Writer) {
				printStatus(w, view)
			})
		},
	}
}

func printStatus(w io.Writer, s *statusView) {
	online := "offline"
	if s.IsOnline {
		online = "online"
	}
	lastSync := "never"
	if s.LastSyncAt != nil {
		lastSync = s.LastSyncAt.Format(time.RFC3339)
	}
	fmt.Fprintf(w, "Remote:\t%s (%s)\n", online, s.Transport)
	fmt.Fprintf(w, "Pending:\t%d\n", s.PendingCount)
	fmt.Fprintf(w, "Dead-lettered:\t%d\n", s.DeadLetterCount)
	fmt.Fprintf(w, "Last sync:\t%s\n", lastSync)
	fmt.Fprintf(w, "Tasks:\t%d synced, %d pending, %d error\n",
		s.Tasks[models.SyncStatusSynced], s.Tasks[models.SyncStatusPending], s.Tasks[models.SyncStatusError])
	if s.LastError != "" {
		fmt.Fprintf(w, "Last error:\t%s\n", s.LastError)
	}
}
