package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/models"
	"github.com/kimhsiao/tasksync/internal/services"
)

// NewTaskCommand creates the task command group.
func NewTaskCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, list, update and delete local tasks",
		Long: `Manage tasks in the local store. Every change is queued for the next
sync round before the command returns.`,
	}
	cmd.AddCommand(newTaskAddCommand(rootOpts))
	cmd.AddCommand(newTaskListCommand(rootOpts))
	cmd.AddCommand(newTaskUpdateCommand(rootOpts))
	cmd.AddCommand(newTaskDeleteCommand(rootOpts))
	return cmd
}

// taskError maps service errors to exit codes.
func taskError(msg string, err error) error {
	if errors.Is(err, errors.ErrTaskNotFound) || errors.Is(err, errors.ErrTaskInvalid) || errors.Is(err, errors.ErrInvalid) {
		return WrapExitError(ExitCommandError, msg, err)
	}
	return WrapExitError(ExitFailure, msg, err)
}

func printMutation(w io.Writer, verb string, res *services.MutationResult) {
	fmt.Fprintf(w, "%s task %s (queued as %s)\n", verb, res.Task.ID, res.QueueItemID)
}

func newTaskAddCommand(rootOpts *RootOptions) *cobra.Command {
	var in services.CreateTaskInput

	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts.Config())
			if err != nil {
				return err
			}
			defer a.Close()

			in.Title = strings.Join(args, " ")
			res, err := a.tasks.Create(cmd.Context(), in)
			if err != nil {
				return taskError("failed to create task", err)
			}
			return render(cmd.OutOrStdout(), rootOpts.Output, res, func(w io.Writer) {
				printMutation(w, "Created", res)
			})
		},
	}
	cmd.Flags().StringVarP(&in.Description, "description", "d", "", "task description")
	cmd.Flags().BoolVar(&in.Completed, "completed", false, "create the task already completed")
	cmd.Flags().StringVar(&in.ID, "id", "", "client-chosen task id (UUID)")
	return cmd
}

func newTaskListCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts.Config())
			if err != nil {
				return err
			}
			defer a.Close()

			tasks, err := a.tasks.List(cmd.Context(), all)
			if err != nil {
				return taskError("failed to list tasks", err)
			}
			return render(cmd.OutOrStdout(), rootOpts.Output, tasks, func(w io.Writer) {
				printTasks(w, tasks)
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include deleted tasks")
	return cmd
}

func printTasks(w io.Writer, tasks []*models.Task) {
	fmt.Fprintln(w, "ID\tTITLE\tDONE\tSYNC\tUPDATED")
	for _, t := range tasks {
		title := t.Title
		if t.IsDeleted {
			title += " (deleted)"
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", t.ID, title, t.Completed, t.SyncStatus,
			t.UpdatedAtTime().Format("2006-01-02 15:04:05"))
	}
}

func newTaskUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		title       string
		description string
		completed   bool
	)

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update fields of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in services.UpdateTaskInput
			if cmd.Flags().Changed("title") {
				in.Title = &title
			}
			if cmd.Flags().Changed("description") {
				in.Description = &description
			}
			if cmd.Flags().Changed("completed") {
				in.Completed = &completed
			}
			if in.IsEmpty() {
				return NewExitError(ExitCommandError, "nothing to update: set --title, --description or --completed")
			}

			a, err := openApp(rootOpts.Config())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.tasks.Update(cmd.Context(), args[0], in)
			if err != nil {
				return taskError("failed to update task", err)
			}
			return render(cmd.OutOrStdout(), rootOpts.Output, res, func(w io.Writer) {
				printMutation(w, "Updated", res)
			})
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "new title")
	cmd.Flags().StringVarP(&description, "description", "d", "", "new description")
	cmd.Flags().BoolVar(&completed, "completed", false, "mark completed (--completed=false to reopen)")
	return cmd
}

func newTaskDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a task",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts.Config())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.tasks.Delete(cmd.Context(), args[0])
			if err != nil {
				return taskError("failed to delete task", err)
			}
			return render(cmd.OutOrStdout(), rootOpts.Output, res, func(w io.Writer) {
				printMutation(w, "Deleted", res)
			})
		},
	}
}
