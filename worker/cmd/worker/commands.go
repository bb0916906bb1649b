package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"imageBatch/worker/app"
	"imageBatch/worker/models"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the batch scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return ctx.withApp(runCtx, func(a *app.App) error {
				a.Logger.Info("Worker Service starting",
					zap.Int("concurrency", a.Controller.Ceiling()),
					zap.String("database", a.Config.DatabaseDriver),
					zap.String("storage", a.Config.StorageBackend))

				err := a.Run(runCtx)
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				a.Logger.Info("Worker stopped")
				return nil
			})
		},
	}
}

func newQueuesCommand(ctx *commandContext) *cobra.Command {
	var owner string
	var limit int

	cmd := &cobra.Command{
		Use:   "queues",
		Short: "List the newest queues of an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				queues, err := a.Service.ListQueues(cmd.Context(), owner, limit)
				if err != nil {
					return err
				}
				if len(queues) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No queues")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Name", "Status", "Done", "Failed", "Total", "Created"},
					queueRows(queues),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owner whose queues to list")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of queues")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <queue-id>",
		Short: "Show a queue and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				details, err := a.Service.GetStatus(cmd.Context(), args[0], "")
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, queueSummaryRows(details.Queue), nil))
				fmt.Fprintln(out, renderTable(
					[]string{"Task", "File", "Status", "Retries", "Error"},
					taskRows(details.Tasks),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <queue-id>",
		Short: "Cancel a queue and fail its pending tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				n, err := a.Service.Cancel(cmd.Context(), args[0], "")
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %d pending task(s)\n", n)
				return nil
			})
		},
	}
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Return a failed task to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				task, err := a.Service.RetryTask(cmd.Context(), args[0], "")
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Task %s is %s again\n", task.ID, task.Status)
				return nil
			})
		},
	}
}

func newReconcileCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <queue-id>",
		Short: "Recompute queue counters from its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				queue, err := a.Service.Reconcile(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, queueSummaryRows(queue), nil))
				return nil
			})
		},
	}
}

func newConcurrencyCommand(ctx *commandContext) *cobra.Command {
	concurrencyCmd := &cobra.Command{
		Use:   "concurrency",
		Short: "Inspect or change the concurrency ceiling",
	}

	concurrencyCmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show the persisted ceiling",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Concurrency ceiling: %d\n", a.Service.Concurrency().Ceiling)
				return nil
			})
		},
	})

	concurrencyCmd.AddCommand(&cobra.Command{
		Use:   "set <n>",
		Short: "Persist a new ceiling (1-10)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid ceiling %q", args[0])
			}
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				if err := a.Service.SetConcurrency(cmd.Context(), n); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Concurrency ceiling set to %d\n", n)
				return nil
			})
		},
	})

	return concurrencyCmd
}

func queueRows(queues []*models.BatchQueue) [][]string {
	rows := make([][]string, 0, len(queues))
	for _, q := range queues {
		rows = append(rows, []string{
			q.ID,
			q.Name,
			string(q.Status),
			strconv.Itoa(q.CompletedImages),
			strconv.Itoa(q.FailedImages),
			strconv.Itoa(q.TotalImages),
			q.CreatedAt.Local().Format(time.DateTime),
		})
	}
	return rows
}

func queueSummaryRows(q *models.BatchQueue) [][]string {
	rows := [][]string{
		{"ID", q.ID},
		{"Owner", q.OwnerID},
		{"Name", q.Name},
		{"Type", string(q.Type)},
		{"Status", string(q.Status)},
		{"Progress", fmt.Sprintf("%d done, %d failed of %d", q.CompletedImages, q.FailedImages, q.TotalImages)},
		{"Created", q.CreatedAt.Local().Format(time.DateTime)},
	}
	if q.CompletedAt != nil {
		rows = append(rows, []string{"Finished", q.CompletedAt.Local().Format(time.DateTime)})
	}
	return rows
}

func taskRows(tasks []*models.BatchTask) [][]string {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{
			t.ID,
			t.OriginalFilename,
			string(t.Status),
			strconv.Itoa(t.RetryCount),
			truncate(t.ErrorMessage, 60),
		})
	}
	return rows
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
