package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Emprim-Panth/loom/internal/jobs"
	"github.com/Emprim-Panth/loom/internal/store"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Run and inspect background shell jobs",
	}
	cmd.AddCommand(newJobRunCmd())
	cmd.AddCommand(newJobListCmd())
	cmd.AddCommand(newJobShowCmd())
	cmd.AddCommand(newJobCancelCmd())
	return cmd
}

func newJobRunCmd() *cobra.Command {
	var workdir, branchID, jobType string
	cmd := &cobra.Command{
		Use:   "run <command...>",
		Short: "Run a shell command as a tracked job and wait for it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			done := make(chan store.Job, 1)
			runner := jobs.NewRunner(st, logger, func(j store.Job) { done <- j })

			var branch *string
			if branchID != "" {
				branch = &branchID
			}
			command := strings.Join(args, " ")
			job, err := runner.Enqueue(cmd.Context(), jobType, command, workdir, branch)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job %s started\n", job.JobID)

			finished := <-done
			if finished.Output != "" {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), finished.Output)
			}
			if finished.Status != store.JobCompleted {
				return fmt.Errorf("job %s: %s", finished.Status, finished.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workdir, "workdir", "", "Working directory for the command")
	cmd.Flags().StringVar(&branchID, "branch", "", "Associate the job with a branch")
	cmd.Flags().StringVar(&jobType, "type", "shell", "Job type label")
	return cmd
}

func newJobListCmd() *cobra.Command {
	var branchID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			list, err := st.ListJobs(cmd.Context(), branchID, limit)
			if err != nil {
				return err
			}
			for _, j := range list {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s  %s\n", j.JobID, j.Status, j.Command)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&branchID, "branch", "", "Only jobs for this branch")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max jobs to list")
	return cmd
}

func newJobShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Print a job's status and captured output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			j, err := st.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Job      %s\n", j.JobID)
			_, _ = fmt.Fprintf(out, "Status   %s\n", j.Status)
			_, _ = fmt.Fprintf(out, "Command  %s\n", j.Command)
			if j.Error != "" {
				_, _ = fmt.Fprintf(out, "Error    %s\n", j.Error)
			}
			if j.Output != "" {
				_, _ = fmt.Fprintf(out, "\n%s\n", j.Output)
			}
			return nil
		},
	}
	return cmd
}

func newJobCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			// This process never holds the live process; marking the row
			// cancelled is enough, the server-side runner lets a stored
			// cancellation win any race with the process's own exit.
			j, err := st.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := st.CompleteJob(cmd.Context(), j.JobID, store.JobCancelled, j.Output, j.Error); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
			return nil
		},
	}
	return cmd
}
