package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skylab-hpc/skylab/cmd/skyctl/config"
	"github.com/skylab-hpc/skylab/pkg/api"
)

// NewJobCommand creates the job command
func NewJobCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage batch jobs",
		Long:  "Submit, inspect, and complete batch jobs",
	}

	cmd.AddCommand(newJobListCommand())
	cmd.AddCommand(newJobGetCommand())
	cmd.AddCommand(newJobSubmitCommand())
	cmd.AddCommand(newJobCompleteCommand())
	return cmd
}

func newJobListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			jobs, err := cfg.NewClient().ListJobs(ctx)
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}

			out := config.NewOutputter(cfg.Output)
			return out.Render(jobs, jobHeaders, jobRows(jobs), "jobs")
		},
	}
}

func newJobGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get JOB_ID",
		Short: "Get job details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			job, err := cfg.NewClient().GetJob(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get job: %w", err)
			}

			out := config.NewOutputter(cfg.Output)
			return out.Render(job, jobHeaders, jobRows([]api.JobResponse{job}), "")
		},
	}
}

func newJobSubmitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a batch job",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			class, _ := cmd.Flags().GetString("class")
			owner, _ := cmd.Flags().GetString("owner")
			priority, _ := cmd.Flags().GetInt("priority")
			if class == "" {
				return fmt.Errorf("--class is required")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			job, err := cfg.NewClient().SubmitJob(ctx, class, owner, priority)
			if err != nil {
				return fmt.Errorf("failed to submit job: %w", err)
			}
			fmt.Printf("Job %s submitted (state: %s)\n", job.ID, job.State)
			return nil
		},
	}

	cmd.Flags().StringP("class", "c", "", "Capability class")
	cmd.Flags().StringP("owner", "u", "", "Job owner")
	cmd.Flags().IntP("priority", "p", 0, "Priority band (higher places first)")
	return cmd
}

func newJobCompleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "complete JOB_ID",
		Short: "Mark a placed job finished, releasing its node slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := cfg.NewClient().CompleteJob(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to complete job: %w", err)
			}
			fmt.Printf("Job %s completed\n", args[0])
			return nil
		},
	}
}

var jobHeaders = []string{"ID", "CLASS", "OWNER", "PRIORITY", "STATE", "NODE", "SUBMITTED"}

func jobRows(jobs []api.JobResponse) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			job.ID,
			job.Class,
			job.Owner,
			fmt.Sprintf("%d", job.Priority),
			job.State,
			job.NodeID,
			config.FormatTime(job.CreatedAt),
		})
	}
	return rows
}
