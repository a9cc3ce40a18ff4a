package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"doctranslate/internal/bootstrap"
	"doctranslate/internal/domain"
	"doctranslate/internal/domain/jsoncfg"
)

// withRuntime builds the runtime for one command and closes it afterwards.
func withRuntime(e *env, cmd *cobra.Command, fn func(ctx context.Context, rt *bootstrap.Runtime) error) error {
	ctx := cmd.Context()
	rt, err := e.runtime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func jobsCmd(e *env) *cobra.Command {
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage translation jobs",
	}

	jobs.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every job with its chunk counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(e, cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				list, err := rt.Engine.ListJobs(ctx)
				if err != nil {
					return fmt.Errorf("failed to list jobs: %w", err)
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tFILE\tPROVIDER\tSTATUS\tDONE\tFAILED\tTOTAL")
				for _, j := range list {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
						j.ID, j.Filename, j.APIProvider, j.Status, j.CompletedChunks, j.FailedChunks, j.TotalChunks)
				}
				return w.Flush()
			})
		},
	})

	jobs.AddCommand(&cobra.Command{
		Use:   "status JOB_ID",
		Short: "Print the progress snapshot of a job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(e, cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				snap, err := rt.Engine.Status(ctx, args[0])
				if err != nil {
					return err
				}
				snap.Job.Provider = snap.Job.Provider.Redacted()
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			})
		},
	})

	jobs.AddCommand(retryCmd(e, "retry-failed", "Requeue the failed chunks of a job", func(rt *bootstrap.Runtime) retryFunc {
		return rt.Engine.RetryFailed
	}))
	jobs.AddCommand(retryCmd(e, "retry-all", "Requeue every failed and completed chunk of a job", func(rt *bootstrap.Runtime) retryFunc {
		return rt.Engine.RetryAll
	}))

	jobs.AddCommand(jobAction(e, "cancel", "Stop dispatching a job's remaining chunks", func(ctx context.Context, rt *bootstrap.Runtime, id string) (*domain.Job, error) {
		return rt.Engine.Cancel(ctx, id)
	}))
	jobs.AddCommand(jobAction(e, "finalize", "Assemble the output document of a settled job", func(ctx context.Context, rt *bootstrap.Runtime, id string) (*domain.Job, error) {
		return rt.Engine.Finalize(ctx, id)
	}))

	jobs.AddCommand(&cobra.Command{
		Use:   "delete JOB_ID",
		Short: "Delete a job, its chunks and its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(e, cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				if err := rt.Engine.DeleteJob(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})
		},
	})

	return jobs
}

type retryFunc func(ctx context.Context, jobID string, cfg *jsoncfg.ProviderConfig) (*domain.Job, error)

func retryCmd(e *env, use, short string, pick func(rt *bootstrap.Runtime) retryFunc) *cobra.Command {
	var provider, apiKey string
	cmd := &cobra.Command{
		Use:   use + " JOB_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *jsoncfg.ProviderConfig
			if provider != "" {
				cfg = &jsoncfg.ProviderConfig{Provider: provider, APIKey: apiKey}
			}
			return withRuntime(e, cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				job, err := pick(rt)(ctx, args[0], cfg)
				if err != nil {
					return err
				}
				printJob(cmd, job)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "switch the job to this provider before retrying")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key for --provider")
	return cmd
}

func jobAction(e *env, use, short string, fn func(ctx context.Context, rt *bootstrap.Runtime, id string) (*domain.Job, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " JOB_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(e, cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				job, err := fn(ctx, rt, args[0])
				if err != nil {
					return err
				}
				printJob(cmd, job)
				return nil
			})
		},
	}
}

func printJob(cmd *cobra.Command, job *domain.Job) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d/%d completed, %d failed\n",
		job.ID, job.Status, job.CompletedChunks, job.TotalChunks, job.FailedChunks)
	if job.OutputKey != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "output: %s\n", job.OutputKey)
	}
}

// sweepCmd runs one retry sweep, for deployments that disable AUTO_RETRY
// and drive retries from cron.
func sweepCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Requeue failed chunks whose retry time has passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(e, cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				n, err := rt.Engine.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d chunks\n", n)
				return nil
			})
		},
	}
}

func runCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Translate every pending chunk and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(e, cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				n, err := rt.Engine.RunPending(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Processed %d chunks\n", n)
				return nil
			})
		},
	}
}
