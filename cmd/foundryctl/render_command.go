package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/videofoundry/api/internal/model"
)

func newRenderCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Start and inspect render jobs",
	}

	cmd.AddCommand(newRenderStartCommand(ctx))
	cmd.AddCommand(newRenderListCommand(ctx))
	cmd.AddCommand(newRenderStatusCommand(ctx))
	cmd.AddCommand(newRenderCancelCommand(ctx))
	return cmd
}

func newRenderStartCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "start <project>",
		Short: "Render a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := ctx.api().StartRender(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.opts.json {
				return writeJSON(cmd, job)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Render job %s is %s (%s)\n",
				job.ID, job.Status, renderProgress(job.SegmentsCompleted, job.SegmentsTotal, job.ProgressPercentage))
			return nil
		},
	}
}

func newRenderListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list <project>",
		Short: "List a project's render jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := ctx.api().ListRenderJobs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.opts.json {
				return writeJSON(cmd, jobs)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No render jobs")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderJobs(jobs, shouldColorize(cmd.OutOrStdout())))
			return nil
		},
	}
}

func renderJobs(jobs []model.RenderJobResponse, colorize bool) string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		code := ""
		if j.ErrorCode != nil {
			code = string(*j.ErrorCode)
		}
		rows = append(rows, []string{
			j.ID,
			renderStatus(string(j.Status), colorize),
			renderProgress(j.SegmentsCompleted, j.SegmentsTotal, j.ProgressPercentage),
			code,
			renderAge(j.CreatedAt),
		})
	}
	return renderTable(
		[]string{"ID", "Status", "Progress", "Error", "Created"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight},
	)
}

func newRenderStatusCommand(ctx *commandContext) *cobra.Command {
	var watch bool
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "status <render-job>",
		Short: "Show a render job, optionally until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			colorize := shouldColorize(cmd.OutOrStdout())
			last := ""
			for {
				job, err := ctx.api().GetRenderJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.opts.json {
					if err := writeJSON(cmd, job); err != nil {
						return err
					}
				} else if line := describeJob(job, colorize); line != last {
					fmt.Fprintln(cmd.OutOrStdout(), line)
					last = line
				}

				terminal := job.Status == model.RenderJobStatusCompleted || job.Status == model.RenderJobStatusFailed
				if !watch || terminal {
					return nil
				}

				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(interval):
				}
			}
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Poll until the job completes or fails")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Poll interval with --watch")
	return cmd
}

func describeJob(job *model.RenderJobResponse, colorize bool) string {
	line := fmt.Sprintf("%s  %s  %s", job.ID, renderStatus(string(job.Status), colorize),
		renderProgress(job.SegmentsCompleted, job.SegmentsTotal, job.ProgressPercentage))
	switch {
	case job.FinalURL != nil:
		line += "  " + *job.FinalURL
	case job.ErrorCode != nil:
		line += fmt.Sprintf("  %s: %s", *job.ErrorCode, deref(job.ErrorMessage))
		if job.Guidance != nil {
			line += "\n  " + job.Guidance.Troubleshooting
		}
	}
	return line
}

func newRenderCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <render-job>",
		Short: "Cancel a running render job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := ctx.api().CancelRender(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.opts.json {
				return writeJSON(cmd, res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Render job %s is %s\n", res.JobID, res.Status)
			return nil
		},
	}
}
