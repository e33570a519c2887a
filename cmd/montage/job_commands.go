package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"montage/internal/api"
	"montage/internal/engine"
	"montage/internal/store"
	"montage/internal/workflow"
)

func newJobCommand(ctx *commandContext) *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Submit, review and control jobs",
	}
	jobCmd.AddCommand(
		newJobSubmitCommand(ctx),
		newJobListCommand(ctx),
		newJobShowCommand(ctx),
		newJobApproveCommand(ctx),
		newJobRejectCommand(ctx),
		newJobAdvanceCommand(ctx),
		newJobRollbackCommand(ctx),
		newJobCancelCommand(ctx),
		newJobForkCommand(ctx),
		newJobInvalidateCommand(ctx),
		newJobRecoverCommand(ctx),
		newJobPurgeCommand(ctx),
	)
	return jobCmd
}

func newJobSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		jobType  string
		inputs   string
		cfgJSON  string
		priority int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job queued at its first stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rawInputs, err := readJSONArg(inputs)
			if err != nil {
				return fmt.Errorf("--inputs: %w", err)
			}
			rawConfig, err := readJSONArg(cfgJSON)
			if err != nil {
				return fmt.Errorf("--job-config: %w", err)
			}
			return ctx.withEngine(func(eng *engine.Engine) error {
				job, err := eng.Machine.Submit(cmd.Context(), workflow.SubmitRequest{
					JobType:  jobType,
					Inputs:   rawInputs,
					Config:   rawConfig,
					Priority: priority,
				})
				if err != nil {
					return err
				}
				return printJob(cmd, job, asJSON)
			})
		},
	}
	cmd.Flags().StringVarP(&jobType, "type", "t", "", "Job type to run")
	cmd.Flags().StringVar(&inputs, "inputs", "", "Job inputs as JSON or @file")
	cmd.Flags().StringVar(&cfgJSON, "job-config", "", "Job configuration as JSON or @file")
	cmd.Flags().IntVar(&priority, "priority", 0, "Dispatch priority (higher runs first)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newJobListCommand(ctx *commandContext) *cobra.Command {
	var (
		statuses []string
		batchID  string
		jobType  string
		limit    int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.JobFilter{BatchID: batchID, JobType: jobType, Limit: limit}
			for _, value := range statuses {
				status, ok := store.ParseJobStatus(strings.TrimSpace(value))
				if !ok {
					return fmt.Errorf("unknown job status %q", value)
				}
				filter.Statuses = append(filter.Statuses, status)
			}
			return ctx.withEngine(func(eng *engine.Engine) error {
				jobs, err := eng.Machine.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, api.JobListResponse{Jobs: api.FromJobs(jobs)})
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
					return nil
				}
				rows := make([][]string, 0, len(jobs))
				for _, job := range jobs {
					rows = append(rows, []string{
						job.ID,
						job.JobType,
						string(job.Status),
						job.CurrentStage,
						strconv.Itoa(job.Priority),
						shortID(job.BatchID),
						truncate(job.ErrorMessage, 40),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Type", "Status", "Stage", "Priority", "Batch", "Error"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status (repeatable)")
	cmd.Flags().StringVar(&batchID, "batch", "", "Filter by batch id")
	cmd.Flags().StringVarP(&jobType, "type", "t", "", "Filter by job type")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum jobs to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newJobShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job's stages, artifacts and invalidations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(func(eng *engine.Engine) error {
				view, err := eng.Machine.Inspect(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				detail := api.FromJobView(view)
				if asJSON {
					return writeJSON(cmd, detail)
				}
				renderJobDetail(cmd, detail)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func renderJobDetail(cmd *cobra.Command, detail api.JobDetail) {
	out := cmd.OutOrStdout()
	job := detail.Job
	fmt.Fprintf(out, "Job %s (%s)\n", job.ID, job.JobType)
	fmt.Fprintf(out, "  Status:      %s\n", job.Status)
	fmt.Fprintf(out, "  Stage:       %s\n", job.CurrentStage)
	fmt.Fprintf(out, "  Fingerprint: %s\n", job.Fingerprint)
	if job.BatchID != "" {
		fmt.Fprintf(out, "  Batch:       %s\n", job.BatchID)
	}
	if job.ParentJobID != "" {
		fmt.Fprintf(out, "  Forked from: %s at %s\n", job.ParentJobID, job.ForkedFromStage)
	}
	if job.BlockedReason != "" {
		fmt.Fprintf(out, "  Blocked:     %s\n", job.BlockedReason)
	}
	if job.ErrorMessage != "" {
		fmt.Fprintf(out, "  Error:       %s (stage %s)\n", job.ErrorMessage, job.FailedStage)
	}

	stageRows := make([][]string, 0, len(detail.Stages))
	for _, st := range detail.Stages {
		stageRows = append(stageRows, []string{
			strconv.Itoa(st.Ordinal),
			st.Name,
			st.State,
			strconv.Itoa(st.Attempt),
			strconv.Itoa(st.Failures),
			strconv.Itoa(st.Rejections),
			truncate(st.LastError, 40),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"#", "Stage", "State", "Attempt", "Failures", "Rejections", "Last Error"},
		stageRows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignRight},
	))

	if len(detail.Artifacts) > 0 {
		artifactRows := make([][]string, 0, len(detail.Artifacts))
		for _, a := range detail.Artifacts {
			artifactRows = append(artifactRows, []string{
				a.ID,
				a.Stage,
				strconv.Itoa(a.Version),
				yesNo(a.Approved),
				yesNo(a.Stale),
				yesNo(a.Rejected),
				truncate(a.ContentRef, 40),
			})
		}
		fmt.Fprintln(out, renderTable(
			[]string{"Artifact", "Stage", "Version", "Approved", "Stale", "Rejected", "Content"},
			artifactRows,
			[]columnAlignment{alignLeft, alignLeft, alignRight},
		))
	}
	for _, ev := range detail.Invalidations {
		fmt.Fprintf(out, "Invalidated %d artifact(s) from %s at %s: %s\n",
			len(ev.AffectedArtifactIDs), ev.SourceArtifactID, ev.OccurredAt, ev.Reason)
	}
}

func newJobApproveCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "approve <job-id> <artifact-id>",
		Short: "Approve a stage artifact and advance the job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(func(eng *engine.Engine) error {
				outcome, err := eng.Machine.Approve(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, api.ApproveResponse{
						Result:   string(outcome.Result),
						Advanced: outcome.Advanced,
						Artifact: api.FromArtifact(outcome.Artifact),
						Job:      api.FromJob(outcome.Job),
					})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Artifact %s: %s\n", args[1], outcome.Result)
				if outcome.Job != nil {
					fmt.Fprintf(out, "Job %s is %s at %s\n", outcome.Job.ID, outcome.Job.Status, outcome.Job.CurrentStage)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newJobRejectCommand(ctx *commandContext) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <job-id> <artifact-id>",
		Short: "Reject a stage artifact and re-run the stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(func(eng *engine.Engine) error {
				job, err := eng.Machine.Reject(cmd.Context(), args[0], args[1], reason)
				if err != nil {
					return err
				}
				return printJob(cmd, job, false)
			})
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Why the artifact was rejected")
	return cmd
}

func newJobAdvanceCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "advance <job-id>",
		Short: "Advance a job past its approved current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(func(eng *engine.Engine) error {
				job, err := eng.Machine.Advance(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJob(cmd, job, false)
			})
		},
	}
}

func newJobRollbackCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <job-id> <stage>",
		Short: "Roll a job back to an earlier stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(func(eng *engine.Engine) error {
				job, err := eng.Machine.Rollback(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return printJob(cmd, job, false)
			})
		},
	}
}

func newJobCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(func(eng *engine.Engine) error {
				job, err := eng.Machine.Cancel(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJob(cmd, job, false)
			})
		},
	}
}

func newJobForkCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "fork <job-id> <stage>",
		Short: "Branch a job at a stage, reusing earlier approved artifacts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(func(eng *engine.Engine) error {
				job, err := eng.Machine.Fork(cmd.Context(), args[0], args[1], workflow.ForkOptions{})
				if err != nil {
					return err
				}
				return printJob(cmd, job, asJSON)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newJobInvalidateCommand(ctx *commandContext) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "invalidate <job-id> <artifact-id>",
		Short: "Mark every artifact derived from an artifact stale",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(func(eng *engine.Engine) error {
				res, err := eng.Machine.Invalidate(cmd.Context(), args[0], args[1], reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Marked %d artifact(s) stale\n", res.Flipped)
				for _, id := range res.Affected {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "manual invalidation", "Recorded reason")
	return cmd
}

func newJobRecoverCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "recover <job-id>",
		Short: "Show the checkpointed state a job would resume from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(func(eng *engine.Engine) error {
				state, err := eng.Machine.Recover(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd, api.FromRecoveredState(state))
			})
		},
	}
}

func newJobPurgeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete terminal jobs older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(func(eng *engine.Engine) error {
				purged, err := eng.PurgeExpired(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %d job(s)\n", purged)
				return nil
			})
		},
	}
}

func printJob(cmd *cobra.Command, job *store.Job, asJSON bool) error {
	if asJSON {
		return writeJSON(cmd, api.FromJob(job))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job %s is %s at %s\n", job.ID, job.Status, job.CurrentStage)
	return nil
}
