package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"montage/internal/api"
	"montage/internal/batch"
	"montage/internal/engine"
	"montage/internal/store"
)

func newBatchCommand(ctx *commandContext) *cobra.Command {
	batchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Create and control batches of jobs",
	}
	batchCmd.AddCommand(
		newBatchCreateCommand(ctx),
		newBatchAddItemCommand(ctx),
		newBatchRemoveItemCommand(ctx),
		newBatchTransitionCommand(ctx, "lock", "Freeze the batch config and submit one job per item",
			func(c *batch.Coordinator) batchOp { return c.Lock }),
		newBatchTransitionCommand(ctx, "pause", "Stop dispatching the batch's jobs",
			func(c *batch.Coordinator) batchOp { return c.Pause }),
		newBatchTransitionCommand(ctx, "resume", "Resume a paused batch",
			func(c *batch.Coordinator) batchOp { return c.Resume }),
		newBatchTransitionCommand(ctx, "cancel", "Cancel the batch and its unfinished jobs",
			func(c *batch.Coordinator) batchOp { return c.Cancel }),
		newBatchRetryCommand(ctx),
		newBatchStatusCommand(ctx),
		newBatchListCommand(ctx),
		newBatchVerifyCommand(ctx),
	)
	return batchCmd
}

func newBatchCreateCommand(ctx *commandContext) *cobra.Command {
	var (
		name     string
		jobType  string
		cfgJSON  string
		items    string
		priority int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rawConfig, err := readJSONArg(cfgJSON)
			if err != nil {
				return fmt.Errorf("--batch-config: %w", err)
			}
			rawItems, err := readJSONArg(items)
			if err != nil {
				return fmt.Errorf("--items: %w", err)
			}
			var specs []json.RawMessage
			if len(rawItems) > 0 {
				if err := json.Unmarshal(rawItems, &specs); err != nil {
					return fmt.Errorf("--items must be a JSON array: %w", err)
				}
			}
			return ctx.withEngine(func(eng *engine.Engine) error {
				created, createdItems, err := eng.Batches.Create(cmd.Context(), batch.CreateRequest{
					Name:     name,
					JobType:  jobType,
					Config:   rawConfig,
					Priority: priority,
					Items:    specs,
				})
				if err != nil {
					return err
				}
				if asJSON {
					resp := api.BatchResponse{Batch: api.FromBatch(created)}
					for _, item := range createdItems {
						resp.Items = append(resp.Items, api.FromBatchItem(item))
					}
					return writeJSON(cmd, resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Batch %s created with %d item(s)\n", created.ID, len(createdItems))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "Batch name")
	cmd.Flags().StringVarP(&jobType, "type", "t", "", "Job type for every item")
	cmd.Flags().StringVar(&cfgJSON, "batch-config", "", "Shared job configuration as JSON or @file")
	cmd.Flags().StringVar(&items, "items", "", "Item specs as a JSON array or @file")
	cmd.Flags().IntVar(&priority, "priority", 0, "Dispatch priority for the batch's jobs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newBatchAddItemCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "add-item <batch-id> <spec-json|@file>",
		Short: "Add an item to a draft batch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readJSONArg(args[1])
			if err != nil {
				return err
			}
			return ctx.withEngine(func(eng *engine.Engine) error {
				item, err := eng.Batches.AddItem(cmd.Context(), args[0], raw)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Item %s added at position %d\n", item.ID, item.Position)
				return nil
			})
		},
	}
}

func newBatchRemoveItemCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-item <batch-id> <item-id>",
		Short: "Remove an item from a draft batch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(func(eng *engine.Engine) error {
				if err := eng.Batches.RemoveItem(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Item %s removed\n", args[1])
				return nil
			})
		},
	}
}

type batchOp func(ctx context.Context, batchID string) (*store.Batch, error)

func newBatchTransitionCommand(ctx *commandContext, use, short string, pick func(*batch.Coordinator) batchOp) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <batch-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(func(eng *engine.Engine) error {
				b, err := pick(eng.Batches)(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Batch %s is %s\n", b.ID, b.Status)
				return nil
			})
		},
	}
}

func newBatchRetryCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "retry <batch-id>",
		Short: "Re-queue failed items that have retries left",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(func(eng *engine.Engine) error {
				report, err := eng.Batches.RetryFailed(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, report)
				}
				out := cmd.OutOrStdout()
				if len(report.Requeued) == 0 && len(report.Exhausted) == 0 {
					fmt.Fprintln(out, "No failed items")
					return nil
				}
				for _, item := range report.Requeued {
					fmt.Fprintf(out, "Item %d: retry %d as job %s from %s at %s\n",
						item.Position, item.RetryCount, item.JobID, item.Stage, item.RetryAt.Format("15:04:05"))
				}
				for _, id := range report.Exhausted {
					fmt.Fprintf(out, "Item %s has no retries left\n", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newBatchStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <batch-id>",
		Short: "Show per-item progress of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(func(eng *engine.Engine) error {
				report, err := eng.Batches.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, api.FromBatchReport(report))
				}
				renderBatchReport(cmd, report)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func renderBatchReport(cmd *cobra.Command, report *batch.Report) {
	out := cmd.OutOrStdout()
	b := report.Batch
	fmt.Fprintf(out, "Batch %s %q (%s)\n", b.ID, b.Name, b.JobType)
	fmt.Fprintf(out, "  Status: %s\n", b.Status)
	if b.ConfigHash != "" {
		fmt.Fprintf(out, "  Config: %s\n", b.ConfigHash)
	}

	statuses := make([]string, 0, len(report.Counts))
	for status := range report.Counts {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Fprintf(out, "  %-10s %d\n", status+":", report.Counts[store.ItemStatus(status)])
	}

	rows := make([][]string, 0, len(report.Items))
	for _, item := range report.Items {
		rows = append(rows, []string{
			strconv.Itoa(item.Position),
			string(item.Status),
			shortID(item.JobID),
			string(item.JobStatus),
			item.Stage,
			strconv.Itoa(item.Attempt),
			strconv.Itoa(item.RetryCount),
			truncate(item.LastError, 40),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"#", "Item", "Job", "Job Status", "Stage", "Attempt", "Retries", "Last Error"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight},
	))
}

func newBatchListCommand(ctx *commandContext) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(func(eng *engine.Engine) error {
				batches, err := eng.Batches.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if asJSON {
					resp := api.BatchListResponse{Batches: make([]api.Batch, 0, len(batches))}
					for _, b := range batches {
						resp.Batches = append(resp.Batches, api.FromBatch(b))
					}
					return writeJSON(cmd, resp)
				}
				if len(batches) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No batches")
					return nil
				}
				rows := make([][]string, 0, len(batches))
				for _, b := range batches {
					rows = append(rows, []string{
						b.ID,
						b.Name,
						b.JobType,
						string(b.Status),
						strconv.Itoa(b.Priority),
						b.CreatedAt.Format("2006-01-02 15:04"),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Name", "Type", "Status", "Priority", "Created"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum batches to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newBatchVerifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <batch-id>",
		Short: "Check the locked config still matches its recorded hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(func(eng *engine.Engine) error {
				if err := eng.Batches.VerifyConfig(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Batch %s config verified\n", args[0])
				return nil
			})
		},
	}
}
