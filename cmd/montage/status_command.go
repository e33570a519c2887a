package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"montage/internal/api"
	"montage/internal/engine"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and job status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			client, err := api.NewClient(cfg.Paths.APIBind, cfg.Paths.APIToken)
			if err != nil {
				return fmt.Errorf("api client: %w", err)
			}
			status, err := client.Status(cmd.Context())
			if err != nil && !errors.Is(err, api.ErrAPIUnavailable) {
				return err
			}
			if err != nil {
				status, err = localStatus(cmd, ctx)
				if err != nil {
					return err
				}
			}
			if asJSON {
				return writeJSON(cmd, status)
			}
			renderStatus(cmd, status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

// localStatus reads job counts straight from the database when no daemon
// answers.
func localStatus(cmd *cobra.Command, ctx *commandContext) (api.DaemonStatus, error) {
	var status api.DaemonStatus
	err := ctx.withEngine(func(eng *engine.Engine) error {
		counts, err := eng.Store.JobStatusCounts(cmd.Context())
		if err != nil {
			return err
		}
		pending, err := eng.Store.PendingNotificationCount(cmd.Context())
		if err != nil {
			return err
		}
		status = api.DaemonStatus{
			DatabasePath:         eng.Store.Path(),
			LockFilePath:         eng.Config.LockPath(),
			PendingNotifications: pending,
			Scheduler:            api.SchedulerStatus{JobCounts: map[string]int{}},
		}
		for st, n := range counts {
			status.Scheduler.JobCounts[string(st)] = n
		}
		return nil
	})
	return status, err
}

func renderStatus(cmd *cobra.Command, status api.DaemonStatus) {
	out := cmd.OutOrStdout()
	if status.Running {
		fmt.Fprintf(out, "Daemon:        running (pid %d)\n", status.PID)
	} else {
		fmt.Fprintln(out, "Daemon:        not running")
	}
	fmt.Fprintf(out, "Database:      %s\n", status.DatabasePath)
	if status.Running {
		s := status.Scheduler
		fmt.Fprintf(out, "Executing:     %d/%d (%d parked)\n", s.Active, s.Limit, s.Parked)
		if s.LastError != "" {
			fmt.Fprintf(out, "Last error:    %s\n", s.LastError)
		}
	}
	fmt.Fprintf(out, "Notifications: %d pending\n", status.PendingNotifications)

	statuses := make([]string, 0, len(status.Scheduler.JobCounts))
	for st := range status.Scheduler.JobCounts {
		statuses = append(statuses, st)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(out, "No jobs")
		return
	}
	sort.Strings(statuses)
	rows := make([][]string, 0, len(statuses))
	for _, st := range statuses {
		rows = append(rows, []string{st, strconv.Itoa(status.Scheduler.JobCounts[st])})
	}
	fmt.Fprintln(out, renderTable([]string{"Status", "Jobs"}, rows, []columnAlignment{alignLeft, alignRight}))
}
