package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"montage/internal/engine"
)

func newRegistryCommand(ctx *commandContext) *cobra.Command {
	registryCmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect registered job types",
	}
	registryCmd.AddCommand(newRegistryListCommand(ctx), newRegistryShowCommand(ctx))
	return registryCmd
}

func newRegistryListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List job types and their stages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			reg, err := engine.LoadRegistry(cfg, nil)
			if err != nil {
				return err
			}
			rows := [][]string{}
			for _, jobType := range reg.JobTypes() {
				stages, err := reg.Stages(jobType)
				if err != nil {
					return err
				}
				names := make([]string, 0, len(stages))
				for _, st := range stages {
					name := st.Name
					if st.RequiresApproval {
						name += "!"
					}
					names = append(names, name)
				}
				rows = append(rows, []string{jobType, strconv.Itoa(len(stages)), strings.Join(names, " → ")})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Job Type", "Stages", "Pipeline"},
				rows,
				[]columnAlignment{alignLeft, alignRight},
			))
			return nil
		},
	}
}

func newRegistryShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <job-type>",
		Short: "Show the stage definitions of a job type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			reg, err := engine.LoadRegistry(cfg, nil)
			if err != nil {
				return err
			}
			stages, err := reg.Stages(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, stages)
			}
			rows := make([][]string, 0, len(stages))
			for _, st := range stages {
				rows = append(rows, []string{
					strconv.Itoa(st.Ordinal),
					st.Name,
					st.Output,
					yesNo(st.RequiresApproval),
					strings.Join(st.DependsOn, ","),
					strings.Join(st.Inputs, ","),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"#", "Stage", "Output", "Approval", "Depends On", "Inputs"},
				rows,
				[]columnAlignment{alignRight},
			))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}
