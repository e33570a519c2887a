package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"montage/internal/engine"
)

func newNotifyCommand(ctx *commandContext) *cobra.Command {
	notifyCmd := &cobra.Command{
		Use:   "notify",
		Short: "Notification utilities",
	}
	notifyCmd.AddCommand(&cobra.Command{
		Use:   "test",
		Short: "Send a test notification to every configured sink",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(func(eng *engine.Engine) error {
				dispatcher, err := eng.NewDispatcher()
				if err != nil {
					return err
				}
				defer dispatcher.Close()
				if err := dispatcher.Test(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Test notification sent")
				return nil
			})
		},
	})
	return notifyCmd
}
