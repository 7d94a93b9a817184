package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show captured credentials, targets and template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocalApp(cmd, func(ctx context.Context, a *app) error {
				st, err := a.svc.State(ctx)
				if err != nil {
					return err
				}
				printState(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
}

func newRecordCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "record on|off",
		Short:     "Arm or disarm action template recording",
		Long:      "Armed recording saves the next modifying request the browser sends as the action template, then disarms itself.",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			on := args[0] == "on"
			return withLocalApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.svc.SetRecording(ctx, on); err != nil {
					return err
				}
				if on {
					fmt.Fprintln(cmd.OutOrStdout(), yellow.Sprint("recording armed: perform the action once in the browser"))
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "recording disarmed")
				}
				return nil
			})
		},
	}
}

func newFeaturesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "features",
		Short: "List predefined actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocalApp(cmd, func(ctx context.Context, a *app) error {
				printFeatures(cmd.OutOrStdout(), a.svc.Features())
				return nil
			})
		},
	}
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List past runs or show one in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocalApp(cmd, func(ctx context.Context, a *app) error {
				if len(args) == 1 {
					rec, err := a.svc.GetRun(args[0])
					if err != nil {
						return err
					}
					printSummary(cmd.OutOrStdout(), rec)
					return nil
				}
				recs, err := a.svc.ListRuns()
				if err != nil {
					return err
				}
				printRuns(cmd.OutOrStdout(), recs)
				return nil
			})
		},
	}
	return cmd
}
