package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func healthCheckCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health-check",
		Short: "Re-run every stored test once and auto-fix the failures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				sched, err := a.newScheduler(ctx)
				if err != nil {
					return err
				}
				rep := sched.RunOnce(ctx)
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "checked=%d\n", rep.Checked)
				fmt.Fprintf(w, "passed=%d\n", rep.Passed)
				fmt.Fprintf(w, "failed=%d\n", rep.Failed)
				fmt.Fprintf(w, "repaired=%d\n", rep.Repaired)
				for _, err := range rep.Errors {
					fmt.Fprintf(w, "error=%v\n", err)
				}
				if len(rep.Errors) > 0 || rep.Failed > rep.Repaired {
					return &exitError{code: 1}
				}
				return nil
			})
		},
	}
}
