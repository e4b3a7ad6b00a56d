package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func executeCmd(g *globalFlags) *cobra.Command {
	var showLogs bool
	cmd := &cobra.Command{
		Use:   "execute <run-id>",
		Short: "Run a run's generated test in the runner container and record the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				ex, err := a.orch.Execute(ctx, args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "run_id=%s\n", ex.RunID)
				fmt.Fprintf(w, "execution_status=%s\n", ex.Status)
				fmt.Fprintf(w, "exit_code=%d\n", ex.ExitCode)
				if ex.ReportURL != "" {
					fmt.Fprintf(w, "report=%s\n", ex.ReportURL)
				}
				if ex.TracePath != "" {
					fmt.Fprintf(w, "trace=%s\n", ex.TracePath)
				}
				if showLogs || !ex.Passed() {
					fmt.Fprintf(w, "\n--- logs ---\n%s\n", ex.Logs)
				}
				if !ex.Passed() {
					return &exitError{code: 1}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&showLogs, "logs", false, "print the runner output even when the test passes")
	return cmd
}
