// Command testforge turns plain-language test requests into validated
// Playwright test code, pausing for plan approval on the way.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

// exitError carries a process exit code. Its message, if any, has already
// been written by the command.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	if err := rootCmd().Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	quiet      bool
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "testforge",
		Short:         "Generate, review and maintain UI and API tests from plain-language requests",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", os.Getenv("TESTFORGE_CONFIG"), "config file (YAML)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "override logging.format (text, json)")
	cmd.PersistentFlags().BoolVarP(&g.quiet, "quiet", "q", false, "only log to the log directory, not stderr")

	cmd.AddCommand(
		serveCmd(g),
		runCmd(g),
		approveCmd(g),
		denyCmd(g),
		stepCmd(g),
		statusCmd(g),
		executeCmd(g),
		validateCmd(g),
		healthCheckCmd(g),
		historyCmd(g),
		notificationsCmd(g),
	)
	return cmd
}
