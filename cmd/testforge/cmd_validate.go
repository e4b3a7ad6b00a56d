package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danshapiro/testforge/internal/forge/validate"
)

func validateCmd(g *globalFlags) *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "validate <file.py>",
		Short: "Run the code validator on a test file",
		Long: `Run the same checks generated code goes through: parse, security,
reporting conventions, ruff auto-fix, structural lint and pytest collection.
Exits 1 when the file is rejected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(g, cmd.ErrOrStderr(), "testforge")
			if err != nil {
				return err
			}
			defer e.Close()

			code, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			v := validate.New(validate.Config{
				RuffBin:   e.cfg.Validation.RuffBin,
				PytestBin: e.cfg.Validation.PytestBin,
				Collect:   e.cfg.Validation.Collect,
				Timeout:   e.cfg.Validation.Timeout,
			}, nil, e.logger)
			res := v.Validate(cmd.Context(), string(code))

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "valid=%t\n", res.Valid)
			fmt.Fprintf(w, "stage=%s\n", res.Stage)
			fmt.Fprintf(w, "diagnostic=%s\n", res.Diagnostic)
			if write && res.Repaired != nil && *res.Repaired != string(code) {
				if err := os.WriteFile(args[0], []byte(*res.Repaired), 0o644); err != nil {
					return err
				}
				fmt.Fprintf(w, "rewritten=%s\n", args[0])
			}
			if !res.Valid {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&write, "write", "w", false, "write the auto-fixed code back to the file")
	return cmd
}
