package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/danshapiro/testforge/internal/forge/history"
)

// withHistory opens only the history database; listing runs does not need
// the workflow wired.
func withHistory(cmd *cobra.Command, g *globalFlags, fn func(h *history.Store) error) error {
	e, err := loadEnv(g, cmd.ErrOrStderr(), "testforge")
	if err != nil {
		return err
	}
	defer e.Close()
	if err := os.MkdirAll(e.cfg.StateDir, 0o755); err != nil {
		return err
	}
	h, err := history.Open(e.cfg.HistoryPath())
	if err != nil {
		return err
	}
	defer h.Close()
	return fn(h)
}

func historyCmd(g *globalFlags) *cobra.Command {
	var (
		session string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			return withHistory(cmd, g, func(h *history.Store) error {
				runs, err := h.ListRuns(cmd.Context(), session, limit)
				if err != nil {
					return err
				}
				return printRuns(cmd.OutOrStdout(), runs)
			})
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "only runs of this session")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to list")
	return cmd
}

func printRuns(w io.Writer, runs []history.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSESSION\tSTATUS\tCATEGORY\tEXECUTION\tCREATED\tREQUEST")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.SessionID, r.Status, dash(r.TestCategory), dash(r.ExecutionStatus),
			r.CreatedAt.Local().Format(time.DateTime), truncate(r.Request, 60))
	}
	return tw.Flush()
}

func notificationsCmd(g *globalFlags) *cobra.Command {
	var (
		session  string
		unread   bool
		markRead bool
	)
	cmd := &cobra.Command{
		Use:   "notifications [id...]",
		Short: "List notifications, or mark the given ids read",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd, g, func(h *history.Store) error {
				if markRead {
					for _, a := range args {
						id, err := strconv.ParseInt(a, 10, 64)
						if err != nil {
							return fmt.Errorf("notification id %q: %w", a, err)
						}
						if err := h.MarkRead(cmd.Context(), id); err != nil {
							return err
						}
					}
					return nil
				}
				notes, err := h.Notifications(cmd.Context(), session, unread)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, n := range notes {
					mark := " "
					if !n.Read {
						mark = "*"
					}
					fmt.Fprintf(w, "%s %d %s %s\n", mark, n.ID, n.CreatedAt.Local().Format(time.DateTime), n.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&session, "session", "default", "session to list")
	cmd.Flags().BoolVar(&unread, "unread", false, "only unread notifications")
	cmd.Flags().BoolVar(&markRead, "read", false, "mark the given notification ids as read")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
