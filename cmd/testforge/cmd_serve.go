package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/danshapiro/testforge/internal/server"
)

func serveCmd(g *globalFlags) *cobra.Command {
	var (
		addr      string
		scheduled bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, optionally with the scheduled health checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				if cmd.Flags().Changed("addr") {
					a.cfg.Server.Addr = addr
				}
				if cmd.Flags().Changed("scheduler") {
					a.cfg.Scheduler.Enabled = scheduled
				}

				if a.cfg.Scheduler.Enabled {
					sched, err := a.newScheduler(ctx)
					if err != nil {
						return err
					}
					if err := sched.Start(); err != nil {
						return err
					}
					defer sched.Stop()
				}

				srv, err := server.New(server.Config{
					Addr:            a.cfg.Server.Addr,
					AllowedOrigins:  a.cfg.Server.AllowedOrigins,
					ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
				}, server.Deps{
					Runner:  a.orch,
					History: a.hist,
					Hub:     a.hub,
					Logger:  a.logger,
				})
				if err != nil {
					return err
				}
				return srv.ListenAndServe(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&scheduled, "scheduler", false, "run scheduled health checks (overrides scheduler.enabled)")
	return cmd
}
