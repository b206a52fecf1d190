package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"memorease/internal/logging"
	"memorease/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the conversation feed over websocket and metrics over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, logger, err := opts.openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			srv, err := server.New(a.Assistant, a.Registry, a, logging.Component(logger, "server"))
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			return srv.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config server.addr)")
	return cmd
}
