// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/memoria-dev/memoria/internal/server"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the memoria API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := wire()
			if err != nil {
				return err
			}
			defer app.close()

			srv, err := server.New(server.Config{
				ListenAddr: app.cfg.Listen,
			}, app.engine, app.logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return srv.Start(ctx)
		},
	}
	return cmd
}
