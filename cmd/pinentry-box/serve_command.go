package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pinentrybox/internal/helper"
	"pinentrybox/internal/logging"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var diagnostic bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the helper server in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, ctx, diagnostic)
		},
	}
	cmd.Flags().BoolVar(&diagnostic, "diagnostic", false, "Write a separate DEBUG log next to the socket")
	return cmd
}

func runServe(cmd *cobra.Command, ctx *commandContext, diagnostic bool) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := ctx.ensureLogger()
	if err != nil {
		return err
	}

	if diagnostic {
		path := diagnosticLogPath(cfg.Pinentry.SocketPath)
		diag, err := logging.New(logging.Options{
			Level:       "debug",
			Format:      "json",
			OutputPaths: []string{path},
			SessionID:   ctx.sessionID,
		})
		if err != nil {
			return fmt.Errorf("init diagnostic log: %w", err)
		}
		logger = logging.TeeLogger(logger, diag.Handler())
		logger.Info("diagnostic logging enabled", logging.String("log_file", path))
	}

	runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return helper.Run(runCtx, cfg, logger)
}

func diagnosticLogPath(socket string) string {
	return socket + ".debug.log"
}
