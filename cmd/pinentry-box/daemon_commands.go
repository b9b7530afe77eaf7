package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"pinentrybox/internal/assuan"
	"pinentrybox/internal/config"
	"pinentrybox/internal/deps"
	"pinentrybox/internal/supervisor"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the helper if it is not already running",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			sup, err := ctx.supervisor()
			if err != nil {
				return err
			}

			result, err := supervisor.EnsureReady(cmd.Context(), sup, supervisor.PolicyFromConfig(ctx.configValue()))
			if err != nil {
				return wrapDialError(err, sup.SocketPath())
			}
			defer result.Client.Close()

			if result.Launched {
				fmt.Fprintln(stdout, "Helper not running, launching...")
				fmt.Fprintf(stdout, "Helper started (pid %d)\n", result.Handle.PID)
				return nil
			}
			fmt.Fprintln(stdout, "Helper already running")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show helper and dependency status without launching anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			sup, err := ctx.supervisor()
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			writeSection(stdout, "Helper", helperLines(cmd.Context(), cfg, sup), colorize)
			writeSection(stdout, "Dependencies", dependencyLines(deps.CheckBinaries(deps.Requirements(cfg))), colorize)

			configLine := statusLine{"Config", statusOK, ctx.configPath}
			if !ctx.configExists {
				configLine = statusLine{"Config", statusInfo, "defaults (no file at " + ctx.configPath + ")"}
			}
			launch := strings.TrimSpace(cfg.Pinentry.ProgramPath + " " + cfg.Pinentry.ProgramArgs)
			writeSection(stdout, "Configuration", []statusLine{
				configLine,
				{"Launch", statusInfo, launch},
			}, colorize)
			return nil
		},
	}

	return []*cobra.Command{startCmd, statusCmd}
}

func helperLines(ctx context.Context, cfg *config.Config, sup *supervisor.Supervisor) []statusLine {
	lines := []statusLine{{"Socket", statusInfo, sup.SocketPath()}}
	state, _ := sup.Status()
	var pid int
	var queryErr error
	if state.Kind == supervisor.KindReady {
		pid, queryErr = queryHelperPID(ctx, cfg)
	}
	return append(lines, helperStateLine(state, pid, queryErr))
}

func queryHelperPID(ctx context.Context, cfg *config.Config) (int, error) {
	client, err := assuan.Dial(ctx, cfg.Pinentry.SocketPath, assuan.Options{
		DialTimeout: cfg.DialTimeout(),
		ReadTimeout: cfg.DialTimeout(),
	})
	if err != nil {
		return 0, err
	}
	defer client.Close()
	tr, err := client.Transact("GETINFO pid")
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(tr.Data)))
	if err != nil {
		return 0, fmt.Errorf("parse helper pid %q: %w", tr.Data, err)
	}
	return pid, nil
}

func dependencyLines(statuses []deps.Status) []statusLine {
	lines := make([]statusLine, 0, len(statuses)+2)
	missing := deps.Missing(statuses)
	if len(missing) == 0 {
		lines = append(lines, statusLine{"Summary", statusOK, "All required dependencies available"})
	} else {
		lines = append(lines, statusLine{"Summary", statusError, fmt.Sprintf("Missing required dependencies: %d", len(missing))})
	}
	for _, dep := range statuses {
		lines = append(lines, dependencyLine(dep))
	}
	if len(missing) > 0 {
		lines = append(lines, statusLine{detail: "Missing dependencies: " + strings.Join(missing, ", ")})
	}
	return lines
}
