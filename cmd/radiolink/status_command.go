package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"radiolink/internal/api"
	"radiolink/internal/preflight"
	"radiolink/internal/procs"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, monitor, and record status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context())
			if err != nil {
				if !api.IsAPIUnavailable(err) {
					return err
				}
				status, err = offlineStatus(cmd.Context(), ctx)
				if err != nil {
					return err
				}
			}
			if jsonOutput {
				return writeJSON(cmd, status)
			}
			out := cmd.OutOrStdout()
			for _, line := range statusLines(status, shouldColorize(out)) {
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

// offlineStatus assembles what can be known without a daemon: record counts
// from the database and a fresh preflight run.
func offlineStatus(cmdCtx context.Context, ctx *commandContext) (api.DaemonStatus, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return api.DaemonStatus{}, err
	}
	status := api.DaemonStatus{
		DatabasePath: cfg.DatabasePath(),
		ArchiveDir:   cfg.Paths.ArchiveDir,
		Endpoint:     cfg.Upload.Endpoint,
	}
	err = ctx.withStore(func(store *procs.Store) error {
		stats, err := store.Stats(cmdCtx)
		if err != nil {
			return err
		}
		status.ProcStats = api.FromStats(stats)
		return nil
	})
	if err != nil {
		return api.DaemonStatus{}, err
	}
	status.Preflight = api.FromPreflight(preflight.RunAll(cmdCtx, cfg))
	return status, nil
}

func statusLines(status api.DaemonStatus, colorize bool) []string {
	lines := renderSectionHeader("Daemon", colorize)
	if status.Running {
		detail := fmt.Sprintf("Running (pid %d)", status.PID)
		if status.StartedAt != "" {
			detail += ", since " + status.StartedAt
		}
		lines = append(lines, renderStatusLine("Radiolink", statusOK, detail, colorize))
		if status.RunID != "" {
			lines = append(lines, renderStatusLine("Run ID", statusInfo, status.RunID, colorize))
		}
	} else {
		lines = append(lines, renderStatusLine("Radiolink", statusError, "Not running", colorize))
	}
	lines = append(lines,
		renderStatusLine("Database", statusInfo, status.DatabasePath, colorize),
		renderStatusLine("Archives", statusInfo, status.ArchiveDir, colorize),
		renderStatusLine("Endpoint", statusInfo, status.Endpoint, colorize),
	)

	if status.Running {
		lines = append(lines, "")
		lines = append(lines, renderSectionHeader("Monitor", colorize)...)
		monitor := status.Monitor
		lines = append(lines, renderStatusLine("Monitor", runningKind(monitor.Running),
			fmt.Sprintf("poll %s, idle threshold %s", seconds(monitor.PollIntervalSeconds), seconds(monitor.IdleThresholdSeconds)), colorize))
		lines = append(lines, renderStatusLine("Sessions", statusInfo, fmt.Sprintf("%d open, %d ticks", monitor.Sessions, monitor.Ticks), colorize))
		if monitor.LastError != "" {
			lines = append(lines, renderStatusLine("Last error", statusWarn, monitor.LastError, colorize))
		}
		d := status.Dispatch
		kind := statusOK
		if d.Failures > 0 {
			kind = statusWarn
		}
		lines = append(lines, renderStatusLine("Uploads", kind,
			fmt.Sprintf("%d attempted, %d succeeded, %d failed, %d abandoned", d.Attempts, d.Successes, d.Failures, d.Abandoned), colorize))
		in := status.Intake
		lines = append(lines, renderStatusLine("Intake", statusInfo,
			fmt.Sprintf("%d received, %d rejected, %d failed", in.Received, in.Rejected, in.Failed), colorize))
	}

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Records", colorize)...)
	if len(status.ProcStats) == 0 {
		lines = append(lines, renderStatusLine("Records", statusInfo, "none", colorize))
	}
	for _, name := range api.SortedStatuses(status.ProcStats) {
		lines = append(lines, renderStatusLine(titleWord(name), procStatusKind(name), fmt.Sprintf("%d", status.ProcStats[name]), colorize))
	}

	if len(status.Preflight) > 0 {
		lines = append(lines, "")
		lines = append(lines, renderSectionHeader("Preflight", colorize)...)
		for _, check := range status.Preflight {
			kind := statusOK
			if !check.Passed {
				kind = statusError
			}
			lines = append(lines, renderStatusLine(check.Name, kind, check.Detail, colorize))
		}
	}
	return lines
}

func runningKind(running bool) statusKind {
	if running {
		return statusOK
	}
	return statusError
}

func seconds(value float64) string {
	return (time.Duration(value * float64(time.Second))).String()
}
