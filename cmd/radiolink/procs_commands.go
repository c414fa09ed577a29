package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"radiolink/internal/api"
	"radiolink/internal/procs"
)

func newProcsCommand(ctx *commandContext) *cobra.Command {
	var statusFlags []string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "procs",
		Short: "List patient upload records",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := normalizeStatuses(statusFlags)
			if err != nil {
				return err
			}
			records, err := listRecords(cmd.Context(), ctx, statuses)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, api.ProcListResponse{Items: records})
			}
			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No records")
				return nil
			}
			fmt.Fprintln(out, renderRecords(records, shouldColorize(out)))
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&statusFlags, "status", "s", nil, "Filter by status (pending, uploading, uploaded, failed)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	cmd.AddCommand(newProcsClearUploadedCommand(ctx))
	return cmd
}

func newProcsClearUploadedCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-uploaded",
		Short: "Remove records whose archive was delivered",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			removed, err := client.ClearUploaded(cmd.Context())
			if api.IsAPIUnavailable(err) {
				err = ctx.withStore(func(store *procs.Store) error {
					var clearErr error
					removed, clearErr = store.ClearUploaded(cmd.Context())
					return clearErr
				})
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d uploaded record(s)\n", removed)
			return nil
		},
	}
}

// listRecords asks the daemon first and reads the database directly when no
// daemon is running.
func listRecords(cmdCtx context.Context, ctx *commandContext, statuses []string) ([]api.ProcRecord, error) {
	client, err := ctx.apiClient()
	if err != nil {
		return nil, err
	}
	records, err := client.Procs(cmdCtx, statuses...)
	if err == nil || !api.IsAPIUnavailable(err) {
		return records, err
	}

	filter := make([]procs.Status, 0, len(statuses))
	for _, s := range statuses {
		filter = append(filter, procs.Status(s))
	}
	err = ctx.withStore(func(store *procs.Store) error {
		rows, readErr := store.ReadAll(cmdCtx, filter...)
		if readErr != nil {
			return readErr
		}
		records = api.FromRecords(rows)
		return nil
	})
	return records, err
}

func normalizeStatuses(values []string) ([]string, error) {
	out := make([]string, 0, len(values))
	for _, value := range values {
		status, ok := procs.ParseStatus(value)
		if !ok {
			return nil, fmt.Errorf("unknown status %q", strings.TrimSpace(value))
		}
		out = append(out, string(status))
	}
	return out, nil
}

func renderRecords(records []api.ProcRecord, colorize bool) string {
	headers := []string{"Patient", "Name", "Images", "Status", "Progress", "Attempts", "Modality", "Updated"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignRight, alignLeft, alignLeft}
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		modality := "-"
		if r.Study != nil && r.Study.Modality != "" {
			modality = r.Study.Modality
		}
		rows = append(rows, []string{
			r.PatientID,
			displayName(r.PatientName),
			strconv.Itoa(r.Images),
			colorizeStatus(r.Status, colorize),
			fmt.Sprintf("%d%%", r.UploadingPercentage),
			strconv.Itoa(r.Attempts),
			modality,
			r.UpdatedAt,
		})
	}
	return renderTable(headers, rows, aligns)
}
