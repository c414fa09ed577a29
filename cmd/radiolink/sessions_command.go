package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"radiolink/internal/api"
)

func newSessionsCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List patients still accumulating files",
		RunE: func(cmd *cobra.Command, args []string) error {
			bind, err := ctx.apiAddress()
			if err != nil {
				return err
			}
			client, err := api.NewClient(bind)
			if err != nil {
				return err
			}
			sessions, err := client.Sessions(cmd.Context())
			if err != nil {
				return wrapAPIError(err, bind)
			}
			if jsonOutput {
				return writeJSON(cmd, api.SessionListResponse{Sessions: sessions})
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No open sessions")
				return nil
			}
			fmt.Fprintln(out, renderSessions(sessions))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func renderSessions(sessions []api.SessionView) string {
	headers := []string{"Patient", "Name", "Images", "Idle", "Attempts", "State", "Archive"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft, alignLeft}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		state := "collecting"
		switch {
		case s.InFlight:
			state = "uploading"
		case s.Failed:
			state = "failed"
		}
		idle := time.Duration(s.IdleSeconds * float64(time.Second)).Round(time.Second)
		rows = append(rows, []string{
			s.PatientID,
			displayName(s.PatientName),
			strconv.Itoa(s.ImageCount),
			idle.String(),
			strconv.Itoa(s.Attempts),
			state,
			s.ArchivePath,
		})
	}
	return renderTable(headers, rows, aligns)
}
