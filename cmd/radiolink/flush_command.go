package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"radiolink/internal/api"
)

func newFlushCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Run one monitor pass now, uploading every idle patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			bind, err := ctx.apiAddress()
			if err != nil {
				return err
			}
			client, err := api.NewClient(bind)
			if err != nil {
				return err
			}
			resp, err := client.Flush(cmd.Context())
			if err != nil {
				return wrapAPIError(err, bind)
			}
			if jsonOutput {
				return writeJSON(cmd, resp)
			}
			out := cmd.OutOrStdout()
			if len(resp.Selected) == 0 {
				fmt.Fprintln(out, "No idle patients")
				return nil
			}
			fmt.Fprintf(out, "Dispatched %d patient(s): %s\n", len(resp.Selected), strings.Join(resp.Selected, ", "))
			for _, outcome := range slices.Sorted(maps.Keys(resp.Outcomes)) {
				fmt.Fprintf(out, "  %-10s %d\n", outcome+":", resp.Outcomes[outcome])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
