package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"radiolink/internal/api"
)

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <patient-id>...",
		Short: "Requeue patients whose uploads were parked as failed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bind, err := ctx.apiAddress()
			if err != nil {
				return err
			}
			client, err := api.NewClient(bind)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, id := range args {
				resp, err := client.Retry(cmd.Context(), id)
				var apiErr *api.APIError
				if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
					fmt.Fprintf(out, "%s: not found\n", id)
					continue
				}
				if err != nil {
					return wrapAPIError(err, bind)
				}
				fmt.Fprintf(out, "%s: requeued (session %s, record %s)\n",
					resp.PatientID, yesNo(resp.SessionFound), yesNo(resp.RecordUpdated))
			}
			return nil
		},
	}
}
