package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"radiolink/internal/api"
	"radiolink/internal/study"
)

func newIngestCommand(ctx *commandContext) *cobra.Command {
	var patientID string
	var patientName string
	var fieldFlags []string
	var idempotencyKey string

	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Hand local DICOM files to the running daemon",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(patientID) == "" {
				return fmt.Errorf("--patient-id is required")
			}
			fields, err := parseFields(fieldFlags)
			if err != nil {
				return err
			}
			bind, err := ctx.apiAddress()
			if err != nil {
				return err
			}
			client, err := api.NewClient(bind)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, path := range args {
				key := strings.TrimSpace(idempotencyKey)
				if key != "" && len(args) > 1 {
					key = fmt.Sprintf("%s-%d", key, i+1)
				}
				resp, err := client.Ingest(cmd.Context(), api.IngestRequest{
					Path:           path,
					PatientID:      patientID,
					PatientName:    patientName,
					Fields:         fields,
					IdempotencyKey: key,
				})
				if err != nil {
					return fmt.Errorf("ingest %s: %w", path, wrapAPIError(err, bind))
				}
				note := ""
				if resp.Duplicate {
					note = " (duplicate, not stored again)"
				}
				fmt.Fprintf(out, "%s -> patient %s, %d image(s)%s\n", path, resp.PatientID, resp.Images, note)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&patientID, "patient-id", "", "Patient identifier (required)")
	cmd.Flags().StringVar(&patientName, "patient-name", "", "Patient name")
	cmd.Flags().StringArrayVar(&fieldFlags, "field", nil, "Study attribute as name=value (repeatable), e.g. modality=CT")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Key that makes retried ingests safe")
	return cmd
}

// parseFields turns name=value flags into study form fields. Names must be
// ones the daemon understands; technician_email always comes from the
// daemon's configuration.
func parseFields(values []string) (map[string]string, error) {
	known := study.FieldNames()
	fields := make(map[string]string, len(values))
	for _, raw := range values {
		name, value, ok := strings.Cut(raw, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --field %q: expected name=value", raw)
		}
		if name == "technician_email" || !slices.Contains(known, name) {
			return nil, fmt.Errorf("unknown study field %q (known: %s)", name, strings.Join(settable(known), ", "))
		}
		fields[name] = strings.TrimSpace(value)
	}
	return fields, nil
}

func settable(names []string) []string {
	return slices.DeleteFunc(slices.Clone(names), func(n string) bool { return n == "technician_email" })
}
