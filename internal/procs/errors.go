package procs

import (
	"fmt"

	"radiolink/internal/services"
)

// ErrNotFound reports that no record exists for the requested patient.
var ErrNotFound = fmt.Errorf("proc record: %w", services.ErrNotFound)

func notFound(patientID string) error {
	return fmt.Errorf("patient %q: %w", patientID, ErrNotFound)
}
