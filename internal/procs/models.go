package procs

import (
	"strings"
	"time"
)

// Status represents the upload lifecycle of a patient record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusUploaded  Status = "uploaded"
	StatusFailed    Status = "failed"
)

var allStatuses = []Status{StatusPending, StatusUploading, StatusUploaded, StatusFailed}

// AllStatuses returns every known status in lifecycle order.
func AllStatuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// ParseStatus converts a string into a Status, reporting whether it is known.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allStatuses {
		if status == normalized {
			return status, true
		}
	}
	return "", false
}

// Percentages written alongside each status.
const (
	PercentIdle      = 0
	PercentUploading = 75
	PercentDone      = 100
)

// Record is one row of the procs table.
type Record struct {
	ID                  int64
	PatientID           string
	PatientName         string
	Images              int
	Status              Status
	UploadingPercentage int
	Attempts            int
	MetadataJSON        string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsTerminal reports whether the record needs no further dispatching.
func (r Record) IsTerminal() bool {
	return r.Status == StatusUploaded || r.Status == StatusFailed
}

// DatabaseHealth describes the state of the status database for diagnostics.
type DatabaseHealth struct {
	DBPath         string
	SchemaVersion  int
	DatabaseExists bool
	Readable       bool
	TotalRecords   int
	IntegrityCheck bool
	Error          string
}
