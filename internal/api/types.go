package api

import (
	"radiolink/internal/study"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// ProcRecord describes a persisted status record.
type ProcRecord struct {
	ID                  int64           `json:"id"`
	PatientID           string          `json:"patientId"`
	PatientName         string          `json:"patientName"`
	Images              int             `json:"images"`
	Status              string          `json:"status"`
	UploadingPercentage int             `json:"uploadingPercentage"`
	Attempts            int             `json:"attempts"`
	Study               *study.Metadata `json:"study,omitempty"`
	CreatedAt           string          `json:"createdAt,omitempty"`
	UpdatedAt           string          `json:"updatedAt,omitempty"`
}

// ProcListResponse wraps a collection of records.
type ProcListResponse struct {
	Items []ProcRecord `json:"items"`
}

// SessionView describes a live accumulation session.
type SessionView struct {
	PatientID   string         `json:"patientId"`
	PatientName string         `json:"patientName"`
	ImageCount  int            `json:"imageCount"`
	ArchivePath string         `json:"archivePath"`
	LastUpdate  string         `json:"lastUpdate"`
	IdleSeconds float64        `json:"idleSeconds"`
	Attempts    int            `json:"attempts"`
	Failed      bool           `json:"failed"`
	InFlight    bool           `json:"inFlight"`
	Study       study.Metadata `json:"study"`
}

// SessionListResponse wraps live sessions.
type SessionListResponse struct {
	Sessions []SessionView `json:"sessions"`
}

// MonitorStatus summarizes the quiescence monitor.
type MonitorStatus struct {
	Running              bool    `json:"running"`
	PollIntervalSeconds  float64 `json:"pollIntervalSeconds"`
	IdleThresholdSeconds float64 `json:"idleThresholdSeconds"`
	Ticks                int64   `json:"ticks"`
	LastTick             string  `json:"lastTick,omitempty"`
	LastError            string  `json:"lastError,omitempty"`
	Sessions             int     `json:"sessions"`
}

// DispatchCounters are upload outcome totals since the daemon started.
type DispatchCounters struct {
	Attempts  int64 `json:"attempts"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Abandoned int64 `json:"abandoned"`
	Skipped   int64 `json:"skipped"`
}

// IntakeCounters are receive totals since the daemon started.
type IntakeCounters struct {
	Received int64 `json:"received"`
	Rejected int64 `json:"rejected"`
	Failed   int64 `json:"failed"`
}

// CheckResult mirrors a preflight check.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool             `json:"running"`
	PID          int              `json:"pid"`
	RunID        string           `json:"runId,omitempty"`
	StartedAt    string           `json:"startedAt,omitempty"`
	DatabasePath string           `json:"databasePath"`
	LockFilePath string           `json:"lockFilePath"`
	ArchiveDir   string           `json:"archiveDir"`
	Endpoint     string           `json:"endpoint"`
	Monitor      MonitorStatus    `json:"monitor"`
	Dispatch     DispatchCounters `json:"dispatch"`
	Intake       IntakeCounters   `json:"intake"`
	ProcStats    map[string]int   `json:"procStats"`
	Preflight    []CheckResult    `json:"preflight,omitempty"`
}

// IngestResponse acknowledges a stored file.
type IngestResponse struct {
	RequestID string `json:"requestId"`
	PatientID string `json:"patientId"`
	Images    int    `json:"images"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// RetryResponse reports a requeue request.
type RetryResponse struct {
	PatientID     string `json:"patientId"`
	SessionFound  bool   `json:"sessionFound"`
	RecordUpdated bool   `json:"recordUpdated"`
}

// FlushResponse reports one manual monitor tick.
type FlushResponse struct {
	Selected []string       `json:"selected"`
	Outcomes map[string]int `json:"outcomes"`
}

// ClearResponse reports removed records.
type ClearResponse struct {
	Removed int64 `json:"removed"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}
