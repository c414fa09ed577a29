package api

import (
	"sort"
	"time"

	"radiolink/internal/preflight"
	"radiolink/internal/procs"
	"radiolink/internal/session"
	"radiolink/internal/study"
	"radiolink/internal/workflow"
)

// FormatTime renders t for API payloads; the zero time renders empty.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

// FromRecord converts a persisted record. Undecodable metadata is dropped.
func FromRecord(r *procs.Record) ProcRecord {
	if r == nil {
		return ProcRecord{}
	}
	out := ProcRecord{
		ID:                  r.ID,
		PatientID:           r.PatientID,
		PatientName:         r.PatientName,
		Images:              r.Images,
		Status:              string(r.Status),
		UploadingPercentage: r.UploadingPercentage,
		Attempts:            r.Attempts,
		CreatedAt:           FormatTime(r.CreatedAt),
		UpdatedAt:           FormatTime(r.UpdatedAt),
	}
	if r.MetadataJSON != "" {
		var meta study.Metadata
		if err := r.DecodeMetadata(&meta); err == nil {
			out.Study = &meta
		}
	}
	return out
}

// FromRecords converts a record list, keeping order.
func FromRecords(records []*procs.Record) []ProcRecord {
	out := make([]ProcRecord, 0, len(records))
	for _, r := range records {
		out = append(out, FromRecord(r))
	}
	return out
}

// FromSnapshot converts a live session relative to now.
func FromSnapshot(s session.Snapshot, now time.Time) SessionView {
	return SessionView{
		PatientID:   s.PatientID,
		PatientName: s.PatientName,
		ImageCount:  s.ImageCount,
		ArchivePath: s.ArchivePath,
		LastUpdate:  FormatTime(s.LastUpdate),
		IdleSeconds: s.Idle(now).Seconds(),
		Attempts:    s.Attempts,
		Failed:      s.Failed,
		InFlight:    s.InFlight,
		Study:       s.Study,
	}
}

// FromMonitorStatus converts monitor diagnostics.
func FromMonitorStatus(s workflow.MonitorStatus) MonitorStatus {
	return MonitorStatus{
		Running:              s.Running,
		PollIntervalSeconds:  s.PollInterval.Seconds(),
		IdleThresholdSeconds: s.IdleThreshold.Seconds(),
		Ticks:                s.Ticks,
		LastTick:             FormatTime(s.LastTick),
		LastError:            s.LastError,
		Sessions:             s.Sessions,
	}
}

// FromDispatchCounters converts dispatcher totals.
func FromDispatchCounters(c workflow.DispatchCounters) DispatchCounters {
	return DispatchCounters(c)
}

// FromTickResult converts a manual tick into a flush response.
func FromTickResult(r workflow.TickResult) FlushResponse {
	out := FlushResponse{Selected: r.Selected, Outcomes: make(map[string]int, len(r.Outcomes))}
	if out.Selected == nil {
		out.Selected = []string{}
	}
	for outcome, n := range r.Outcomes {
		out.Outcomes[outcome.String()] = n
	}
	return out
}

// FromStats converts status totals, filling every known status.
func FromStats(stats map[procs.Status]int) map[string]int {
	out := make(map[string]int, len(procs.AllStatuses()))
	for _, status := range procs.AllStatuses() {
		out[string(status)] = stats[status]
	}
	return out
}

// FromPreflight converts check results.
func FromPreflight(results []preflight.Result) []CheckResult {
	out := make([]CheckResult, 0, len(results))
	for _, r := range results {
		out = append(out, CheckResult(r))
	}
	return out
}

// SortedStatuses returns the keys of a stats map in lifecycle order, followed
// by any unknown statuses alphabetically.
func SortedStatuses(stats map[string]int) []string {
	known := make(map[string]bool)
	var out []string
	for _, status := range procs.AllStatuses() {
		known[string(status)] = true
		out = append(out, string(status))
	}
	var extra []string
	for key := range stats {
		if !known[key] {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}
