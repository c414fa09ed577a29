// Package api defines the wire-format types for the daemon HTTP API and a
// client the CLI uses to talk to it.
//
// # Key Types
//
// ProcRecord: transport representation of a persisted status record.
//
// SessionView: a live accumulation session from the registry.
//
// DaemonStatus: daemon identity, monitor diagnostics, dispatch and intake
// counters, status totals, and preflight results.
//
// # Design Notes
//
// DTOs use camelCase JSON tags. Statuses are exposed as lowercase strings and
// timestamps use RFC3339 with milliseconds. Study metadata keeps the
// snake_case field names used in upload forms.
package api
