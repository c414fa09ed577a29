// Package logging assembles structured slog loggers and field helpers used
// across Radiolink components.
//
// JSON output goes through the standard slog JSON handler with stable key
// names; console output is rendered by charmbracelet/log, which satisfies
// slog.Handler directly. Context helpers tag log lines with patient IDs,
// component names, and correlation IDs so a single patient's journey from
// intake to upload can be followed in the log file.
package logging
