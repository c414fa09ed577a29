// Package main hosts the radiolink CLI entrypoint and command graph.
//
// The Cobra command tree runs the daemon in the foreground and translates
// terminal invocations into calls against the daemon's local HTTP API:
// status, record and session listings, manual ingest, retries, and flushes.
// When no daemon is listening, read-only commands fall back to the on-disk
// procs database so operators can still see where each patient stands.
//
// Keep this package lean: new behavior belongs in the internal packages and
// is surfaced here through dedicated commands or flags.
package main
