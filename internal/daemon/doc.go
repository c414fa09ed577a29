// Package daemon coordinates the long-running radiolink process.
//
// It wires configuration, the status store, the session registry, archives,
// the receive pipeline, the dispatcher and the quiescence monitor into a
// single lifecycle with flock-based locking to prevent multiple instances.
// The daemon also serves the HTTP API: file ingest, status views, and the
// loopback-only maintenance actions (retry, flush, clear).
//
// Keep orchestration logic here: receive and dispatch steps live in their
// respective packages while the daemon focuses on startup, shutdown, and high
// level coordination.
package daemon
