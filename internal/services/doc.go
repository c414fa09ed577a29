// Package services defines shared utilities consumed by the pipeline
// components and the outbound upload integration.
//
// Key responsibilities:
//   - Context helpers that stamp patient IDs, component names, and correlation
//     identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper so callers can tell a
//     benign race (record already finalized) from a real storage or transport
//     failure.
//
// Use these helpers when wiring new pipeline logic so operational behaviour
// (error handling, observability, retries) stays uniform.
package services
