// Package archive accumulates received study files into one zip archive per
// patient.
//
// Every Append rewrites the archive into a temporary file next to it, copies
// the existing entries without recompressing them, adds the new file with
// maximum deflate compression, fsyncs, and renames the result over the old
// archive. A crash therefore leaves either the old or the new archive, never a
// torn one. The source file is removed only after the rename succeeds.
//
// Callers serialize operations for a single patient; the Accumulator keeps no
// per-patient state of its own.
package archive
