// Package procs persists per-patient upload records in SQLite.
//
// Each patient owns one row tracking the number of images received, the
// upload status (pending, uploading, uploaded, failed), and the upload
// percentage shown to operators. Status and percentage always change together
// through SetState so readers never observe a half-applied transition.
//
// The database is a status board, not a durable queue: archives on disk are
// the source of truth for pending work. Schema changes bump schemaVersion in
// schema.go; operators delete the database to adopt the new layout.
package procs
