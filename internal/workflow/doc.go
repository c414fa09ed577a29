// Package workflow moves quiet patients from accumulation to upload.
//
// The Monitor ticks on the configured poll interval, asks the session
// registry which patients have been idle for at least the idle threshold, and
// hands each one to the Dispatcher with bounded concurrency. The Dispatcher
// leases the patient, marks the status record uploading, streams the archive
// to the remote endpoint, and then either removes the session and archive or
// returns the patient to pending so the next tick tries again.
//
// Status transitions written by this package:
//
//	pending   -> uploading (75)
//	uploading -> uploaded (100)   archive and session removed
//	uploading -> pending (0)      failure, cancellation, or new files arrived
//	uploading -> failed (0)       max_attempts reached (when configured)
package workflow
