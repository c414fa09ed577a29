// Package intake is the receive path: it stages incoming study files, appends
// them to the patient's archive under the session lock, and counts them in
// the status store.
//
// A file is acknowledged only after it is inside the archive. When the append
// fails the source file stays in staging and the caller gets an error, so the
// sender can resend it.
package intake
