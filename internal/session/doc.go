// Package session tracks the live, in-memory state of every patient whose
// files are being accumulated.
//
// The Registry owns one mutex for its map and one mutex per session. Arrivals
// for a patient run their archive append while holding that patient's mutex,
// so appends for the same patient are serialized and appends for different
// patients never wait on each other. Uploads do not hold any mutex; instead a
// Lease marks the session in flight so at most one dispatch per patient runs
// at a time and the idle scan skips it.
//
// Sessions are not persisted. A restart loses them; the archives on disk and
// the status database remain.
package session
