// Package preflight provides readiness checks for the filesystem paths and
// the upload endpoint that radiolink depends on.
//
// These checks run in two contexts:
//   - The daemon calls RunAll at startup and logs every failed check as a
//     warning; it still starts so staged files are not refused.
//   - The CLI "radiolink status" command renders the same results.
package preflight
