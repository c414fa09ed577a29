// Package config loads, normalizes, and validates Radiolink configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// RADIOLINK_UPLOAD_ENDPOINT and RADIOLINK_TECHNICIAN_EMAIL. The Config type
// centralizes every knob the daemon and CLI need, so staging/archive
// directories, upload settings, and monitor timing are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
