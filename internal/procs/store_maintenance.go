package procs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ResetInFlight moves records left in uploading by a previous run back to
// pending/0 and returns how many were changed.
func (s *Store) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE procs SET status = ?, uploading_percentage = 0, updated_at = ? WHERE status = ?`,
		StatusPending, time.Now().UTC().Format(time.RFC3339Nano), StatusUploading)
	if err != nil {
		return 0, fmt.Errorf("reset in-flight procs: %w", err)
	}
	return res.RowsAffected()
}

// ClearUploaded deletes records whose upload completed.
func (s *Store) ClearUploaded(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM procs WHERE status = ?`, StatusUploaded)
	if err != nil {
		return 0, fmt.Errorf("clear uploaded procs: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns a count of records grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT status, COUNT(1) FROM procs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("proc stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// CheckHealth returns diagnostic information about the status database.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{DBPath: s.path, SchemaVersion: schemaVersion}
	if s.path == "" {
		return health, errors.New("status database path is unknown")
	}

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return health, nil
		}
		return health, fmt.Errorf("stat status database: %w", err)
	}
	if info.IsDir() {
		return health, fmt.Errorf("status database path %q is a directory", s.path)
	}
	health.DatabaseExists = true

	connCtx, cancel := context.WithTimeout(ensureContext(ctx), 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping status database: %w", err)
	}
	health.Readable = true

	if err := s.db.QueryRowContext(connCtx, "SELECT COUNT(*) FROM procs").Scan(&health.TotalRecords); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("count procs: %w", err)
	}

	var integrity string
	if err := s.db.QueryRowContext(connCtx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("integrity check: %w", err)
	}
	health.IntegrityCheck = strings.EqualFold(integrity, "ok")
	return health, nil
}
