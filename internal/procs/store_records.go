package procs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// UpsertCount records one more received image for the patient. A new row is
// created with statusOnCreate and 0%; an existing row has its image count
// incremented. A row previously marked uploaded returns to pending because it
// now describes unsent work. metadata, when non-nil, replaces metadata_json.
func (s *Store) UpsertCount(ctx context.Context, patientID, patientName string, statusOnCreate Status, metadata any) (*Record, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, errors.New("upsert count: patient id is required")
	}
	if statusOnCreate == "" {
		statusOnCreate = StatusPending
	}
	metadataJSON, err := encodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = s.execWithRetry(ctx,
		`INSERT INTO procs (
            patient_id, patient_name, images, status, uploading_percentage,
            attempts, metadata_json, created_at, updated_at
        ) VALUES (?, ?, 1, ?, 0, 0, ?, ?, ?)
        ON CONFLICT(patient_id) DO UPDATE SET
            images = images + 1,
            patient_name = COALESCE(excluded.patient_name, patient_name),
            metadata_json = COALESCE(excluded.metadata_json, metadata_json),
            status = CASE WHEN status = ? THEN ? ELSE status END,
            uploading_percentage = CASE WHEN status = ? THEN 0 ELSE uploading_percentage END,
            updated_at = excluded.updated_at`,
		patientID,
		nullableString(patientName),
		statusOnCreate,
		nullableString(metadataJSON),
		now,
		now,
		StatusUploaded, StatusPending,
		StatusUploaded,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert proc %q: %w", patientID, err)
	}
	return s.Get(ctx, patientID)
}

// Get returns the record for a patient or ErrNotFound.
func (s *Store) Get(ctx context.Context, patientID string) (*Record, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+recordColumns+` FROM procs WHERE patient_id = ?`, patientID)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(patientID)
	}
	if err != nil {
		return nil, fmt.Errorf("get proc: %w", err)
	}
	return record, nil
}

// ReadAll returns every record, newest first. Passing statuses filters the result.
func (s *Store) ReadAll(ctx context.Context, statuses ...Status) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM procs`
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = status
	}
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list procs: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proc: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// SetState writes status and percentage in one statement.
func (s *Store) SetState(ctx context.Context, patientID string, status Status, percentage int) error {
	if _, ok := ParseStatus(string(status)); !ok {
		return fmt.Errorf("set state: unknown status %q", status)
	}
	return s.execForPatient(ctx, patientID, "set state",
		`UPDATE procs SET status = ?, uploading_percentage = ?, updated_at = ? WHERE patient_id = ?`,
		status, clampPercent(percentage), time.Now().UTC().Format(time.RFC3339Nano), patientID)
}

// SetStatus updates only the status column.
func (s *Store) SetStatus(ctx context.Context, patientID string, status Status) error {
	if _, ok := ParseStatus(string(status)); !ok {
		return fmt.Errorf("set status: unknown status %q", status)
	}
	return s.execForPatient(ctx, patientID, "set status",
		`UPDATE procs SET status = ?, updated_at = ? WHERE patient_id = ?`,
		status, time.Now().UTC().Format(time.RFC3339Nano), patientID)
}

// SetPercentage updates only the uploading percentage (clamped to 0-100).
func (s *Store) SetPercentage(ctx context.Context, patientID string, percentage int) error {
	return s.execForPatient(ctx, patientID, "set percentage",
		`UPDATE procs SET uploading_percentage = ?, updated_at = ? WHERE patient_id = ?`,
		clampPercent(percentage), time.Now().UTC().Format(time.RFC3339Nano), patientID)
}

// IncrementAttempts bumps the failed-dispatch counter and returns the new value.
func (s *Store) IncrementAttempts(ctx context.Context, patientID string) (int, error) {
	if err := s.execForPatient(ctx, patientID, "increment attempts",
		`UPDATE procs SET attempts = attempts + 1, updated_at = ? WHERE patient_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), patientID); err != nil {
		return 0, err
	}
	var attempts int
	if err := s.db.QueryRowContext(ensureContext(ctx), `SELECT attempts FROM procs WHERE patient_id = ?`, patientID).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("read attempts: %w", err)
	}
	return attempts, nil
}

// ResetAttempts clears the failed-dispatch counter.
func (s *Store) ResetAttempts(ctx context.Context, patientID string) error {
	return s.execForPatient(ctx, patientID, "reset attempts",
		`UPDATE procs SET attempts = 0, updated_at = ? WHERE patient_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), patientID)
}

// Remove deletes a patient's record.
func (s *Store) Remove(ctx context.Context, patientID string) error {
	return s.execForPatient(ctx, patientID, "remove proc", `DELETE FROM procs WHERE patient_id = ?`, patientID)
}

// DecodeMetadata unmarshals a record's metadata_json into dst.
func (r *Record) DecodeMetadata(dst any) error {
	if r == nil || strings.TrimSpace(r.MetadataJSON) == "" {
		return nil
	}
	if err := sonic.UnmarshalString(r.MetadataJSON, dst); err != nil {
		return fmt.Errorf("decode metadata for %q: %w", r.PatientID, err)
	}
	return nil
}

func encodeMetadata(metadata any) (string, error) {
	if metadata == nil {
		return "", nil
	}
	encoded, err := sonic.MarshalString(metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return encoded, nil
}

func clampPercent(value int) int {
	return max(0, min(value, PercentDone))
}
