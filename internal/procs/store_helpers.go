package procs

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

const recordColumns = "id, patient_id, patient_name, images, status, uploading_percentage, attempts, metadata_json, created_at, updated_at"

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*Record, error) {
	var (
		id          int64
		patientID   string
		patientName sql.NullString
		images      sql.NullInt64
		status      string
		percent     sql.NullInt64
		attempts    sql.NullInt64
		metadata    sql.NullString
		createdRaw  sql.NullString
		updatedRaw  sql.NullString
	)
	if err := scanner.Scan(
		&id,
		&patientID,
		&patientName,
		&images,
		&status,
		&percent,
		&attempts,
		&metadata,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	record := &Record{
		ID:                  id,
		PatientID:           patientID,
		PatientName:         patientName.String,
		Images:              int(images.Int64),
		Status:              Status(status),
		UploadingPercentage: int(percent.Int64),
		Attempts:            int(attempts.Int64),
		MetadataJSON:        metadata.String,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		record.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		record.UpdatedAt = updated
	}
	return record, nil
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", count), ",")
}
