package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"radiolink/internal/archive"
	"radiolink/internal/logging"
	"radiolink/internal/procs"
	"radiolink/internal/services"
	"radiolink/internal/session"
	"radiolink/internal/upload"
)

// Outcome classifies a single dispatch.
type Outcome int

const (
	// Skipped means no lease could be taken; nothing was sent.
	Skipped Outcome = iota
	// Success means the endpoint accepted the archive.
	Success
	// Failure means the upload or a local step failed; the patient stays pending.
	Failure
	// Abandoned means the caller's context ended mid-dispatch.
	Abandoned
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Abandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// StatusStore is the subset of procs.Store the dispatcher writes to.
type StatusStore interface {
	SetState(ctx context.Context, patientID string, status procs.Status, percentage int) error
	IncrementAttempts(ctx context.Context, patientID string) (int, error)
	ResetAttempts(ctx context.Context, patientID string) error
}

// Uploader sends one archive to the remote endpoint.
type Uploader interface {
	Upload(ctx context.Context, req upload.Request) (upload.Result, error)
}

// DispatchCounters totals dispatch outcomes since start.
type DispatchCounters struct {
	Attempts  int64 `json:"attempts"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Abandoned int64 `json:"abandoned"`
	Skipped   int64 `json:"skipped"`
}

// Dispatcher performs one upload attempt per call.
type Dispatcher struct {
	registry    *session.Registry
	archives    *archive.Accumulator
	store       StatusStore
	uploader    Uploader
	maxAttempts int
	logger      *slog.Logger

	attempts  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	abandoned atomic.Int64
	skipped   atomic.Int64
}

// NewDispatcher wires a dispatcher. maxAttempts <= 0 retries forever.
func NewDispatcher(registry *session.Registry, archives *archive.Accumulator, store StatusStore, uploader Uploader, maxAttempts int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry:    registry,
		archives:    archives,
		store:       store,
		uploader:    uploader,
		maxAttempts: maxAttempts,
		logger:      logging.NewComponentLogger(logger, "dispatcher"),
	}
}

// Counters returns a snapshot of outcome totals.
func (d *Dispatcher) Counters() DispatchCounters {
	return DispatchCounters{
		Attempts:  d.attempts.Load(),
		Successes: d.successes.Load(),
		Failures:  d.failures.Load(),
		Abandoned: d.abandoned.Load(),
		Skipped:   d.skipped.Load(),
	}
}

// Dispatch uploads the patient's archive if the patient still has a live,
// unleased session.
func (d *Dispatcher) Dispatch(ctx context.Context, patientID string) Outcome {
	lease, ok := d.registry.Acquire(patientID)
	if !ok {
		d.skipped.Add(1)
		return Skipped
	}
	d.attempts.Add(1)

	ctx = services.WithPatientID(services.WithComponent(ctx, "dispatcher"), patientID)
	logger := logging.WithContext(ctx, d.logger)

	var (
		entries int
		file    *os.File
	)
	err := lease.Hold(func(session.Snapshot) error {
		count, err := d.archives.Count(patientID)
		if err != nil {
			return err
		}
		entries = count
		if count == 0 {
			return nil
		}
		file, err = d.archives.Open(patientID)
		return err
	})
	if err != nil {
		return d.fail(ctx, logger, lease, fmt.Errorf("prepare archive: %w", err))
	}
	if entries == 0 {
		return d.dropMissingArchive(ctx, logger, lease)
	}
	defer file.Close()

	d.writeState(ctx, logger, procs.StatusUploading, procs.PercentUploading)

	snap := lease.Snapshot()
	result, err := d.uploader.Upload(ctx, upload.Request{
		PatientID:   snap.PatientID,
		PatientName: snap.PatientName,
		Images:      snap.ImageCount,
		Study:       snap.Study,
		ArchiveName: filepath.Base(d.archives.Path(patientID)),
		Archive:     file,
	})
	file.Close()

	if ctx.Err() != nil {
		return d.abandon(ctx, logger, lease)
	}
	if err != nil {
		return d.fail(ctx, logger, lease, err)
	}

	// The outcome is written before the lease lets go of the session; a file
	// landing after that opens a new session and reopens the record itself.
	doneCtx := context.WithoutCancel(ctx)
	removed, err := lease.Complete(func(arrived int) error {
		if arrived == 0 {
			if err := d.archives.Delete(patientID); err != nil {
				return err
			}
		} else if err := d.archives.Trim(patientID, entries); err != nil {
			return err
		}
		if err := d.store.ResetAttempts(doneCtx, patientID); err != nil && !services.IsBenign(err) {
			logger.Debug("reset attempts failed", logging.Error(err))
		}
		if arrived == 0 {
			d.writeState(doneCtx, logger, procs.StatusUploaded, procs.PercentDone)
		} else {
			d.writeState(doneCtx, logger, procs.StatusPending, procs.PercentIdle)
		}
		return nil
	})
	if err != nil {
		d.failures.Add(1)
		d.writeState(doneCtx, logger, procs.StatusPending, procs.PercentIdle)
		logging.ErrorWithContext(logger, "archive uploaded but local cleanup failed", "archive_cleanup_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check permissions on archive_dir"),
			logging.String(logging.FieldImpact, "the archive will be sent again on the next tick"),
		)
		return Failure
	}

	d.successes.Add(1)
	logger.Info("archive uploaded",
		logging.String(logging.FieldEventType, "upload_succeeded"),
		logging.Int("images", snap.ImageCount),
		logging.Int("entries", entries),
		logging.Int64("bytes", result.Bytes),
		logging.Duration("duration", result.Duration),
		logging.Bool("session_removed", removed),
	)
	return Success
}

func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, lease *session.Lease, cause error) Outcome {
	if ctx.Err() != nil {
		return d.abandon(ctx, logger, lease)
	}
	d.failures.Add(1)
	res := lease.Release(true, d.maxAttempts)
	if _, err := d.store.IncrementAttempts(ctx, lease.Snapshot().PatientID); err != nil && !services.IsBenign(err) {
		logger.Debug("increment attempts failed", logging.Error(err))
	}

	status := procs.StatusPending
	impact := "archive kept; retry on next tick"
	if res.Parked {
		status = procs.StatusFailed
		impact = "patient parked as failed; run 'radiolink retry' to requeue"
	}
	d.writeState(ctx, logger, status, procs.PercentIdle)

	hint := "check upload.endpoint reachability"
	switch {
	case services.IsTimeout(cause):
		hint = "raise upload.timeout_seconds or check endpoint latency"
	case errors.Is(cause, services.ErrRemote):
		hint = "inspect the endpoint response body in the error"
	}
	logging.WarnWithContext(logger, "archive upload failed", "upload_failed",
		logging.Error(cause),
		logging.Int("attempts", res.Attempts),
		logging.String(logging.FieldErrorHint, hint),
		logging.String(logging.FieldImpact, impact),
	)
	return Failure
}

func (d *Dispatcher) abandon(ctx context.Context, logger *slog.Logger, lease *session.Lease) Outcome {
	d.abandoned.Add(1)
	lease.Release(false, 0)
	d.writeState(context.WithoutCancel(ctx), logger, procs.StatusPending, procs.PercentIdle)
	logger.Info("dispatch abandoned on shutdown", logging.String(logging.FieldEventType, "upload_abandoned"))
	return Abandoned
}

// dropMissingArchive handles a session whose archive vanished from disk.
// There is nothing left to send, so the session is dropped and the record
// marked failed for an operator to inspect. Files that arrived since Hold
// keep the session alive and the record pending.
func (d *Dispatcher) dropMissingArchive(ctx context.Context, logger *slog.Logger, lease *session.Lease) Outcome {
	d.failures.Add(1)
	_, err := lease.Complete(func(arrived int) error {
		if arrived == 0 {
			d.writeState(ctx, logger, procs.StatusFailed, procs.PercentIdle)
		} else {
			d.writeState(ctx, logger, procs.StatusPending, procs.PercentIdle)
		}
		return nil
	})
	if err != nil {
		logger.Debug("complete lease failed", logging.Error(err))
	}
	logging.ErrorWithContext(logger, "archive missing for live session", "archive_missing",
		logging.String("path", d.archives.Path(lease.Snapshot().PatientID)),
		logging.String(logging.FieldErrorHint, "check whether archive_dir was cleaned externally"),
	)
	return Failure
}

func (d *Dispatcher) writeState(ctx context.Context, logger *slog.Logger, status procs.Status, percent int) {
	err := d.store.SetState(ctx, patientFromContext(ctx), status, percent)
	switch {
	case err == nil:
	case services.IsBenign(err):
		logger.Debug("status record missing; state not written",
			logging.String("status", string(status)),
			logging.Error(err),
		)
	default:
		logging.WarnWithContext(logger, "status write failed", "status_write_failed",
			logging.String("status", string(status)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the status database"),
			logging.String(logging.FieldImpact, "operator view may show a stale status"),
		)
	}
}

func patientFromContext(ctx context.Context) string {
	id, _ := services.PatientIDFromContext(ctx)
	return id
}
