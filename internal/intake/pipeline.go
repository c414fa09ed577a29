package intake

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"radiolink/internal/archive"
	"radiolink/internal/config"
	"radiolink/internal/fileutil"
	"radiolink/internal/logging"
	"radiolink/internal/procs"
	"radiolink/internal/services"
	"radiolink/internal/session"
	"radiolink/internal/study"
)

const component = "intake"

// Arrival is one received study file.
type Arrival struct {
	PatientID   string
	PatientName string
	FilePath    string
	Study       study.Metadata
}

// RecordStore is the subset of procs.Store used on the receive path.
type RecordStore interface {
	UpsertCount(ctx context.Context, patientID, patientName string, statusOnCreate procs.Status, metadata any) (*procs.Record, error)
	SetState(ctx context.Context, patientID string, status procs.Status, percentage int) error
}

// Counters reports receive totals since start.
type Counters struct {
	Received int64 `json:"received"`
	Rejected int64 `json:"rejected"`
	Failed   int64 `json:"failed"`
}

// Pipeline glues the registry, the archives, and the status store together.
type Pipeline struct {
	stagingDir      string
	maxFileBytes    int64
	technicianEmail string

	registry *session.Registry
	archives *archive.Accumulator
	store    RecordStore
	logger   *slog.Logger

	received atomic.Int64
	rejected atomic.Int64
	failed   atomic.Int64
}

// NewPipeline builds a receive pipeline from the [paths], [upload] and
// [intake] config sections.
func NewPipeline(cfg *config.Config, registry *session.Registry, archives *archive.Accumulator, store RecordStore, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		stagingDir:      cfg.Paths.StagingDir,
		maxFileBytes:    cfg.MaxFileBytes(),
		technicianEmail: cfg.Upload.TechnicianEmail,
		registry:        registry,
		archives:        archives,
		store:           store,
		logger:          logging.NewComponentLogger(logger, component),
	}
}

// Counters returns a snapshot of receive totals.
func (p *Pipeline) Counters() Counters {
	return Counters{
		Received: p.received.Load(),
		Rejected: p.rejected.Load(),
		Failed:   p.failed.Load(),
	}
}

// StagePath returns a fresh location for an incoming file for the patient:
// <staging>/<patient>/<study uid>/<modality>_<token>_<name>. The token
// differs on every call so same-named uploads never share a staged file.
func (p *Pipeline) StagePath(patientID string, meta study.Metadata, name string) string {
	meta = meta.WithDefaults()
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "instance"
	}
	return filepath.Join(
		p.stagingDir,
		archive.SafeName(patientID),
		archive.SafeName(meta.StudyInstanceUID),
		archive.SafeName(meta.Modality)+"_"+stageToken()+"_"+base,
	)
}

func stageToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Stage saves r under StagePath, enforcing intake.max_file_mb.
func (p *Pipeline) Stage(patientID string, meta study.Metadata, name string, r io.Reader) (string, error) {
	if strings.TrimSpace(patientID) == "" {
		p.rejected.Add(1)
		return "", services.Wrap(services.ErrValidation, component, "stage", "patient id is required", nil)
	}
	dst := p.StagePath(patientID, meta, name)
	if _, err := fileutil.WriteStream(dst, r, p.maxFileBytes); err != nil {
		p.rejected.Add(1)
		return "", services.Wrap(services.ErrValidation, component, "stage", "save incoming file", err)
	}
	return dst, nil
}

// Receive appends the arrival's file to the patient's archive and counts it.
// On success the staged file is gone and the persisted image count has grown
// by one. On failure the staged file is left in place, the persisted status
// is reset to pending, and an error is returned.
func (p *Pipeline) Receive(ctx context.Context, arrival Arrival) error {
	patientID := strings.TrimSpace(arrival.PatientID)
	if patientID == "" {
		p.rejected.Add(1)
		return services.Wrap(services.ErrValidation, component, "receive", "patient id is required", nil)
	}
	ctx = services.WithPatientID(services.WithComponent(ctx, component), patientID)
	logger := logging.WithContext(ctx, p.logger)

	if err := p.checkFile(arrival.FilePath); err != nil {
		p.rejected.Add(1)
		logging.WarnWithContext(logger, "incoming file rejected", "intake_rejected",
			logging.String("path", arrival.FilePath),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "ask the sender to resend the instance"),
		)
		return err
	}

	meta := arrival.Study
	meta.TechnicianEmail = p.technicianEmail
	meta = meta.WithDefaults()

	var entry archive.Entry
	snap, err := p.registry.Upsert(session.Arrival{
		PatientID:   patientID,
		PatientName: arrival.PatientName,
		Study:       meta,
	}, func(s *session.Session) error {
		var appendErr error
		entry, appendErr = p.archives.Append(patientID, arrival.FilePath)
		if appendErr == nil {
			s.ArchivePath = p.archives.Path(patientID)
		}
		return appendErr
	})
	if err != nil {
		p.failed.Add(1)
		if stateErr := p.store.SetState(ctx, patientID, procs.StatusPending, procs.PercentIdle); stateErr != nil && !services.IsBenign(stateErr) {
			logger.Debug("reset status after failed append", logging.Error(stateErr))
		}
		logging.ErrorWithContext(logger, "archive append failed", "archive_append_failed",
			logging.String("path", arrival.FilePath),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check free space and permissions on archive_dir"),
			logging.String(logging.FieldImpact, "file left in staging; sender must resend"),
		)
		return services.Wrap(services.ErrTransient, component, "receive", "append to archive", err)
	}
	p.received.Add(1)

	if _, err := p.store.UpsertCount(ctx, patientID, snap.PatientName, procs.StatusPending, snap.Study); err != nil {
		// The file is already archived; reporting failure would make the
		// sender resend a duplicate.
		logging.ErrorWithContext(logger, "status count not updated", "status_write_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the status database"),
			logging.String(logging.FieldImpact, "persisted image count lags the archive"),
		)
	}

	logger.Debug("file archived",
		logging.String("entry", entry.Name),
		logging.Int("images", snap.ImageCount),
		logging.Int64("size", entry.Size),
		logging.Int64("compressed_size", entry.CompressedSize),
	)
	return nil
}

func (p *Pipeline) checkFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return services.Wrap(services.ErrValidation, component, "receive", "file path is required", nil)
	}
	info, err := os.Stat(path)
	if err != nil {
		return services.Wrap(services.ErrValidation, component, "receive", "stat incoming file", err)
	}
	if !info.Mode().IsRegular() {
		return services.Wrap(services.ErrValidation, component, "receive", fmt.Sprintf("%s is not a regular file", path), nil)
	}
	if info.Size() == 0 {
		return services.Wrap(services.ErrValidation, component, "receive", fmt.Sprintf("%s is empty", path), nil)
	}
	if p.maxFileBytes > 0 && info.Size() > p.maxFileBytes {
		return services.Wrap(services.ErrValidation, component, "receive", fmt.Sprintf("%s exceeds %d bytes", path, p.maxFileBytes), nil)
	}
	return nil
}
