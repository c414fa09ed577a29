package intake_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"radiolink/internal/archive"
	"radiolink/internal/config"
	"radiolink/internal/intake"
	"radiolink/internal/logging"
	"radiolink/internal/procs"
	"radiolink/internal/services"
	"radiolink/internal/session"
	"radiolink/internal/study"
	"radiolink/internal/testsupport"
)

type fixture struct {
	cfg      *config.Config
	store    *procs.Store
	registry *session.Registry
	archives *archive.Accumulator
	pipeline *intake.Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	registry := session.NewRegistry()
	archives := archive.New(cfg.Paths.ArchiveDir, logging.NewNop())
	return &fixture{
		cfg:      cfg,
		store:    store,
		registry: registry,
		archives: archives,
		pipeline: intake.NewPipeline(cfg, registry, archives, store, logging.NewNop()),
	}
}

func TestReceiveAccumulatesFilesPerPatient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const perPatient = 12
	patients := []string{"P1", "P2", "P3"}

	var wg sync.WaitGroup
	errs := make(chan error, perPatient*len(patients))
	for _, id := range patients {
		for i := 0; i < perPatient; i++ {
			path := testsupport.StudyFile(t, f.cfg.Paths.StagingDir, id, i)
			wg.Add(1)
			go func(id, path string) {
				defer wg.Done()
				errs <- f.pipeline.Receive(ctx, intake.Arrival{
					PatientID:   id,
					PatientName: "Name " + id,
					FilePath:    path,
					Study:       study.Metadata{Modality: "ct"},
				})
			}(id, path)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
	}

	for _, id := range patients {
		snap, ok := f.registry.Get(id)
		if !ok || snap.ImageCount != perPatient {
			t.Fatalf("%s: expected session with %d images, got %+v ok=%v", id, perPatient, snap, ok)
		}
		if snap.ArchivePath != f.archives.Path(id) {
			t.Fatalf("%s: unexpected archive path %q", id, snap.ArchivePath)
		}
		count, err := f.archives.Count(id)
		if err != nil || count != perPatient {
			t.Fatalf("%s: expected %d archive entries, got %d err=%v", id, perPatient, count, err)
		}
		record, err := f.store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get %s: %v", id, err)
		}
		if record.Images != perPatient || record.Status != procs.StatusPending || record.UploadingPercentage != 0 {
			t.Fatalf("%s: unexpected record %+v", id, record)
		}
		var meta study.Metadata
		if err := record.DecodeMetadata(&meta); err != nil {
			t.Fatalf("DecodeMetadata: %v", err)
		}
		if meta.TechnicianEmail != "tech@example.com" || meta.Modality != "CT" || meta.PatientAge != study.NotAvailable {
			t.Fatalf("%s: unexpected metadata %+v", id, meta)
		}
	}

	archives, err := f.archives.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(archives) != len(patients) {
		t.Fatalf("expected one archive per patient, got %v", archives)
	}
	if got := f.pipeline.Counters().Received; got != int64(perPatient*len(patients)) {
		t.Fatalf("expected %d received, got %d", perPatient*len(patients), got)
	}
}

func TestReceiveRejectsInvalidArrivals(t *testing.T) {
	f := newFixture(t)
	empty := testsupport.WriteContent(t, filepath.Join(f.cfg.Paths.StagingDir, "empty.dcm"), nil)
	good := testsupport.StudyFile(t, f.cfg.Paths.StagingDir, "P1", 1)

	tests := []struct {
		name    string
		arrival intake.Arrival
	}{
		{"missing patient", intake.Arrival{FilePath: good}},
		{"empty file", intake.Arrival{PatientID: "P1", FilePath: empty}},
		{"missing file", intake.Arrival{PatientID: "P1", FilePath: filepath.Join(f.cfg.Paths.StagingDir, "nope.dcm")}},
		{"directory", intake.Arrival{PatientID: "P1", FilePath: f.cfg.Paths.StagingDir}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := f.pipeline.Receive(context.Background(), tc.arrival)
			if !errors.Is(err, services.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	if f.registry.Len() != 0 {
		t.Fatalf("rejected arrivals must not create sessions")
	}
	if _, err := os.Stat(good); err != nil {
		t.Fatalf("valid file should be untouched: %v", err)
	}
	if got := f.pipeline.Counters().Rejected; got != int64(len(tests)) {
		t.Fatalf("expected %d rejected, got %d", len(tests), got)
	}
}

func TestReceiveAppendFailureKeepsSourceFile(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	registry := session.NewRegistry()
	blocked := testsupport.WriteContent(t, filepath.Join(testsupport.BaseDir(cfg), "not-a-dir"), []byte("x"))
	pipeline := intake.NewPipeline(cfg, registry, archive.New(blocked, nil), store, nil)

	path := testsupport.StudyFile(t, cfg.Paths.StagingDir, "P1", 1)
	err := pipeline.Receive(context.Background(), intake.Arrival{PatientID: "P1", FilePath: path})
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Fatalf("source file must survive a failed append: %v", statErr)
	}
	if registry.Len() != 0 {
		t.Fatal("failed first append must not leave a session")
	}
	if _, err := store.Get(context.Background(), "P1"); !errors.Is(err, procs.ErrNotFound) {
		t.Fatalf("no record should exist, got %v", err)
	}
	if got := pipeline.Counters().Failed; got != 1 {
		t.Fatalf("expected one failure, got %d", got)
	}
}

func TestReceiveAfterUploadReopensRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := testsupport.StudyFile(t, f.cfg.Paths.StagingDir, "P1", 1)
	if err := f.pipeline.Receive(ctx, intake.Arrival{PatientID: "P1", FilePath: path}); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := f.store.SetState(ctx, "P1", procs.StatusUploaded, procs.PercentDone); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	path = testsupport.StudyFile(t, f.cfg.Paths.StagingDir, "P1", 2)
	if err := f.pipeline.Receive(ctx, intake.Arrival{PatientID: "P1", FilePath: path}); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	record, err := f.store.Get(ctx, "P1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.Status != procs.StatusPending || record.UploadingPercentage != 0 || record.Images != 2 {
		t.Fatalf("expected pending/0 with 2 images, got %+v", record)
	}
}

func TestStageWritesUnderPatientAndStudy(t *testing.T) {
	f := newFixture(t)
	meta := study.Metadata{StudyInstanceUID: "1.2.840.1", Modality: "mr"}

	path, err := f.pipeline.Stage("P1", meta, "../../etc/IM0001", strings.NewReader("DICM"))
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	dir := filepath.Join(f.cfg.Paths.StagingDir, "P1", "1.2.840.1")
	name := filepath.Base(path)
	if filepath.Dir(path) != dir || !strings.HasPrefix(name, "MR_") || !strings.HasSuffix(name, "_IM0001") {
		t.Fatalf("unexpected staged path %s", path)
	}
	if data, err := os.ReadFile(path); err != nil || string(data) != "DICM" {
		t.Fatalf("staged content mismatch: %q err=%v", data, err)
	}
}

func TestStageKeepsSameNamedUploadsApart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	meta := study.Metadata{StudyInstanceUID: "1.2.840.1", Modality: "CT"}

	first, err := f.pipeline.Stage("P1", meta, "IM0001", strings.NewReader("first"))
	if err != nil {
		t.Fatalf("Stage first: %v", err)
	}
	second, err := f.pipeline.Stage("P1", meta, "IM0001", strings.NewReader("second"))
	if err != nil {
		t.Fatalf("Stage second: %v", err)
	}
	if first == second {
		t.Fatalf("same-named uploads share staged path %s", first)
	}

	for _, path := range []string{first, second} {
		if err := f.pipeline.Receive(ctx, intake.Arrival{PatientID: "P1", FilePath: path, Study: meta}); err != nil {
			t.Fatalf("Receive %s: %v", path, err)
		}
	}
	entries, err := f.archives.Entries("P1")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected both uploads archived, got %v", entries)
	}
	record, err := f.store.Get(ctx, "P1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.Images != 2 {
		t.Fatalf("expected 2 images, got %d", record.Images)
	}
}

func TestStageEnforcesSizeLimit(t *testing.T) {
	f := newFixture(t)
	f.cfg.Intake.MaxFileMB = 1
	pipeline := intake.NewPipeline(f.cfg, f.registry, f.archives, f.store, nil)

	big := strings.NewReader(strings.Repeat("x", int(f.cfg.MaxFileBytes())+1))
	_, err := pipeline.Stage("P1", study.Metadata{}, "big.dcm", big)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(f.cfg.Paths.StagingDir, "P1", "*", "*"))
	if len(matches) != 0 {
		t.Fatalf("oversized file left behind: %v", matches)
	}
}
