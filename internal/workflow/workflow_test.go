package workflow_test

import (
	"archive/zip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"radiolink/internal/archive"
	"radiolink/internal/config"
	"radiolink/internal/logging"
	"radiolink/internal/procs"
	"radiolink/internal/session"
	"radiolink/internal/study"
	"radiolink/internal/testsupport"
	"radiolink/internal/upload"
	"radiolink/internal/workflow"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// endpoint records every upload and answers with the next scripted status.
type endpoint struct {
	mu       sync.Mutex
	statuses []int
	uploads  [][]string
	onUpload func()
	server   *httptest.Server
}

func newEndpoint(t *testing.T, statuses ...int) *endpoint {
	t.Helper()
	e := &endpoint{statuses: statuses}
	e.server = httptest.NewServer(http.HandlerFunc(e.handle))
	t.Cleanup(e.server.Close)
	return e
}

func (e *endpoint) handle(w http.ResponseWriter, r *http.Request) {
	var names []string
	if file, _, err := r.FormFile("file"); err == nil {
		data, _ := io.ReadAll(file)
		file.Close()
		if zr, err := zip.NewReader(readerAt(data), int64(len(data))); err == nil {
			for _, f := range zr.File {
				names = append(names, f.Name)
			}
		}
	}

	e.mu.Lock()
	e.uploads = append(e.uploads, names)
	status := http.StatusOK
	if len(e.statuses) > 0 {
		status = e.statuses[0]
		e.statuses = e.statuses[1:]
	}
	hook := e.onUpload
	e.mu.Unlock()

	if hook != nil {
		hook()
	}
	w.WriteHeader(status)
}

func (e *endpoint) Uploads() [][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]string(nil), e.uploads...)
}

type readerAt []byte

func (b readerAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

type harness struct {
	cfg        *config.Config
	clock      *fakeClock
	store      *procs.Store
	registry   *session.Registry
	archives   *archive.Accumulator
	dispatcher *workflow.Dispatcher
	monitor    *workflow.Monitor
	endpoint   *endpoint

	seqMu sync.Mutex
	seq   int
}

func newHarness(t *testing.T, maxAttempts int, statuses ...int) *harness {
	t.Helper()
	ep := newEndpoint(t, statuses...)
	cfg := testsupport.NewConfig(t, testsupport.WithEndpoint(ep.server.URL), testsupport.WithMaxAttempts(maxAttempts))
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := testsupport.MustOpenStore(t, cfg)
	registry := session.NewRegistry(session.WithClock(clock.Now))
	archives := archive.New(cfg.Paths.ArchiveDir, logging.NewNop())
	client, err := upload.NewFromConfig(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("NewFromConfig failed: %v", err)
	}
	dispatcher := workflow.NewDispatcher(registry, archives, store, client, cfg.Workflow.MaxAttempts, logging.NewNop())
	monitor := workflow.NewMonitor(cfg, registry, dispatcher, logging.NewNop(),
		workflow.WithIntervals(time.Minute, time.Minute))
	return &harness{
		cfg: cfg, clock: clock, store: store, registry: registry, archives: archives,
		dispatcher: dispatcher, monitor: monitor, endpoint: ep,
	}
}

func (h *harness) receive(t *testing.T, patientID string) {
	t.Helper()
	if err := h.receiveFile(t, patientID); err != nil {
		t.Fatalf("receive %s: %v", patientID, err)
	}
}

// receiveFile is receive without t.Fatalf, for use off the test goroutine.
func (h *harness) receiveFile(t *testing.T, patientID string) error {
	h.seqMu.Lock()
	h.seq++
	seq := h.seq
	h.seqMu.Unlock()
	path := testsupport.StudyFile(t, h.cfg.Paths.StagingDir, patientID, seq)
	_, err := h.registry.Upsert(session.Arrival{
		PatientID:   patientID,
		PatientName: "Patient " + patientID,
		Study:       study.Metadata{TechnicianEmail: "tech@example.com"}.WithDefaults(),
	}, func(*session.Session) error {
		_, err := h.archives.Append(patientID, path)
		return err
	})
	if err != nil {
		return err
	}
	_, err = h.store.UpsertCount(context.Background(), patientID, "Patient "+patientID, procs.StatusPending, nil)
	return err
}

func (h *harness) record(t *testing.T, patientID string) *procs.Record {
	t.Helper()
	record, err := h.store.Get(context.Background(), patientID)
	if err != nil {
		t.Fatalf("Get %s: %v", patientID, err)
	}
	return record
}

func TestSuccessfulDispatchRemovesSessionAndArchive(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.receive(t, "P1")
	h.receive(t, "P1")

	if res := h.monitor.Tick(ctx); len(res.Selected) != 0 {
		t.Fatalf("patient selected before idle threshold: %v", res.Selected)
	}

	h.clock.Advance(time.Minute)
	res := h.monitor.Tick(ctx)
	if res.Count(workflow.Success) != 1 {
		t.Fatalf("expected one success, got %+v", res)
	}
	if _, ok := h.registry.Get("P1"); ok {
		t.Fatal("session should be removed after upload")
	}
	if h.archives.Exists("P1") {
		t.Fatal("archive should be deleted after upload")
	}
	record := h.record(t, "P1")
	if record.Status != procs.StatusUploaded || record.UploadingPercentage != 100 || record.Images != 2 {
		t.Fatalf("unexpected record: %+v", record)
	}
	uploads := h.endpoint.Uploads()
	if len(uploads) != 1 || len(uploads[0]) != 2 {
		t.Fatalf("expected one upload with two entries, got %v", uploads)
	}

	h.clock.Advance(time.Hour)
	if res := h.monitor.Tick(ctx); len(res.Selected) != 0 {
		t.Fatalf("uploaded patient re-selected: %v", res.Selected)
	}
	if got := len(h.endpoint.Uploads()); got != 1 {
		t.Fatalf("expected no further uploads, got %d", got)
	}
	if outcome := h.dispatcher.Dispatch(ctx, "P1"); outcome != workflow.Skipped {
		t.Fatalf("dispatch for absent patient should skip, got %s", outcome)
	}
}

func TestFailedDispatchRetriesOnNextTick(t *testing.T) {
	h := newHarness(t, 0, http.StatusInternalServerError, http.StatusOK)
	ctx := context.Background()
	h.receive(t, "P1")
	h.clock.Advance(time.Minute)

	res := h.monitor.Tick(ctx)
	if res.Count(workflow.Failure) != 1 {
		t.Fatalf("expected failure on first tick, got %+v", res)
	}
	record := h.record(t, "P1")
	if record.Status != procs.StatusPending || record.UploadingPercentage != 0 || record.Attempts != 1 {
		t.Fatalf("expected pending/0 after failure, got %+v", record)
	}
	if !h.archives.Exists("P1") {
		t.Fatal("archive must survive a failed upload")
	}

	h.clock.Advance(time.Minute)
	res = h.monitor.Tick(ctx)
	if res.Count(workflow.Success) != 1 {
		t.Fatalf("expected success on second tick, got %+v", res)
	}
	if got := len(h.endpoint.Uploads()); got != 2 {
		t.Fatalf("expected exactly two dispatch attempts, got %d", got)
	}
	record = h.record(t, "P1")
	if record.Status != procs.StatusUploaded || record.UploadingPercentage != 100 {
		t.Fatalf("expected uploaded/100, got %s/%d", record.Status, record.UploadingPercentage)
	}
	if counters := h.dispatcher.Counters(); counters.Attempts != 2 || counters.Failures != 1 || counters.Successes != 1 {
		t.Fatalf("unexpected counters: %+v", counters)
	}
}

func TestFilesArrivingDuringUploadAreKept(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.receive(t, "P1")
	h.receive(t, "P1")

	h.endpoint.onUpload = func() {
		h.endpoint.mu.Lock()
		h.endpoint.onUpload = nil
		h.endpoint.mu.Unlock()
		h.receive(t, "P1")
	}
	h.clock.Advance(time.Minute)
	if res := h.monitor.Tick(ctx); res.Count(workflow.Success) != 1 {
		t.Fatalf("expected success, got %+v", res)
	}

	snap, ok := h.registry.Get("P1")
	if !ok || snap.ImageCount != 1 {
		t.Fatalf("expected session with the late file, got %+v ok=%v", snap, ok)
	}
	names, err := h.archives.Entries("P1")
	if err != nil || len(names) != 1 || names[0] != "P1-0003.dcm" {
		t.Fatalf("expected archive trimmed to the late file, got %v err=%v", names, err)
	}
	if record := h.record(t, "P1"); record.Status != procs.StatusPending {
		t.Fatalf("expected pending while late files wait, got %s", record.Status)
	}

	h.clock.Advance(time.Minute)
	if res := h.monitor.Tick(ctx); res.Count(workflow.Success) != 1 {
		t.Fatalf("expected second upload, got %+v", res)
	}
	uploads := h.endpoint.Uploads()
	if len(uploads) != 2 || len(uploads[0]) != 2 || len(uploads[1]) != 1 || uploads[1][0] != "P1-0003.dcm" {
		t.Fatalf("each file must be sent exactly once, got %v", uploads)
	}
}

func TestMaxAttemptsParksPatient(t *testing.T) {
	h := newHarness(t, 2, http.StatusBadGateway, http.StatusBadGateway, http.StatusOK)
	ctx := context.Background()
	h.receive(t, "P1")

	for i := 0; i < 2; i++ {
		h.clock.Advance(time.Minute)
		h.monitor.Tick(ctx)
	}
	if record := h.record(t, "P1"); record.Status != procs.StatusFailed {
		t.Fatalf("expected failed after two attempts, got %s", record.Status)
	}
	h.clock.Advance(time.Minute)
	if res := h.monitor.Tick(ctx); len(res.Selected) != 0 {
		t.Fatalf("parked patient must not be selected, got %v", res.Selected)
	}

	if !h.registry.Retry("P1") {
		t.Fatal("expected Retry to find session")
	}
	if res := h.monitor.Tick(ctx); res.Count(workflow.Success) != 1 {
		t.Fatalf("expected success after retry, got %+v", res)
	}
}

func TestCancelledDispatchIsAbandonedAsPending(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	h := newHarness(t, 0)
	client, err := upload.NewClient(upload.Options{Endpoint: server.URL, Timeout: time.Minute}, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	dispatcher := workflow.NewDispatcher(h.registry, h.archives, h.store, client, 0, nil)
	h.receive(t, "P1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan workflow.Outcome, 1)
	go func() { done <- dispatcher.Dispatch(ctx, "P1") }()

	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if record := h.record(t, "P1"); record.Status != procs.StatusUploading || record.UploadingPercentage != 75 {
		t.Fatalf("expected uploading/75 mid-flight, got %s/%d", record.Status, record.UploadingPercentage)
	}
	cancel()

	select {
	case outcome := <-done:
		if outcome != workflow.Abandoned {
			t.Fatalf("expected Abandoned, got %s", outcome)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not return after cancellation")
	}
	record := h.record(t, "P1")
	if record.Status != procs.StatusPending || record.UploadingPercentage != 0 {
		t.Fatalf("expected pending/0 after abandon, got %s/%d", record.Status, record.UploadingPercentage)
	}
	if snap, ok := h.registry.Get("P1"); !ok || snap.InFlight {
		t.Fatalf("session should remain and be released, got %+v ok=%v", snap, ok)
	}
}

func TestMissingArchiveMarksFailed(t *testing.T) {
	h := newHarness(t, 0)
	h.receive(t, "P1")
	if err := h.archives.Delete("P1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if outcome := h.dispatcher.Dispatch(context.Background(), "P1"); outcome != workflow.Failure {
		t.Fatalf("expected Failure, got %s", outcome)
	}
	if _, ok := h.registry.Get("P1"); ok {
		t.Fatal("session without archive should be dropped")
	}
	if record := h.record(t, "P1"); record.Status != procs.StatusFailed {
		t.Fatalf("expected failed record, got %s", record.Status)
	}
	if len(h.endpoint.Uploads()) != 0 {
		t.Fatal("nothing should be uploaded without an archive")
	}
}

// hookedStore runs onReset while the dispatcher resets attempts after an
// upload, which is the last store call before the outcome status is written.
type hookedStore struct {
	*procs.Store
	onReset func()
}

func (s *hookedStore) ResetAttempts(ctx context.Context, patientID string) error {
	if s.onReset != nil {
		s.onReset()
	}
	return s.Store.ResetAttempts(ctx, patientID)
}

func TestFileArrivingAsUploadCompletesLeavesRecordPending(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.receive(t, "P1")

	done := make(chan error, 1)
	store := &hookedStore{Store: h.store}
	store.onReset = func() {
		store.onReset = nil
		go func() { done <- h.receiveFile(t, "P1") }()
		// The arrival must not slip in ahead of the status write.
		select {
		case err := <-done:
			done <- err
		case <-time.After(200 * time.Millisecond):
		}
	}
	client, err := upload.NewFromConfig(h.cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("NewFromConfig failed: %v", err)
	}
	dispatcher := workflow.NewDispatcher(h.registry, h.archives, store, client, 0, logging.NewNop())

	if outcome := dispatcher.Dispatch(ctx, "P1"); outcome != workflow.Success {
		t.Fatalf("expected Success, got %s", outcome)
	}
	if err := <-done; err != nil {
		t.Fatalf("late receive failed: %v", err)
	}

	snap, ok := h.registry.Get("P1")
	if !ok || snap.ImageCount != 1 {
		t.Fatalf("expected a live session for the late file, got %+v ok=%v", snap, ok)
	}
	if !h.archives.Exists("P1") {
		t.Fatal("late file archive missing")
	}
	record := h.record(t, "P1")
	if record.Status != procs.StatusPending || record.UploadingPercentage != 0 || record.Images != 2 {
		t.Fatalf("record must track the waiting file, got %+v", record)
	}

	h.clock.Advance(time.Minute)
	if res := h.monitor.Tick(ctx); res.Count(workflow.Success) != 1 {
		t.Fatalf("expected the late file to upload, got %+v", res)
	}
	if uploads := h.endpoint.Uploads(); len(uploads) != 2 || len(uploads[1]) != 1 {
		t.Fatalf("expected a second upload holding the late file, got %v", uploads)
	}
}

type panickyDispatcher struct{ calls atomic.Int32 }

func (p *panickyDispatcher) Dispatch(context.Context, string) workflow.Outcome {
	p.calls.Add(1)
	panic("boom")
}

func TestMonitorRecoversFromPanicsAndKeepsTicking(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	clock := &fakeClock{now: time.Now()}
	registry := session.NewRegistry(session.WithClock(clock.Now))
	if _, err := registry.Upsert(session.Arrival{PatientID: "P1"}, nil); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	clock.Advance(time.Hour)

	d := &panickyDispatcher{}
	monitor := workflow.NewMonitor(cfg, registry, d, logging.NewNop(), workflow.WithIntervals(20*time.Millisecond, time.Second))
	if err := monitor.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := monitor.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}

	deadline := time.Now().Add(3 * time.Second)
	for d.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	monitor.Stop()

	if d.calls.Load() < 2 {
		t.Fatalf("monitor stopped ticking after a panic; calls=%d", d.calls.Load())
	}
	status := monitor.Status()
	if status.Running || status.Ticks < 2 || status.LastError == "" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestTickDispatchesPatientsConcurrentlyWithinLimit(t *testing.T) {
	h := newHarness(t, 0)
	var inflight, peak atomic.Int32
	h.endpoint.onUpload = func() {
		n := inflight.Add(1)
		for {
			cur := peak.Load()
			if n <= cur || peak.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inflight.Add(-1)
	}
	for _, id := range []string{"A", "B", "C", "D"} {
		h.receive(t, id)
	}
	h.clock.Advance(time.Minute)

	res := h.monitor.Tick(context.Background())
	if res.Count(workflow.Success) != 4 {
		t.Fatalf("expected four successes, got %+v", res)
	}
	if p := peak.Load(); p > int32(h.cfg.Workflow.DispatchWorkers) {
		t.Fatalf("dispatch concurrency %d exceeded limit %d", p, h.cfg.Workflow.DispatchWorkers)
	}
	if got, _ := filepath.Glob(filepath.Join(h.cfg.Paths.ArchiveDir, "*.zip")); len(got) != 0 {
		t.Fatalf("archives left behind: %v", got)
	}
}
