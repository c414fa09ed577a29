package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	ttlworker "github.com/FloatTech/ttl"
	"github.com/gofrs/flock"

	"radiolink/internal/api"
	"radiolink/internal/archive"
	"radiolink/internal/config"
	"radiolink/internal/intake"
	"radiolink/internal/logging"
	"radiolink/internal/preflight"
	"radiolink/internal/procs"
	"radiolink/internal/services"
	"radiolink/internal/session"
	"radiolink/internal/upload"
	"radiolink/internal/workflow"
)

// Daemon coordinates the receive and dispatch services and enforces
// single-instance execution.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *procs.Store
	registry   *session.Registry
	archives   *archive.Accumulator
	pipeline   *intake.Pipeline
	dispatcher *workflow.Dispatcher
	monitor    *workflow.Monitor
	endpoint   string

	lockPath string
	lock     *flock.Flock
	api      *apiServer

	// ingest responses keyed by Idempotency-Key
	idempotency *ttlworker.Cache[string, *api.IngestResponse]

	runID     string
	startedAt time.Time
	running   atomic.Bool

	mu sync.Mutex // serializes Start and Stop

	stateMu   sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	preflight []preflight.Result
}

// Option customizes a daemon.
type Option func(*options)

type options struct {
	runID        string
	uploader     workflow.Uploader
	registryOpts []session.Option
	monitorOpts  []workflow.MonitorOption
}

// WithRunID labels the daemon with the id of the current run.
func WithRunID(id string) Option {
	return func(o *options) { o.runID = id }
}

// WithUploader replaces the HTTP upload client.
func WithUploader(u workflow.Uploader) Option {
	return func(o *options) { o.uploader = u }
}

// WithRegistryOptions passes options to the session registry.
func WithRegistryOptions(opts ...session.Option) Option {
	return func(o *options) { o.registryOpts = append(o.registryOpts, opts...) }
}

// WithMonitorOptions passes options to the quiescence monitor.
func WithMonitorOptions(opts ...workflow.MonitorOption) Option {
	return func(o *options) { o.monitorOpts = append(o.monitorOpts, opts...) }
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	RunID        string
	StartedAt    time.Time
	DatabasePath string
	LockFilePath string
	ArchiveDir   string
	Endpoint     string
	Monitor      workflow.MonitorStatus
	Dispatch     workflow.DispatchCounters
	Intake       intake.Counters
	ProcStats    map[procs.Status]int
	Preflight    []preflight.Result
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *procs.Store, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil || store == nil {
		return nil, errors.New("daemon requires config and store")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	uploader := o.uploader
	endpoint := cfg.Upload.Endpoint
	if uploader == nil {
		client, err := upload.NewFromConfig(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("upload client: %w", err)
		}
		uploader = client
		endpoint = client.Endpoint()
	}

	registry := session.NewRegistry(o.registryOpts...)
	archives := archive.New(cfg.Paths.ArchiveDir, logger)
	dispatcher := workflow.NewDispatcher(registry, archives, store, uploader, cfg.Workflow.MaxAttempts, logger)
	lockPath := filepath.Join(cfg.Paths.LogDir, "radiolink.lock")

	d := &Daemon{
		cfg:         cfg,
		logger:      logging.NewComponentLogger(logger, "daemon"),
		store:       store,
		registry:    registry,
		archives:    archives,
		pipeline:    intake.NewPipeline(cfg, registry, archives, store, logger),
		dispatcher:  dispatcher,
		monitor:     workflow.NewMonitor(cfg, registry, dispatcher, logger, o.monitorOpts...),
		endpoint:    endpoint,
		lockPath:    lockPath,
		lock:        flock.New(lockPath),
		idempotency: ttlworker.NewCache[string, *api.IngestResponse](cfg.IdempotencyTTL()),
		runID:       o.runID,
	}
	d.api = newAPIServer(cfg.Paths.APIBind, d, logger)
	return d, nil
}

// Start acquires the daemon lock, recovers stale state, and launches the
// monitor and the API server.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another radiolink daemon instance is already running")
	}

	d.recover(ctx)
	checks := preflight.RunAll(ctx, d.cfg)
	for _, failed := range preflight.Failed(checks) {
		logging.WarnWithContext(d.logger, "preflight check failed", "preflight_failed",
			logging.String("check", failed.Name),
			logging.String("detail", failed.Detail),
			logging.String(logging.FieldImpact, "receiving continues; uploads may fail until fixed"),
		)
	}

	// Dispatches outlive a cancelled ctx; Shutdown decides when they stop.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.stateMu.Lock()
	d.ctx, d.cancel, d.preflight = runCtx, cancel, checks
	d.startedAt = time.Now()
	d.stateMu.Unlock()

	if err := d.monitor.Start(runCtx); err != nil {
		d.abortStart()
		return fmt.Errorf("start monitor: %w", err)
	}
	if err := d.api.start(runCtx); err != nil {
		d.monitor.Stop()
		d.abortStart()
		return err
	}

	d.running.Store(true)
	d.logger.Info("radiolink daemon started",
		logging.String("lock", d.lockPath),
		logging.String("api", d.api.address()),
		logging.String("endpoint", d.endpoint),
		logging.String("run_id", d.runID),
	)
	return nil
}

func (d *Daemon) abortStart() {
	_ = d.lock.Unlock()
	d.stateMu.Lock()
	d.cancel()
	d.ctx, d.cancel = nil, nil
	d.stateMu.Unlock()
}

// recover resets records left uploading by a previous process and reports
// archives that no live session owns. Orphaned archives are kept on disk;
// sending them requires new files for the same patient.
func (d *Daemon) recover(ctx context.Context) {
	if n, err := d.store.ResetInFlight(ctx); err != nil {
		logging.WarnWithContext(d.logger, "reset in-flight records failed", "recovery_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the status database"),
		)
	} else if n > 0 {
		d.logger.Info("in-flight records reset to pending", logging.Int64("count", n))
	}

	orphans, err := d.archives.List()
	if err != nil {
		d.logger.Debug("list archives failed", logging.Error(err))
		return
	}
	for _, path := range orphans {
		logging.WarnWithContext(d.logger, "archive from a previous run found", "orphan_archive",
			logging.String("path", path),
			logging.String(logging.FieldErrorHint, "new files for the patient resume it; otherwise send or remove it manually"),
			logging.String(logging.FieldImpact, "archive is not dispatched automatically"),
		)
	}
}

// Stop stops the API server and the monitor, cancelling in-flight
// dispatches, and releases the daemon lock.
func (d *Daemon) Stop() {
	d.Shutdown(0)
}

// Shutdown stops the API server and the monitor, giving in-flight uploads up
// to grace to finish before they are cancelled and left pending, then
// releases the daemon lock. It reports whether everything finished in time.
func (d *Daemon) Shutdown(grace time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return true
	}

	deadline := time.Now().Add(grace)
	d.stateMu.RLock()
	cancel := d.cancel
	d.stateMu.RUnlock()
	cutoff := time.AfterFunc(max(grace, 0), cancel)

	d.api.stop()
	drained := d.monitor.Drain(time.Until(deadline))
	cutoff.Stop()
	inTime := grace <= 0 || (drained && time.Now().Before(deadline))

	d.stateMu.Lock()
	cancel()
	d.ctx, d.cancel = nil, nil
	d.stateMu.Unlock()

	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("radiolink daemon stopped",
		logging.Bool("in_time", inTime),
		logging.Any("dispatch", d.dispatcher.Counters()),
	)
	return inTime
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// APIAddress returns the address the API server listens on, once started.
func (d *Daemon) APIAddress() string {
	return d.api.address()
}

// Flush runs one monitor tick immediately and waits for its dispatches.
func (d *Daemon) Flush(ctx context.Context) workflow.TickResult {
	return d.monitor.Tick(d.runContext(ctx))
}

// Retry clears a parked patient's failure state. It reports whether a live
// session was found and whether the persisted record changed.
func (d *Daemon) Retry(ctx context.Context, patientID string) (sessionFound, recordUpdated bool, err error) {
	sessionFound = d.registry.Retry(patientID)
	record, err := d.store.Get(ctx, patientID)
	switch {
	case services.IsBenign(err):
		if !sessionFound {
			return false, false, fmt.Errorf("retry %q: %w", patientID, procs.ErrNotFound)
		}
		return true, false, nil
	case err != nil:
		return sessionFound, false, err
	}
	if record.Status != procs.StatusFailed {
		return sessionFound, false, nil
	}
	if err := d.store.SetState(ctx, patientID, procs.StatusPending, procs.PercentIdle); err != nil {
		return sessionFound, false, err
	}
	if err := d.store.ResetAttempts(ctx, patientID); err != nil {
		return sessionFound, true, err
	}
	d.logger.Info("patient requeued",
		logging.Patient(patientID),
		logging.Bool("session_found", sessionFound),
	)
	return sessionFound, true, nil
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	stats, err := d.store.Stats(ctx)
	if err != nil {
		d.logger.Debug("proc stats failed", logging.Error(err))
	}
	d.stateMu.RLock()
	checks := append([]preflight.Result(nil), d.preflight...)
	startedAt := d.startedAt
	d.stateMu.RUnlock()
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		RunID:        d.runID,
		StartedAt:    startedAt,
		DatabasePath: d.store.Path(),
		LockFilePath: d.lockPath,
		ArchiveDir:   d.archives.Dir(),
		Endpoint:     d.endpoint,
		Monitor:      d.monitor.Status(),
		Dispatch:     d.dispatcher.Counters(),
		Intake:       d.pipeline.Counters(),
		ProcStats:    stats,
		Preflight:    checks,
	}
}

// runContext returns the daemon's context while running so work outlives a
// disconnected HTTP client; otherwise ctx.
func (d *Daemon) runContext(ctx context.Context) context.Context {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	if d.ctx != nil {
		return d.ctx
	}
	return ctx
}
