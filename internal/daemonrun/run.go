// Package daemonrun hosts the process-level runtime of the radiolink daemon:
// signal handling, per-run log files, the PID file, and bounded shutdown.
package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"radiolink/internal/config"
	"radiolink/internal/daemon"
	"radiolink/internal/logging"
	"radiolink/internal/procs"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the radiolink daemon and blocks until ctx is cancelled or the
// process receives SIGINT/SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("radiolink-%s.log", runID))

	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update radiolink.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "radiolink-*.log", Exclude: []string{logPath}},
	)
	pidPath := PIDPath(cfg)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	logConfigSnapshot(logger, cfg, runID)

	store, err := procs.Open(cfg)
	if err != nil {
		logger.Error("open status store", logging.Error(err))
		return err
	}

	d, err := daemon.New(cfg, store, logger, daemon.WithRunID(runID))
	if err != nil {
		store.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check for another running instance and the api_bind address"),
			logging.String(logging.FieldImpact, "no files are received or uploaded"),
		)
		return err
	}

	<-signalCtx.Done()
	logger.Info("radiolink daemon shutting down", logging.Duration("grace", cfg.ShutdownGrace()))
	if !d.Shutdown(cfg.ShutdownGrace()) {
		logging.WarnWithContext(logger, "shutdown grace period elapsed", "shutdown_timeout",
			logging.String(logging.FieldImpact, "uploads still running were cancelled and left pending"),
		)
	}
	return nil
}

// PIDPath returns the location of the daemon PID file.
func PIDPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.LogDir, "radiolink.pid")
}

// ReadPID returns the PID recorded by a running daemon.
func ReadPID(cfg *config.Config) (int, error) {
	data, err := os.ReadFile(PIDPath(cfg))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(string(trimNewline(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file: %w", err)
	}
	return pid, nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "radiolink.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}

func logConfigSnapshot(logger *slog.Logger, cfg *config.Config, runID string) {
	logger.Info("configuration snapshot",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.String("run_id", runID),
		logging.String("staging_dir", cfg.Paths.StagingDir),
		logging.String("archive_dir", cfg.Paths.ArchiveDir),
		logging.String("api_bind", cfg.Paths.APIBind),
		logging.String("endpoint", cfg.Upload.Endpoint),
		logging.Duration("poll_interval", cfg.PollInterval()),
		logging.Duration("idle_threshold", cfg.IdleThreshold()),
		logging.Int("dispatch_workers", cfg.Workflow.DispatchWorkers),
		logging.Int("max_attempts", cfg.Workflow.MaxAttempts),
		logging.String("ae_title", cfg.Intake.AETitle),
	)
}
