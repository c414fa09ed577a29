package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	StagingDir string `toml:"staging_dir"`
	ArchiveDir string `toml:"archive_dir"`
	LogDir     string `toml:"log_dir"`
	APIBind    string `toml:"api_bind"`
}

// Upload contains configuration for the remote endpoint that receives archives.
type Upload struct {
	Endpoint        string `toml:"endpoint"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	TechnicianEmail string `toml:"technician_email"`
	RatePerMinute   int    `toml:"rate_per_minute"`
	UserAgent       string `toml:"user_agent"`
}

// Workflow contains configuration for the quiescence monitor and dispatcher.
type Workflow struct {
	// PollInterval is the number of seconds between monitor ticks.
	PollInterval int `toml:"poll_interval"`
	// IdleThreshold is the number of seconds a patient must go without a new
	// file before its archive is uploaded.
	IdleThreshold   int `toml:"idle_threshold"`
	DispatchWorkers int `toml:"dispatch_workers"`
	// MaxAttempts caps failed dispatches per patient. Zero keeps retrying forever.
	MaxAttempts   int `toml:"max_attempts"`
	ShutdownGrace int `toml:"shutdown_grace"`
}

// Intake contains configuration for the inbound file path.
type Intake struct {
	AETitle        string `toml:"ae_title"`
	MaxFileMB      int    `toml:"max_file_mb"`
	IdempotencyTTL int    `toml:"idempotency_ttl"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for Radiolink.
//
// Configuration sections by subsystem:
//   - Paths: staging/archive/log directories and API bind address
//   - Upload: remote endpoint, timeout, and technician identity
//   - Workflow: monitor polling, idle threshold, and retry cap
//   - Intake: inbound limits and idempotency window
//   - Logging: log format, level, and retention
type Config struct {
	Paths    Paths    `toml:"paths"`
	Upload   Upload   `toml:"upload"`
	Workflow Workflow `toml:"workflow"`
	Intake   Intake   `toml:"intake"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/radiolink/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("radiolink.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StagingDir, c.Paths.ArchiveDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the location of the status database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.LogDir, "radiolink.db")
}

// PollInterval returns the monitor tick interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Workflow.PollInterval) * time.Second
}

// IdleThreshold returns how long a patient must be quiet before upload.
func (c *Config) IdleThreshold() time.Duration {
	return time.Duration(c.Workflow.IdleThreshold) * time.Second
}

// UploadTimeout returns the per-request upload timeout.
func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.Upload.TimeoutSeconds) * time.Second
}

// ShutdownGrace returns how long shutdown waits for in-flight dispatches.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Workflow.ShutdownGrace) * time.Second
}

// IdempotencyTTL returns how long ingest idempotency keys are remembered.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.Intake.IdempotencyTTL) * time.Second
}

// MaxFileBytes returns the largest accepted inbound file in bytes.
func (c *Config) MaxFileBytes() int64 {
	return int64(c.Intake.MaxFileMB) << 20
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
