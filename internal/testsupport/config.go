package testsupport

import (
	"path/filepath"
	"testing"

	"radiolink/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StagingDir = filepath.Join(base, "incoming")
	cfgVal.Paths.ArchiveDir = filepath.Join(base, "archives")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Upload.TechnicianEmail = "tech@example.com"
	cfgVal.Upload.Endpoint = "http://127.0.0.1:1/upload"
	cfgVal.Upload.TimeoutSeconds = 5
	cfgVal.Workflow.PollInterval = 1
	cfgVal.Workflow.IdleThreshold = 1

	builder := &configBuilder{t: t, baseDir: base, cfg: &cfgVal}
	for _, opt := range opts {
		opt(builder)
	}
	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithEndpoint points uploads at the given URL (usually an httptest server).
func WithEndpoint(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Upload.Endpoint = url
	}
}

// WithMaxAttempts sets the retry cap for failed dispatches.
func WithMaxAttempts(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workflow.MaxAttempts = n
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StagingDir)
}
