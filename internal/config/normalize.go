package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeUpload()
	c.normalizeWorkflow()
	c.normalizeIntake()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StagingDir) == "" {
		c.Paths.StagingDir = defaultStagingDir
	}
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("paths.staging_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.ArchiveDir) == "" {
		c.Paths.ArchiveDir = defaultArchiveDir
	}
	if c.Paths.ArchiveDir, err = expandPath(c.Paths.ArchiveDir); err != nil {
		return fmt.Errorf("paths.archive_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizeUpload() {
	if value, ok := os.LookupEnv("RADIOLINK_UPLOAD_ENDPOINT"); ok && strings.TrimSpace(value) != "" {
		c.Upload.Endpoint = value
	}
	c.Upload.Endpoint = strings.TrimSpace(c.Upload.Endpoint)
	if c.Upload.Endpoint == "" {
		c.Upload.Endpoint = defaultUploadEndpoint
	}
	if c.Upload.TechnicianEmail == "" {
		if value, ok := os.LookupEnv("RADIOLINK_TECHNICIAN_EMAIL"); ok {
			c.Upload.TechnicianEmail = value
		}
	}
	c.Upload.TechnicianEmail = strings.TrimSpace(c.Upload.TechnicianEmail)
	if c.Upload.TimeoutSeconds <= 0 {
		c.Upload.TimeoutSeconds = defaultUploadTimeoutSeconds
	}
	c.Upload.UserAgent = strings.TrimSpace(c.Upload.UserAgent)
	if c.Upload.UserAgent == "" {
		c.Upload.UserAgent = defaultUserAgent
	}
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.PollInterval <= 0 {
		c.Workflow.PollInterval = defaultPollInterval
	}
	if c.Workflow.IdleThreshold <= 0 {
		c.Workflow.IdleThreshold = defaultIdleThreshold
	}
	if c.Workflow.DispatchWorkers <= 0 {
		c.Workflow.DispatchWorkers = defaultDispatchWorkers
	}
	if c.Workflow.ShutdownGrace <= 0 {
		c.Workflow.ShutdownGrace = defaultShutdownGrace
	}
}

func (c *Config) normalizeIntake() {
	c.Intake.AETitle = strings.ToUpper(strings.TrimSpace(c.Intake.AETitle))
	if c.Intake.AETitle == "" {
		c.Intake.AETitle = defaultAETitle
	}
	if c.Intake.MaxFileMB <= 0 {
		c.Intake.MaxFileMB = defaultMaxFileMB
	}
	if c.Intake.IdempotencyTTL <= 0 {
		c.Intake.IdempotencyTTL = defaultIdempotencyTTL
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
