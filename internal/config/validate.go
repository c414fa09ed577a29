package config

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateUpload(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateIntake(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateUpload() error {
	if c.Upload.TechnicianEmail == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/radiolink/config.toml"
		}
		return fmt.Errorf("upload.technician_email is required. Set RADIOLINK_TECHNICIAN_EMAIL or edit %s (create with 'radiolink config init')", defaultPath)
	}
	if _, err := mail.ParseAddress(c.Upload.TechnicianEmail); err != nil {
		return fmt.Errorf("upload.technician_email %q is not a valid address", c.Upload.TechnicianEmail)
	}
	parsed, err := url.Parse(c.Upload.Endpoint)
	if err != nil {
		return fmt.Errorf("upload.endpoint: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("upload.endpoint must use http or https, got %q", c.Upload.Endpoint)
	}
	if parsed.Host == "" {
		return fmt.Errorf("upload.endpoint must include a host, got %q", c.Upload.Endpoint)
	}
	if c.Upload.RatePerMinute < 0 {
		return errors.New("upload.rate_per_minute must be >= 0")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.DispatchWorkers > 64 {
		return errors.New("workflow.dispatch_workers must be <= 64")
	}
	if c.Workflow.MaxAttempts < 0 {
		return errors.New("workflow.max_attempts must be >= 0")
	}
	return nil
}

func (c *Config) validateIntake() error {
	if len(c.Intake.AETitle) > 16 {
		return fmt.Errorf("intake.ae_title must be at most 16 characters, got %q", c.Intake.AETitle)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}
