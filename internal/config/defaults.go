package config

const (
	defaultStagingDir           = "~/.local/share/radiolink/incoming"
	defaultArchiveDir           = "~/.local/share/radiolink/archives"
	defaultLogDir               = "~/.local/share/radiolink/logs"
	defaultAPIBind              = "127.0.0.1:7488"
	defaultUploadEndpoint       = "http://localhost:8000/upload"
	defaultUploadTimeoutSeconds = 600
	defaultUserAgent            = "Radiolink/dev"
	defaultPollInterval         = 60
	defaultIdleThreshold        = 60
	defaultDispatchWorkers      = 2
	defaultShutdownGrace        = 30
	defaultAETitle              = "RADIOLINK"
	defaultMaxFileMB            = 512
	defaultIdempotencyTTL       = 600
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultLogRetentionDays     = 30
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir: defaultStagingDir,
			ArchiveDir: defaultArchiveDir,
			LogDir:     defaultLogDir,
			APIBind:    defaultAPIBind,
		},
		Upload: Upload{
			Endpoint:       defaultUploadEndpoint,
			TimeoutSeconds: defaultUploadTimeoutSeconds,
			UserAgent:      defaultUserAgent,
		},
		Workflow: Workflow{
			PollInterval:    defaultPollInterval,
			IdleThreshold:   defaultIdleThreshold,
			DispatchWorkers: defaultDispatchWorkers,
			ShutdownGrace:   defaultShutdownGrace,
		},
		Intake: Intake{
			AETitle:        defaultAETitle,
			MaxFileMB:      defaultMaxFileMB,
			IdempotencyTTL: defaultIdempotencyTTL,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
