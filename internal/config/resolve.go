package config

import (
	"fmt"
	"log/slog"
	"time"
)

// Resolved is the fully-typed, override-applied configuration the daemon
// actually runs with: defaults -> config file -> environment -> CLI flags.
type Resolved struct {
	MaxWorkers            int
	MaxTransfers          int
	MaxAttempts           int
	ReconcileInterval     time.Duration
	CacheSizeBytes        int64
	DisableLocalWatcher   bool
	AsyncOperationMaxWait time.Duration
	ShutdownGrace         time.Duration

	SyncDir string

	ConnectTimeout time.Duration
	DataTimeout    time.Duration

	LogLevel  slog.Level
	LogFormat string
	LogFile   string

	BandwidthLimitBytesPerSec int64

	SocketPath string
}

// Resolve applies the environment and CLI override layers on top of an
// already-loaded Config and converts every string field to its typed form.
func Resolve(cfg *Config, env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cacheSize, err := parseSize(cfg.Engine.CacheSizeBytes)
	if err != nil {
		return nil, err
	}

	bandwidthLimit, err := parseSize(cfg.Bandwidth.LimitBytesPerSec)
	if err != nil {
		return nil, err
	}

	asyncWait, err := time.ParseDuration(cfg.Engine.AsyncOperationMaxWait)
	if err != nil {
		return nil, fmt.Errorf("config: async_operation_max_wait: %w", err)
	}

	shutdownGrace, err := time.ParseDuration(cfg.Engine.ShutdownGrace)
	if err != nil {
		return nil, fmt.Errorf("config: shutdown_grace: %w", err)
	}

	connectTimeout, err := time.ParseDuration(cfg.Network.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("config: connect_timeout: %w", err)
	}

	dataTimeout, err := time.ParseDuration(cfg.Network.DataTimeout)
	if err != nil {
		return nil, fmt.Errorf("config: data_timeout: %w", err)
	}

	level, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	syncDir := cfg.Sync.SyncDir
	if env.SyncDir != "" {
		syncDir = env.SyncDir
	}

	if cli.SyncDir != "" {
		syncDir = cli.SyncDir
	}

	disableWatcher := cfg.Engine.DisableLocalWatcher
	if cli.DisableLocalWatcher != nil {
		disableWatcher = *cli.DisableLocalWatcher
	}

	r := &Resolved{
		MaxWorkers:                cfg.Engine.MaxWorkers,
		MaxTransfers:              cfg.Engine.MaxTransfers,
		MaxAttempts:               cfg.Engine.MaxAttempts,
		ReconcileInterval:         time.Duration(cfg.Engine.ReconcileIntervalSec) * time.Second,
		CacheSizeBytes:            cacheSize,
		DisableLocalWatcher:       disableWatcher,
		AsyncOperationMaxWait:     asyncWait,
		ShutdownGrace:             shutdownGrace,
		SyncDir:                   syncDir,
		ConnectTimeout:            connectTimeout,
		DataTimeout:               dataTimeout,
		LogLevel:                  level,
		LogFormat:                 cfg.Logging.Format,
		LogFile:                   cfg.Logging.File,
		BandwidthLimitBytesPerSec: bandwidthLimit,
		SocketPath:                cfg.IPC.SocketPath,
	}

	if err := Validate(r); err != nil {
		return nil, err
	}

	return r, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("config: log level %q: must be one of debug, info, warn, error", s)
	}
}
