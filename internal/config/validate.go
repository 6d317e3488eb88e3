package config

import "fmt"

// Validate sanity-checks a Resolved configuration before it is handed to
// the engine and its collaborators.
func Validate(r *Resolved) error {
	if r.MaxWorkers <= 0 {
		return fmt.Errorf("config: max_workers must be positive, got %d", r.MaxWorkers)
	}

	if r.MaxTransfers <= 0 {
		return fmt.Errorf("config: max_transfers must be positive, got %d", r.MaxTransfers)
	}

	if r.MaxAttempts <= 0 {
		return fmt.Errorf("config: max_attempts must be positive, got %d", r.MaxAttempts)
	}

	if r.ReconcileInterval <= 0 {
		return fmt.Errorf("config: reconcile_interval_sec must be positive, got %s", r.ReconcileInterval)
	}

	if r.CacheSizeBytes < 0 {
		return fmt.Errorf("config: cache_size_bytes must be non-negative")
	}

	if r.AsyncOperationMaxWait <= 0 {
		return fmt.Errorf("config: async_operation_max_wait must be positive, got %s", r.AsyncOperationMaxWait)
	}

	if r.ShutdownGrace <= 0 {
		return fmt.Errorf("config: shutdown_grace must be positive, got %s", r.ShutdownGrace)
	}

	if r.ConnectTimeout <= 0 {
		return fmt.Errorf("config: connect_timeout must be positive, got %s", r.ConnectTimeout)
	}

	if r.DataTimeout <= 0 {
		return fmt.Errorf("config: data_timeout must be positive, got %s", r.DataTimeout)
	}

	if r.SyncDir == "" {
		return fmt.Errorf("config: sync dir must not be empty")
	}

	if r.BandwidthLimitBytesPerSec < 0 {
		return fmt.Errorf("config: bandwidth limit must be non-negative")
	}

	switch r.LogFormat {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("config: log format %q: must be one of auto, text, json", r.LogFormat)
	}

	if r.SocketPath == "" {
		return fmt.Errorf("config: ipc socket path must not be empty")
	}

	return nil
}
