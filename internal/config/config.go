// Package config implements TOML configuration loading, default
// resolution, and platform-specific path helpers for the sync daemon.
package config

// Config is the top-level configuration structure as parsed from TOML.
// Every field is a string or a plain scalar so the file format stays
// human-editable; Resolve converts it into typed durations/byte counts.
type Config struct {
	Engine    EngineConfig    `toml:"engine"`
	Sync      SyncConfig      `toml:"sync"`
	Network   NetworkConfig   `toml:"network"`
	Logging   LoggingConfig   `toml:"logging"`
	Bandwidth BandwidthConfig `toml:"bandwidth"`
	IPC       IPCConfig       `toml:"ipc"`
}

// EngineConfig controls the dispatcher's concurrency and retry behavior,
// mirroring the IPC config table.
type EngineConfig struct {
	MaxWorkers            int    `toml:"max_workers"`
	MaxTransfers          int    `toml:"max_transfers"`
	MaxAttempts           int    `toml:"max_attempts"`
	ReconcileIntervalSec  int    `toml:"reconcile_interval_sec"`
	CacheSizeBytes        string `toml:"cache_size_bytes"`
	DisableLocalWatcher   bool   `toml:"disable_local_watcher"`
	AsyncOperationMaxWait string `toml:"async_operation_max_wait"`
	ShutdownGrace         string `toml:"shutdown_grace"`
}

// SyncConfig controls where the synced tree lives on disk.
type SyncConfig struct {
	SyncDir string `toml:"sync_dir"`
}

// NetworkConfig controls the HTTP client's timeouts.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// BandwidthConfig caps transfer throughput; empty or "0" means unlimited.
// This is a supplement beyond the distilled spec, grounded on the original
// bandwidth-shaping feature.
type BandwidthConfig struct {
	LimitBytesPerSec string `toml:"limit_bytes_per_sec"`
}

// IPCConfig controls the control-socket endpoint exposed to CLI subcommands.
type IPCConfig struct {
	SocketPath string `toml:"socket_path"`
}
