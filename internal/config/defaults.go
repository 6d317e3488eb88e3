package config

// Default values for configuration options, the "layer 0" of the
// defaults -> config file -> env -> CLI override chain. Chosen to match
// the IPC config table's defaults.
const (
	defaultMaxWorkers            = 8
	defaultMaxTransfers          = 4
	defaultMaxAttempts           = 8
	defaultReconcileIntervalSec  = 30
	defaultCacheSizeBytes        = "10GiB"
	defaultAsyncOperationMaxWait = "10m"
	defaultShutdownGrace         = "10s"
	defaultConnectTimeout        = "10s"
	defaultDataTimeout           = "60s"
	defaultLogLevel              = "info"
	defaultLogFormat             = "auto"
	defaultBandwidthLimit        = "0"
)

// DefaultConfig returns a Config populated with every default value. It is
// both the starting point for TOML decoding (so unset fields keep sensible
// values) and the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxWorkers:            defaultMaxWorkers,
			MaxTransfers:          defaultMaxTransfers,
			MaxAttempts:           defaultMaxAttempts,
			ReconcileIntervalSec:  defaultReconcileIntervalSec,
			CacheSizeBytes:        defaultCacheSizeBytes,
			AsyncOperationMaxWait: defaultAsyncOperationMaxWait,
			ShutdownGrace:         defaultShutdownGrace,
		},
		Sync: SyncConfig{
			SyncDir: DefaultSyncDir(),
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
		},
		Logging: LoggingConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Bandwidth: BandwidthConfig{
			LimitBytesPerSec: defaultBandwidthLimit,
		},
		IPC: IPCConfig{
			SocketPath: DefaultSocketPath(),
		},
	}
}
