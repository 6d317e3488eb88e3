package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig  = "YADISYNCD_CONFIG"
	EnvSyncDir = "YADISYNCD_SYNC_DIR"
	EnvToken   = "YADISYNCD_TOKEN"
)

// EnvOverrides holds values read from the environment.
type EnvOverrides struct {
	ConfigPath string
	SyncDir    string
	Token      string
}

// ReadEnvOverrides reads the override environment variables.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		SyncDir:    os.Getenv(EnvSyncDir),
		Token:      os.Getenv(EnvToken),
	}
}

// CLIOverrides holds values parsed from command-line flags; a nil pointer
// means "flag not set", distinct from an explicit zero value.
type CLIOverrides struct {
	ConfigPath          string
	SyncDir             string
	DisableLocalWatcher *bool
}

// ResolveConfigPath determines the config file path using the three-layer
// priority CLI flag > environment variable > platform default.
func ResolveConfigPath(env EnvOverrides, cli CLIOverrides) string {
	if cli.ConfigPath != "" {
		return cli.ConfigPath
	}

	if env.ConfigPath != "" {
		return env.ConfigPath
	}

	return DefaultConfigPath()
}
