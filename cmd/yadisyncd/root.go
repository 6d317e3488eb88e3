package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/nordkyrie/yadisksync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath     string
	flagSyncDir        string
	flagDisableWatcher bool
	flagVerbose        bool
	flagQuiet          bool
)

// newRootCmd builds the fully-assembled root command with every subcommand
// registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "yadisyncd",
		Short:         "Cloud sync daemon and control CLI",
		Long:          "A background sync daemon mirroring a remote object store to a local cache directory, plus a control CLI for it.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagSyncDir, "sync-dir", "", "override the synced directory")
	cmd.PersistentFlags().BoolVar(&flagDisableWatcher, "disable-local-watcher", false, "run one-way cloud to local only")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "only log warnings and errors")

	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newPinCmd())
	cmd.AddCommand(newEvictCmd())
	cmd.AddCommand(newRetryCmd())
	cmd.AddCommand(newConflictsCmd())
	cmd.AddCommand(newResolveCmd())
	cmd.AddCommand(newSyncCmd())

	return cmd
}

// resolveConfig applies the env/CLI override chain on top of the loaded
// config file, exactly as the daemon itself does, so CLI subcommands agree
// with the running daemon on socket path and sync dir.
func resolveConfig(cmd *cobra.Command, logger *slog.Logger) (*config.Resolved, error) {
	env := config.ReadEnvOverrides()

	cli := config.CLIOverrides{ConfigPath: flagConfigPath, SyncDir: flagSyncDir}
	if cmd.Flags().Changed("disable-local-watcher") {
		v := flagDisableWatcher
		cli.DisableLocalWatcher = &v
	}

	path := config.ResolveConfigPath(env, cli)

	cfg, err := config.LoadOrDefault(path, logger)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return config.Resolve(cfg, env, cli)
}

// buildLogger returns an slog.Logger whose level follows --verbose/--quiet,
// falling back to info, before any config file has been resolved.
func buildLogger() *slog.Logger {
	return newLogger(slog.LevelInfo, "auto")
}

// newLogger builds the final logger once a Resolved config is available,
// honoring its log level/format alongside the CLI overrides (CLI wins).
func newLogger(configuredLevel slog.Level, format string) *slog.Logger {
	level := configuredLevel

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{Level: level}

	useJSON := format == "json"
	if format == "auto" {
		useJSON = !isatty.IsTerminal(os.Stderr.Fd())
	}

	if useJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
