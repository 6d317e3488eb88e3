package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nordkyrie/yadisksync/internal/auth"
	"github.com/nordkyrie/yadisksync/internal/config"
	"github.com/nordkyrie/yadisksync/internal/conflictresolve"
	"github.com/nordkyrie/yadisksync/internal/engine"
	"github.com/nordkyrie/yadisksync/internal/ipc"
	"github.com/nordkyrie/yadisksync/internal/notifier"
	"github.com/nordkyrie/yadisksync/internal/opsqueue"
	"github.com/nordkyrie/yadisksync/internal/reconciler"
	"github.com/nordkyrie/yadisksync/internal/store"
	"github.com/nordkyrie/yadisksync/internal/transfer"
	"github.com/nordkyrie/yadisksync/internal/watcher"
	"github.com/nordkyrie/yadisksync/internal/yadisk"
)

// envClientID/envClientSecret name the environment variables holding the
// registered OAuth application's credentials.
const (
	envClientID     = "YADISYNCD_CLIENT_ID"
	envClientSecret = "YADISYNCD_CLIENT_SECRET"
)

func newRunCmd() *cobra.Command {
	var pidPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd, pidPath)
		},
	}

	cmd.Flags().StringVar(&pidPath, "pid-file", "", "PID file path (defaults under the data dir)")

	return cmd
}

func runDaemon(cmd *cobra.Command, pidPath string) error {
	bootstrapLogger := buildLogger()

	resolved, err := resolveConfig(cmd, bootstrapLogger)
	if err != nil {
		return err
	}

	logger := newLogger(resolved.LogLevel, resolved.LogFormat)

	if pidPath == "" {
		pidPath = filepath.Join(config.DefaultDataDir(), "yadisyncd.pid")
	}

	cleanup, err := writePIDFile(pidPath)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(context.Background(), logger)

	if err := os.MkdirAll(resolved.SyncDir, 0o755); err != nil {
		return fmt.Errorf("creating sync dir: %w", err)
	}

	s, err := store.Open(config.DefaultIndexPath(), logger)
	if err != nil {
		return fmt.Errorf("opening index: %w", err)
	}
	defer s.Close()

	queue := opsqueue.New(s, opsqueue.DefaultMaxOpDuration)

	tokens, err := auth.NewProvider(ctx, os.Getenv(envClientID), os.Getenv(envClientSecret), config.DefaultConfigDir()+"/token.json", logger)
	if err != nil {
		return fmt.Errorf("loading credentials (run `yadisyncd login` first): %w", err)
	}

	restClient := yadisk.New(yadisk.DefaultBaseURL, &http.Client{Timeout: resolved.DataTimeout}, tokens, "yadisyncd/"+version)

	transferClient := transfer.New(restClient, int64(resolved.MaxTransfers))
	transferClient = transferClient.WithBandwidthLimiter(transfer.NewBandwidthLimiter(resolved.BandwidthLimitBytesPerSec, logger))

	resolver := conflictresolve.New(s, queue, resolved.SyncDir)
	rec := reconciler.New(restClient, s, queue, resolved.SyncDir, logger)
	n := notifier.New(logger)

	eng := engine.New(s, queue, restClient, tokens, transferClient, resolver, rec, n, resolved.SyncDir, logger, engine.Config{
		MaxWorkers:          resolved.MaxWorkers,
		MaxAttempts:         resolved.MaxAttempts,
		ReconcileInterval:   resolved.ReconcileInterval,
		CacheSizeBytes:      resolved.CacheSizeBytes,
		DisableLocalWatcher: resolved.DisableLocalWatcher,
		AsyncPollMaxWait:    resolved.AsyncOperationMaxWait,
		ShutdownGrace:       resolved.ShutdownGrace,
	})

	var w *watcher.Watcher
	if !resolved.DisableLocalWatcher {
		w = watcher.New(resolved.SyncDir, s, queue, eng, logger)
	}

	ipcServer := ipc.New(eng, n, resolved.SocketPath, logger)

	handleReconcileSignal(ctx, eng, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return eng.Run(gctx) })

	if w != nil {
		g.Go(func() error { return w.Run(gctx) })
	}

	g.Go(func() error { return ipcServer.Serve(gctx) })

	logger.Info("yadisyncd started",
		slog.String("sync_dir", resolved.SyncDir),
		slog.String("socket", resolved.SocketPath),
	)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	return nil
}
