package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nordkyrie/yadisksync/internal/config"
)

// newSyncCmd builds the "sync" subcommand, which signals a running daemon
// to reconcile immediately rather than waiting for its periodic schedule.
// Unlike the other control subcommands it talks to the daemon via SIGHUP
// and its PID file, not the IPC socket, since it's a fire-and-forget signal
// rather than a request/response call.
func newSyncCmd() *cobra.Command {
	var pidPath string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Ask a running daemon to reconcile immediately",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			path := pidPath
			if path == "" {
				path = filepath.Join(config.DefaultDataDir(), "yadisyncd.pid")
			}

			return sendSIGHUP(path)
		},
	}

	cmd.Flags().StringVar(&pidPath, "pid-file", "", "PID file path (defaults under the data dir)")

	return cmd
}
