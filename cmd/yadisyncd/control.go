package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nordkyrie/yadisksync/internal/ipc"
)

// dialControlSocket resolves the effective config and connects to the
// running daemon's control socket.
func dialControlSocket(cmd *cobra.Command) (*ipc.Client, error) {
	logger := buildLogger()

	resolved, err := resolveConfig(cmd, logger)
	if err != nil {
		return nil, err
	}

	client, err := ipc.Dial(cmd.Context(), resolved.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon at %s (is it running?): %w", resolved.SocketPath, err)
	}

	return client, nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <path>",
		Short: "Show the sync state of a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialControlSocket(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			state, err := client.GetState(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), state)

			return nil
		},
	}
}

func newPinCmd() *cobra.Command {
	var unpin bool

	cmd := &cobra.Command{
		Use:   "pin <path>",
		Short: "Pin a path so it is never evicted from the local cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialControlSocket(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			return client.Pin(cmd.Context(), args[0], !unpin)
		},
	}

	cmd.Flags().BoolVar(&unpin, "unpin", false, "clear the pin instead of setting it")

	return cmd
}

func newEvictCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evict <path>",
		Short: "Remove a path's cached bytes, keeping it cloud-only",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialControlSocket(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			return client.Evict(cmd.Context(), args[0])
		},
	}
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <path>",
		Short: "Requeue the most recently failed operation on a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialControlSocket(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			return client.Retry(cmd.Context(), args[0])
		},
	}
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <path>",
		Short: "Force an immediate keep-both resolution of a conflicted path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialControlSocket(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			return client.Resolve(cmd.Context(), args[0])
		},
	}
}

func newConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List unresolved sync conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := dialControlSocket(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			conflicts, err := client.ListConflicts(cmd.Context())
			if err != nil {
				return err
			}

			if len(conflicts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no conflicts")
				return nil
			}

			for _, c := range conflicts {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  (%s)  copy at %s  %s\n",
					c.ID, c.Path, c.Reason, c.RenamedLocal,
					humanize.Time(time.Unix(c.Created, 0)),
				)
			}

			return nil
		},
	}
}
