package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncCLI_SignalsRunningDaemon(t *testing.T) {
	// Not parallel: sends a real SIGHUP to the process, same hazard noted
	// in signal_test.go.
	resetFlags()
	t.Cleanup(resetFlags)

	path := filepath.Join(t.TempDir(), "daemon.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	cmd := newRootCmd()
	cmd.SetArgs([]string{"sync", "--pid-file", path})
	require.NoError(t, cmd.Execute())

	select {
	case sig := <-sigCh:
		assert.Equal(t, syscall.SIGHUP, sig)
	case <-time.After(2 * time.Second):
		t.Fatal("SIGHUP not delivered within 2 seconds")
	}
}

func TestSyncCLI_NoRunningDaemon(t *testing.T) {
	resetFlags()
	t.Cleanup(resetFlags)

	cmd := newRootCmd()
	cmd.SetArgs([]string{"sync", "--pid-file", filepath.Join(t.TempDir(), "nonexistent.pid")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no running daemon")
}
