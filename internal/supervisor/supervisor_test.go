package supervisor

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpcenter/mcpcenter/internal/layout"
)

func TestRun_StartsAndCleansUpOnCancel(t *testing.T) {
	root := t.TempDir()
	lay := &layout.Layout{Root: root}

	sup := New(lay, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan ExitCode, 1)
	go func() { done <- sup.Run(ctx) }()

	// Wait for the pid file to appear, meaning the pid lock was acquired.
	pidPath := lay.PidFilePath()
	require.Eventually(t, func() bool {
		_, err := os.Stat(pidPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	raw, err := os.ReadFile(pidPath)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.Eventually(t, func() bool {
		_, err := os.Stat(lay.ControlSocketPath())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case code := <-done:
		assert.Equal(t, ExitClean, code)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	_, err = os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err), "pid file should be removed on clean shutdown")
	_, err = os.Stat(lay.ControlSocketPath())
	assert.True(t, os.IsNotExist(err), "control socket should be removed on clean shutdown")
}

func TestRun_RefusesSecondInstance(t *testing.T) {
	root := t.TempDir()
	lay := &layout.Layout{Root: root}

	first := New(lay, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan ExitCode, 1)
	go func() { done <- first.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(lay.PidFilePath())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	second := New(lay, zerolog.Nop())
	code := second.Run(context.Background())
	assert.Equal(t, ExitStartupFailure, code)

	cancel()
	<-done
}

func TestRun_ControlSocketAcceptsBridgeHandshake(t *testing.T) {
	root := t.TempDir()
	lay := &layout.Layout{Root: root}
	sup := New(lay, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan ExitCode, 1)
	go func() { done <- sup.Run(ctx) }()

	socketPath := lay.ControlSocketPath()
	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	hello := map[string]any{
		"type":        "BridgeHello",
		"projectPath": filepath.Join(root, "proj"),
		"bridgePid":   os.Getpid(),
	}
	raw, err := json.Marshal(hello)
	require.NoError(t, err)
	require.NoError(t, binary.Write(conn, binary.BigEndian, uint32(len(raw))))
	_, err = conn.Write(raw)
	require.NoError(t, err)

	var length uint32
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, binary.Read(conn, binary.BigEndian, &length))
	buf := make([]byte, length)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf, &m))
	assert.Equal(t, "BridgeReady", m["type"])

	cancel()
	<-done
}
