package ipc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListen_CreatesSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.sock")

	l, err := Listen(path)
	require.NoError(t, err)
	defer l.Close()

	require.FileExists(t, path)
}

func TestListen_RemovesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.sock")

	first, err := Listen(path)
	require.NoError(t, err)
	first.Close()

	// Close unlinks the socket file, so leave a stale file at the path the
	// way a crashed daemon would; a second Listen at the same path must not
	// fail with "address already in use".
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	second, err := Listen(path)
	require.NoError(t, err)
	defer second.Close()
}
