package layout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ExplicitRoot(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, l.Root)
}

func TestNew_EnvFallback(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MCP_CENTER_ROOT", dir)
	l, err := New("")
	require.NoError(t, err)
	assert.Equal(t, dir, l.Root)
}

func TestPaths(t *testing.T) {
	l := &Layout{Root: "/tmp/root"}
	assert.Equal(t, filepath.Join("/tmp/root", "config", "servers"), l.ServersDir())
	assert.Equal(t, filepath.Join("/tmp/root", "projects"), l.ProjectsDir())
	assert.Equal(t, filepath.Join("/tmp/root", "logs", "abc123.log"), l.BackendLogPath("abc123"))
	assert.Equal(t, filepath.Join("/tmp/root", "mcp-center.pid"), l.PidFilePath())
}

func TestEnsureDirs(t *testing.T) {
	l := &Layout{Root: t.TempDir()}
	require.NoError(t, l.EnsureDirs())
	for _, dir := range []string{l.ConfigDir(), l.ServersDir(), l.ProjectsDir(), l.LogsDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "file.toml")

	require.NoError(t, AtomicWrite(path, []byte("a=1\n")))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a=1\n", string(got))

	// Second write replaces atomically; old content never observed half-written.
	require.NoError(t, AtomicWrite(path, []byte("a=2\n")))
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a=2\n", string(got))

	entries, err := os.ReadDir(filepath.Join(dir, "sub"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no leftover temp files")
}

func TestListServerConfigFiles_MissingDir(t *testing.T) {
	l := &Layout{Root: t.TempDir()}
	files, err := l.ListServerConfigFiles()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestListServerConfigFiles_IgnoresNonTOML(t *testing.T) {
	l := &Layout{Root: t.TempDir()}
	require.NoError(t, l.EnsureDirs())
	require.NoError(t, os.WriteFile(filepath.Join(l.ServersDir(), "a.toml"), []byte(""), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(l.ServersDir(), "b.json"), []byte(""), 0o644))

	files, err := l.ListServerConfigFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Contains(t, files[0], "a.toml")
}
