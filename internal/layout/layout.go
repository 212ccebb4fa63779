// Package layout resolves the on-disk directory tree mcp-center uses for
// its configuration, project policy, logs, sockets, and pid file.
package layout

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"

	"github.com/mcpcenter/mcpcenter/internal/errs"
)

// envConfig is parsed with caarlos0/env so MCP_CENTER_ROOT overrides the
// default root when no --root flag was given.
type envConfig struct {
	Root string `env:"MCP_CENTER_ROOT"`
}

// Layout is the resolved set of paths under one root.
type Layout struct {
	Root string
}

// New resolves a Layout. An explicit root (e.g. from a --root flag) wins;
// otherwise MCP_CENTER_ROOT is consulted; otherwise a per-user default.
func New(explicitRoot string) (*Layout, error) {
	root := explicitRoot
	if root == "" {
		var cfg envConfig
		if err := env.Parse(&cfg); err != nil {
			return nil, errs.Wrap(errs.ErrInternal, "parsing environment", err)
		}
		root = cfg.Root
	}
	if root == "" {
		dir, err := defaultRoot()
		if err != nil {
			return nil, errs.Wrap(errs.ErrInternal, "resolving default root", err)
		}
		root = dir
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errs.Wrap(errs.ErrInternal, "resolving root path", err)
	}
	return &Layout{Root: abs}, nil
}

func defaultRoot() (string, error) {
	base, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	name := ".mcp-center"
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "mcp-center"), nil
		}
	}
	return filepath.Join(base, name), nil
}

// ConfigDir is config/, holding server definitions.
func (l *Layout) ConfigDir() string { return filepath.Join(l.Root, "config") }

// ServersDir is config/servers/, one .toml file per BackendDefinition.
func (l *Layout) ServersDir() string { return filepath.Join(l.ConfigDir(), "servers") }

// ProjectsDir is projects/, one .toml file per ProjectRecord.
func (l *Layout) ProjectsDir() string { return filepath.Join(l.Root, "projects") }

// SchemaMarkerPath records the path-encoding choice used to derive project ids.
func (l *Layout) SchemaMarkerPath() string { return filepath.Join(l.ProjectsDir(), ".schema") }

// LogsDir is logs/, one append-only .log file per backend id.
func (l *Layout) LogsDir() string { return filepath.Join(l.Root, "logs") }

// BackendLogPath is logs/<backendID>.log.
func (l *Layout) BackendLogPath(backendID string) string {
	return filepath.Join(l.LogsDir(), backendID+".log")
}

// ControlSocketPath is the bridge handshake + tunnel endpoint.
func (l *Layout) ControlSocketPath() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\mcp-center-control`
	}
	return filepath.Join(l.Root, "control.sock")
}

// RPCSocketPath is the administrative line-delimited-JSON endpoint.
func (l *Layout) RPCSocketPath() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\mcp-center-rpc`
	}
	return filepath.Join(l.Root, "rpc.sock")
}

// PidFilePath is the daemon's pid file.
func (l *Layout) PidFilePath() string { return filepath.Join(l.Root, "mcp-center.pid") }

// EnsureDirs creates every directory this Layout names, if missing.
func (l *Layout) EnsureDirs() error {
	for _, dir := range []string{l.ConfigDir(), l.ServersDir(), l.ProjectsDir(), l.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errs.Wrap(errs.ErrInternal, "creating directory "+dir, err)
		}
	}
	return nil
}

// ListServerConfigFiles lists the *.toml files under ServersDir.
func (l *Layout) ListServerConfigFiles() ([]string, error) {
	return listTOML(l.ServersDir())
}

// ListProjectRecordFiles lists the *.toml files under ProjectsDir.
func (l *Layout) ListProjectRecordFiles() ([]string, error) {
	return listTOML(l.ProjectsDir())
}

func listTOML(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfigIO, "reading "+dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".toml" {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}

// AtomicWrite writes data to a temporary sibling of path, then renames it
// into place, so a crash mid-write never leaves a half-written file at path.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.ErrConfigIO, "creating directory "+dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errs.Wrap(errs.ErrConfigIO, "creating temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.Wrap(errs.ErrConfigIO, "writing temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Wrap(errs.ErrConfigIO, "syncing temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.ErrConfigIO, "closing temp file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errs.Wrap(errs.ErrConfigIO, "renaming into place", err)
	}
	return nil
}
