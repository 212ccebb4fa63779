package rpcserver

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpcenter/mcpcenter/internal/configstore"
	"github.com/mcpcenter/mcpcenter/internal/layout"
	"github.com/mcpcenter/mcpcenter/internal/project"
	"github.com/mcpcenter/mcpcenter/internal/servermanager"
)

func TestDispatch_Ping(t *testing.T) {
	l := newTestListenerStruct(t)
	resp := l.dispatch([]byte(`{"id":1,"method":"ping"}`))
	var m map[string]any
	require.NoError(t, json.Unmarshal(resp, &m))
	assert.Equal(t, float64(1), m["id"])
	result, ok := m["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["pong"])
}

func TestDispatch_UnknownMethod(t *testing.T) {
	l := newTestListenerStruct(t)
	resp := l.dispatch([]byte(`{"id":2,"method":"bogus"}`))
	var m map[string]any
	require.NoError(t, json.Unmarshal(resp, &m))
	errObj, ok := m["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(codeMethodNotFound), errObj["code"])
}

func TestDispatch_GetToolInfoMissingParams(t *testing.T) {
	l := newTestListenerStruct(t)
	resp := l.dispatch([]byte(`{"id":3,"method":"get_tool_info","params":{}}`))
	var m map[string]any
	require.NoError(t, json.Unmarshal(resp, &m))
	errObj, ok := m["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(codeInvalidParams), errObj["code"])
}

func TestDispatch_GetToolInfoUnknownBackend(t *testing.T) {
	l := newTestListenerStruct(t)
	resp := l.dispatch([]byte(`{"id":4,"method":"get_tool_info","params":{"backend_id":"nope","tool":"x"}}`))
	var m map[string]any
	require.NoError(t, json.Unmarshal(resp, &m))
	errObj, ok := m["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(codeNotFound), errObj["code"])
}

func TestDispatch_RefreshToolsMissingParams(t *testing.T) {
	l := newTestListenerStruct(t)
	resp := l.dispatch([]byte(`{"id":6,"method":"refresh_tools","params":{}}`))
	var m map[string]any
	require.NoError(t, json.Unmarshal(resp, &m))
	errObj, ok := m["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(codeInvalidParams), errObj["code"])
}

func TestDispatch_RefreshToolsUnknownBackend(t *testing.T) {
	l := newTestListenerStruct(t)
	resp := l.dispatch([]byte(`{"id":7,"method":"refresh_tools","params":{"backend_id":"nope"}}`))
	var m map[string]any
	require.NoError(t, json.Unmarshal(resp, &m))
	errObj, ok := m["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(codeNotFound), errObj["code"])
}

func TestDispatch_ListProjects(t *testing.T) {
	root := t.TempDir()
	lay := &layout.Layout{Root: root}
	registry, err := project.New(lay, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })

	_, err = registry.Ensure(t.TempDir(), "agent-x")
	require.NoError(t, err)

	manager := servermanager.New(configstore.New(lay), zerolog.Nop())
	l := &Listener{manager: manager, registry: registry, log: zerolog.Nop()}

	resp := l.dispatch([]byte(`{"id":5,"method":"list_projects"}`))
	var m map[string]any
	require.NoError(t, json.Unmarshal(resp, &m))
	result, ok := m["result"].(map[string]any)
	require.True(t, ok)
	projects, ok := result["projects"].([]any)
	require.True(t, ok)
	assert.Len(t, projects, 1)
}

func newTestListenerStruct(t *testing.T) *Listener {
	t.Helper()
	root := t.TempDir()
	lay := &layout.Layout{Root: root}
	registry, err := project.New(lay, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })
	manager := servermanager.New(configstore.New(lay), zerolog.Nop())
	return &Listener{manager: manager, registry: registry, log: zerolog.Nop()}
}

func TestServe_EndToEndPing(t *testing.T) {
	root := t.TempDir()
	lay := &layout.Layout{Root: root}
	require.NoError(t, lay.EnsureDirs())
	registry, err := project.New(lay, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })
	manager := servermanager.New(configstore.New(lay), zerolog.Nop())

	socketPath := filepath.Join(root, "rpc.sock")
	listener, err := NewListener(socketPath, manager, registry, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = listener.Serve(ctx) }()

	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"id":1,"method":"ping"}` + "\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "pong")
}
