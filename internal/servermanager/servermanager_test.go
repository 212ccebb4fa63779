package servermanager

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpcenter/mcpcenter/internal/configstore"
	"github.com/mcpcenter/mcpcenter/internal/layout"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	l, err := layout.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, l.EnsureDirs())
	return New(configstore.New(l), zerolog.Nop())
}

func TestCommitToolCache_NoCollision(t *testing.T) {
	index := map[string]ToolEntry{}
	commitToolCache(index, "b1", []mcp.Tool{{Name: "alpha"}, {Name: "beta"}}, zerolog.Nop())

	assert.Len(t, index, 2)
	assert.Equal(t, "b1", index["alpha"].BackendID)
	assert.Equal(t, "b1", index["beta"].BackendID)
}

func TestCommitToolCache_FirstRegisteredWins(t *testing.T) {
	index := map[string]ToolEntry{}
	commitToolCache(index, "b1", []mcp.Tool{{Name: "shared"}}, zerolog.Nop())
	commitToolCache(index, "b2", []mcp.Tool{{Name: "shared"}}, zerolog.Nop())

	require.Contains(t, index, "shared")
	assert.Equal(t, "b1", index["shared"].BackendID, "first-registered backend keeps the colliding tool name")
}

func TestCommitToolCache_ReplacesOwnEntriesOnRefresh(t *testing.T) {
	index := map[string]ToolEntry{}
	commitToolCache(index, "b1", []mcp.Tool{{Name: "old"}}, zerolog.Nop())
	commitToolCache(index, "b1", []mcp.Tool{{Name: "new"}}, zerolog.Nop())

	assert.NotContains(t, index, "old")
	assert.Contains(t, index, "new")
}

func TestCommitToolCache_DroppedNameFreedOnOwnerRefresh(t *testing.T) {
	index := map[string]ToolEntry{}
	commitToolCache(index, "b1", []mcp.Tool{{Name: "shared"}}, zerolog.Nop())
	commitToolCache(index, "b2", []mcp.Tool{{Name: "shared"}}, zerolog.Nop())
	// b1 drops the tool on its next refresh; b2's colliding attempt is gone too
	// since b2 was never granted the name, so nothing should resurrect it for b2.
	commitToolCache(index, "b1", nil, zerolog.Nop())

	assert.NotContains(t, index, "shared")
}

func TestManager_AddGetListRemove(t *testing.T) {
	m := newTestManager(t)

	def, err := configstore.NewBackendDefinition("echo", configstore.TransportStdio, map[string]bool{})
	require.NoError(t, err)
	def.Command = "/bin/echo"

	require.NoError(t, m.Add(def))

	got, ok := m.Get(def.ID)
	require.True(t, ok)
	assert.Equal(t, def.ID, got.Definition().ID)

	all := m.ListAll()
	require.Len(t, all, 1)
	assert.Equal(t, def.ID, all[0].Definition().ID)

	require.NoError(t, m.Remove(def.ID))
	_, ok = m.Get(def.ID)
	assert.False(t, ok)
	assert.Empty(t, m.ListAll())
}

func TestManager_AddPreservesRegistrationOrder(t *testing.T) {
	m := newTestManager(t)

	var ids []string
	for _, name := range []string{"first", "second", "third"} {
		def, err := configstore.NewBackendDefinition(name, configstore.TransportStdio, map[string]bool{})
		require.NoError(t, err)
		def.Command = "/bin/echo"
		require.NoError(t, m.Add(def))
		ids = append(ids, def.ID)
	}

	all := m.ListAll()
	require.Len(t, all, 3)
	for i, b := range all {
		assert.Equal(t, ids[i], b.Definition().ID)
	}
}

func TestManager_SetEnabledPersistsFlagEvenOnTransitionFailure(t *testing.T) {
	m := newTestManager(t)

	def, err := configstore.NewBackendDefinition("nope", configstore.TransportStdio, map[string]bool{})
	require.NoError(t, err)
	def.Command = "/this/command/does/not/exist"
	def.Enabled = false
	require.NoError(t, m.Add(def))

	// Enabling kicks off Start in the background; it will eventually fail to
	// spawn, but SetEnabled itself must still persist the flag and return nil
	// for the enable path (Start is fire-and-forget, not a synchronous dial).
	require.NoError(t, m.SetEnabled(def.ID, true))

	b, ok := m.Get(def.ID)
	require.True(t, ok)
	assert.True(t, b.Definition().Enabled)
}

func TestManager_SetEnabledFalsePrunesToolIndex(t *testing.T) {
	m := newTestManager(t)

	def, err := configstore.NewBackendDefinition("svc", configstore.TransportStdio, map[string]bool{})
	require.NoError(t, err)
	def.Command = "/bin/echo"
	def.Enabled = true
	require.NoError(t, m.Add(def))

	// Seed tool_index as if a refresh had already routed a tool to this
	// backend; SetEnabled(false) must prune it immediately rather than
	// waiting for a refresh that may never come while disabled.
	m.mu.Lock()
	m.index["shared"] = ToolEntry{BackendID: def.ID, Tool: mcp.Tool{Name: "shared"}}
	m.mu.Unlock()

	require.NoError(t, m.SetEnabled(def.ID, false))

	_, ok := m.ResolveTool("shared")
	assert.False(t, ok, "tool_index entries owned by a disabled backend must be pruned")
}

func TestManager_RefreshToolsUnknownBackend(t *testing.T) {
	m := newTestManager(t)
	err := m.RefreshTools(context.Background(), "missing")
	require.Error(t, err)
}

func TestManager_RefreshToolsFailsWhenBackendNotRunning(t *testing.T) {
	m := newTestManager(t)

	def, err := configstore.NewBackendDefinition("svc", configstore.TransportStdio, map[string]bool{})
	require.NoError(t, err)
	def.Command = "/bin/echo"
	def.Enabled = false
	require.NoError(t, m.Add(def))

	err = m.RefreshTools(context.Background(), def.ID)
	require.Error(t, err, "ForceRefreshToolCache requires the backend to be Running")
}

func TestManager_SubscribeReceivesNotification(t *testing.T) {
	m := newTestManager(t)
	ch := m.Subscribe()

	def, err := configstore.NewBackendDefinition("svc", configstore.TransportStdio, map[string]bool{})
	require.NoError(t, err)
	def.Command = "/bin/echo"
	require.NoError(t, m.Add(def))

	m.onBackendToolsChanged(def.ID)

	select {
	case <-ch:
	default:
		t.Fatal("expected a pending notification after tool cache commit")
	}
}

func TestManager_UnsubscribeStopsDelivery(t *testing.T) {
	m := newTestManager(t)
	ch := m.Subscribe()
	m.Unsubscribe(ch)

	m.notifySubscribers()

	select {
	case <-ch:
		t.Fatal("unsubscribed channel should not receive notifications")
	default:
	}
}

func TestManager_ResolveToolUnknown(t *testing.T) {
	m := newTestManager(t)
	_, ok := m.ResolveTool("nope")
	assert.False(t, ok)
}

func TestManager_GetToolsUnknownBackend(t *testing.T) {
	m := newTestManager(t)
	_, err := m.GetTools("missing")
	require.Error(t, err)
}
