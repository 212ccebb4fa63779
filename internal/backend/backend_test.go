package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpcenter/mcpcenter/internal/configstore"
	"github.com/mcpcenter/mcpcenter/internal/errs"
)

// fakeTransport is a test double implementing Transport, letting tests
// control connect/list/call outcomes and simulate mid-flight crashes.
type fakeTransport struct {
	mu sync.Mutex

	connectErr error
	tools      []mcp.Tool
	callErr    error
	callResult *mcp.CallToolResult

	connectCount int
	onChanged    func()
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCount++
	return f.connectErr
}

func (f *fakeTransport) Initialize(context.Context) error { return nil }

func (f *fakeTransport) ListTools(context.Context) ([]mcp.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tools, nil
}

func (f *fakeTransport) CallTool(_ context.Context, _ string, _ map[string]any) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.callResult, nil
}

func (f *fakeTransport) SubscribeNotifications(onToolsChanged func()) {
	f.mu.Lock()
	f.onChanged = onToolsChanged
	f.mu.Unlock()
}

func (f *fakeTransport) Shutdown(context.Context) error { return nil }

func newTestBackend(t *testing.T, ft *fakeTransport) (*ManagedBackend, *int) {
	t.Helper()
	changedCount := 0
	b := &ManagedBackend{
		def:            &configstore.BackendDefinition{ID: "abc12345", Name: "test"},
		transport:      ft,
		log:            zerolog.Nop(),
		state:          NotStarted,
		needsRefresh:   true,
		onToolsChanged: func(string) { changedCount++ },
	}
	return b, &changedCount
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "failed", Failed.String())
}

func TestEnsureToolCache_NoOpWhenNotNeeded(t *testing.T) {
	ft := &fakeTransport{tools: []mcp.Tool{{Name: "t1"}}}
	b, changed := newTestBackend(t, ft)
	b.state = Running
	b.needsRefresh = false

	require.NoError(t, b.EnsureToolCache(context.Background()))
	assert.Equal(t, 0, *changed, "no refresh triggered when needsRefresh is false")
}

func TestEnsureToolCache_RefreshesWhenNeeded(t *testing.T) {
	ft := &fakeTransport{tools: []mcp.Tool{{Name: "t1"}, {Name: "t2"}}}
	b, changed := newTestBackend(t, ft)
	b.state = Running
	b.needsRefresh = true

	require.NoError(t, b.EnsureToolCache(context.Background()))
	assert.Equal(t, 1, *changed)
	assert.Len(t, b.ToolCache(), 2)
	assert.Equal(t, uint64(1), b.Epoch())
	require.NoError(t, b.EnsureToolCache(context.Background()))
	assert.Equal(t, 1, *changed, "second call is a no-op, needsRefresh cleared")
}

func TestEnsureToolCache_NoOpWhenNotRunning(t *testing.T) {
	ft := &fakeTransport{tools: []mcp.Tool{{Name: "t1"}}}
	b, changed := newTestBackend(t, ft)
	b.state = Connecting
	b.needsRefresh = true

	require.NoError(t, b.EnsureToolCache(context.Background()))
	assert.Equal(t, 0, *changed)
}

func TestForceRefreshToolCache_FailsWhenNotRunning(t *testing.T) {
	ft := &fakeTransport{}
	b, _ := newTestBackend(t, ft)
	b.state = Failed

	err := b.ForceRefreshToolCache(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrToolBackendUnavailable))
}

func TestCallTool_Success(t *testing.T) {
	want := &mcp.CallToolResult{}
	ft := &fakeTransport{callResult: want}
	b, _ := newTestBackend(t, ft)
	b.state = Running

	got, err := b.CallTool(context.Background(), "t1", nil)
	require.NoError(t, err)
	assert.Same(t, want, got)
}

func TestCallTool_TransportFailureTransitionsToFailed(t *testing.T) {
	ft := &fakeTransport{callErr: errors.New("boom")}
	b, _ := newTestBackend(t, ft)
	b.log = zerolog.Nop()
	b.state = Running

	_, err := b.CallTool(context.Background(), "t1", nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrToolBackendUnavailable))
	assert.Equal(t, Failed, b.State())
}

func TestCallTool_NotRunning(t *testing.T) {
	ft := &fakeTransport{}
	b, _ := newTestBackend(t, ft)
	b.state = Connecting

	_, err := b.CallTool(context.Background(), "t1", nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrToolBackendUnavailable))
}

func TestScenario_StdioCrashRecoversWithinBackoffWindow(t *testing.T) {
	ft := &fakeTransport{connectErr: errors.New("spawn failed"), tools: []mcp.Tool{{Name: "t1"}}}
	b, _ := newTestBackend(t, ft)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	b.Start(ctx)

	require.Eventually(t, func() bool {
		return b.State() == Failed
	}, time.Second, 10*time.Millisecond)

	ft.mu.Lock()
	ft.connectErr = nil
	ft.mu.Unlock()

	require.Eventually(t, func() bool {
		return b.State() == Running
	}, 2*time.Second, 10*time.Millisecond, "state returns to Connecting then Running within backoff window")

	require.NoError(t, b.Shutdown(context.Background()))
	assert.Equal(t, Terminated, b.State())
}
