package backend

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"github.com/mcpcenter/mcpcenter/internal/configstore"
	"github.com/mcpcenter/mcpcenter/internal/errs"
)

// StartDeadline bounds how long Connect+Initialize may take before the
// backend is declared Failed with a timeout cause (spec.md §5).
const StartDeadline = 30 * time.Second

// ShutdownGrace bounds how long a stdio child gets to exit on its own
// before ManagedBackend escalates to kill.
const ShutdownGrace = 5 * time.Second

// ManagedBackend owns one configured backend's transport, tool cache, and
// state machine. It is safe for concurrent use.
type ManagedBackend struct {
	def       *configstore.BackendDefinition
	transport Transport
	log       zerolog.Logger

	// onToolsChanged is invoked (outside any lock) after every successful
	// refresh, so ServerManager can rebuild its tool index and notify
	// sessions.
	onToolsChanged func(backendID string)

	mu           sync.RWMutex
	state        State
	lastErr      error
	backoffUntil time.Time
	toolCache    []mcp.Tool
	epoch        uint64
	needsRefresh bool

	// failedSinceRunning is non-nil only while runLoop is in its Running
	// wait; closing it (via markRunningFailed) wakes the loop so it
	// re-enters Connecting with backoff instead of idling in Failed.
	failedSinceRunning chan struct{}

	cancelRun context.CancelFunc
	runDone   chan struct{}
}

// New builds a ManagedBackend for def. log should already carry the
// backend's id/name fields (see internal/logger.BackendLogger).
func New(def *configstore.BackendDefinition, log zerolog.Logger, onToolsChanged func(backendID string)) (*ManagedBackend, error) {
	transport, err := NewTransport(def)
	if err != nil {
		return nil, err
	}
	return &ManagedBackend{
		def:            def,
		transport:      transport,
		log:            log,
		onToolsChanged: onToolsChanged,
		state:          NotStarted,
		needsRefresh:   true,
	}, nil
}

// Definition returns the backend's configuration.
func (b *ManagedBackend) Definition() *configstore.BackendDefinition {
	return b.def
}

// State returns the current state machine node.
func (b *ManagedBackend) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// LastError returns the cause of the most recent Failed transition, if any.
func (b *ManagedBackend) LastError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

func (b *ManagedBackend) setState(s State, cause error) {
	b.mu.Lock()
	b.state = s
	b.lastErr = cause
	b.mu.Unlock()

	ev := b.log.Info()
	if cause != nil {
		ev = b.log.Warn().Err(cause)
	}
	ev.Str("category", "state").Str("state", s.String()).Msg("backend state transition")
}

// Start dispatches connection by transport kind and begins the reconnect
// loop that keeps a crashed/unreachable backend cycling between Failed and
// Connecting with exponential backoff, until Shutdown is called.
func (b *ManagedBackend) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancelRun = cancel
	b.runDone = make(chan struct{})
	b.mu.Unlock()

	go b.runLoop(runCtx)
}

func (b *ManagedBackend) runLoop(ctx context.Context) {
	defer close(b.runDone)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b.setState(Connecting, nil)
		if err := b.connectAndInitialize(ctx); err != nil {
			delay := bo.NextBackOff()
			b.mu.Lock()
			b.backoffUntil = time.Now().Add(delay)
			b.mu.Unlock()
			b.setState(Failed, err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		bo.Reset()
		b.setState(Running, nil)
		runningFailed := make(chan struct{})
		b.mu.Lock()
		b.failedSinceRunning = runningFailed
		b.mu.Unlock()
		b.transport.SubscribeNotifications(func() {
			b.mu.Lock()
			b.needsRefresh = true
			b.mu.Unlock()
		})

		if err := b.refreshToolCache(ctx); err != nil {
			delay := bo.NextBackOff()
			b.mu.Lock()
			b.backoffUntil = time.Now().Add(delay)
			b.mu.Unlock()
			b.setState(Failed, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		// While Running, CallTool or a failed notification-driven refresh
		// signals failedSinceRunning out-of-band. runLoop waits on that (or
		// shutdown) and, on failure, loops back into Connecting with
		// backoff so the backend recovers without a fresh Start call.
		select {
		case <-ctx.Done():
			return
		case <-runningFailed:
			delay := bo.NextBackOff()
			b.mu.Lock()
			b.backoffUntil = time.Now().Add(delay)
			b.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}
	}
}

// markRunningFailed wakes runLoop's Running-phase wait so it re-enters
// Connecting with backoff. Safe to call more than once per Running period;
// only the first call does anything.
func (b *ManagedBackend) markRunningFailed() {
	b.mu.Lock()
	ch := b.failedSinceRunning
	b.failedSinceRunning = nil
	b.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (b *ManagedBackend) connectAndInitialize(ctx context.Context) error {
	deadlineCtx, cancel := context.WithTimeout(ctx, StartDeadline)
	defer cancel()

	if err := b.transport.Connect(deadlineCtx); err != nil {
		if deadlineCtx.Err() != nil {
			return errs.NewError(errs.ErrBackendTimeout, "connect timed out for "+b.def.Name, err)
		}
		return err
	}
	if err := b.transport.Initialize(deadlineCtx); err != nil {
		return err
	}
	return nil
}

func (b *ManagedBackend) refreshToolCache(ctx context.Context) error {
	tools, err := b.transport.ListTools(ctx)
	if err != nil {
		b.setState(Failed, err)
		b.markRunningFailed()
		return err
	}
	b.mu.Lock()
	b.toolCache = tools
	b.epoch++
	b.needsRefresh = false
	b.mu.Unlock()

	if b.onToolsChanged != nil {
		b.onToolsChanged(b.def.ID)
	}
	return nil
}

// EnsureToolCache refreshes the tool cache if NeedsRefresh is set and the
// backend is Running; otherwise it is a no-op. Must be called before any
// listing or call per spec.md §4.4.
func (b *ManagedBackend) EnsureToolCache(ctx context.Context) error {
	b.mu.RLock()
	needsRefresh := b.needsRefresh
	running := b.state == Running
	b.mu.RUnlock()

	if !needsRefresh || !running {
		return nil
	}
	return b.refreshToolCache(ctx)
}

// ForceRefreshToolCache refreshes unconditionally, used after a
// configuration edit.
func (b *ManagedBackend) ForceRefreshToolCache(ctx context.Context) error {
	b.mu.RLock()
	running := b.state == Running
	b.mu.RUnlock()
	if !running {
		return errs.NewError(errs.ErrToolBackendUnavailable, b.def.Name+" is not running", nil)
	}
	return b.refreshToolCache(ctx)
}

// ToolCache returns a snapshot of the current tool list. Callers must not
// mutate the returned slice.
func (b *ManagedBackend) ToolCache() []mcp.Tool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]mcp.Tool, len(b.toolCache))
	copy(out, b.toolCache)
	return out
}

// Epoch returns the monotonically increasing refresh counter.
func (b *ManagedBackend) Epoch() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.epoch
}

// CallTool proxies one tool invocation. On transport failure the backend
// transitions to Failed and the error is returned as ErrToolBackendUnavailable.
func (b *ManagedBackend) CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error) {
	b.mu.RLock()
	running := b.state == Running
	b.mu.RUnlock()
	if !running {
		return nil, errs.NewError(errs.ErrToolBackendUnavailable, b.def.Name+" is unavailable", b.LastError())
	}

	start := time.Now()
	res, err := b.transport.CallTool(ctx, name, arguments)
	dur := time.Since(start)

	logEv := b.log.Info().Str("category", "tool_call").
		Interface("tool", map[string]any{"name": name}).
		Dur("durationMs", dur)
	if err != nil {
		b.setState(Failed, err)
		b.markRunningFailed()
		logEv.Err(err).Msg("tool call failed")
		return nil, errs.NewError(errs.ErrToolBackendUnavailable, "backend unavailable", err)
	}
	logEv.Msg("tool call completed")
	return res, nil
}

// Shutdown closes the transport, terminating a child process if any, and
// stops the reconnect loop. For stdio backends this awaits exit with a
// bounded grace period before escalating (escalation lives in the stdio
// transport's Close, which sends a kill once its own grace timer fires).
func (b *ManagedBackend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	cancel := b.cancelRun
	done := b.runDone
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(ShutdownGrace):
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, ShutdownGrace)
	defer shutdownCancel()
	err := b.transport.Shutdown(shutdownCtx)
	b.setState(Terminated, nil)
	return err
}
