// Package servermanager implements the ServerManager: the collection of
// ManagedBackends, the cross-backend tool_index, and the fan-out of
// tool_list_changed notifications to channels obtained from Subscribe.
// host.Session does not subscribe, so connected clients are not sent
// tool_list_changed notifications.
package servermanager

import (
	"context"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"github.com/mcpcenter/mcpcenter/internal/backend"
	"github.com/mcpcenter/mcpcenter/internal/configstore"
	"github.com/mcpcenter/mcpcenter/internal/errs"
)

// ToolEntry is one row of the tool_index: the backend a tool name currently
// routes to.
type ToolEntry struct {
	BackendID string
	Tool      mcp.Tool
}

// BackendInfo is the read-only view ServerManager exposes for listing.
type BackendInfo struct {
	Definition *configstore.BackendDefinition
	State      backend.State
	LastError  error
}

// Manager owns every ManagedBackend for the daemon's lifetime, maintains
// tool_index, and notifies subscribers when it changes (spec.md §4.5).
type Manager struct {
	store *configstore.Store
	log   zerolog.Logger

	mu       sync.RWMutex
	order    []string // backend ids in registration order; iteration order is stable across refreshes
	backends map[string]*backend.ManagedBackend
	index    map[string]ToolEntry // tool name -> owning backend + tool

	subMu sync.Mutex
	subs  map[chan struct{}]struct{}

	ctx context.Context
}

// New constructs an empty Manager. Boot must be called to load and start
// configured backends.
func New(store *configstore.Store, log zerolog.Logger) *Manager {
	return &Manager{
		store:    store,
		log:      log,
		backends: map[string]*backend.ManagedBackend{},
		index:    map[string]ToolEntry{},
		subs:     map[chan struct{}]struct{}{},
		ctx:      context.Background(),
	}
}

// Boot reads every BackendDefinition from the ConfigStore, instantiates a
// ManagedBackend per definition, and starts the enabled subset. Start is
// non-blocking (it only spawns the backend's own run loop against the
// supervisor's long-lived ctx), so no concurrency helper is needed here.
// Backends that fail to start remain visible (in the Failed state) rather
// than aborting the boot.
func (m *Manager) Boot(ctx context.Context) error {
	m.ctx = ctx
	defs, err := m.store.LoadAll()
	if err != nil {
		return err
	}

	m.mu.Lock()
	for _, def := range defs {
		b, err := backend.New(def, m.log.With().Str("backend_id", def.ID).Str("backend_name", def.Name).Logger(), m.onBackendToolsChanged)
		if err != nil {
			m.log.Warn().Err(err).Str("backend_id", def.ID).Msg("failed to construct backend transport")
			continue
		}
		m.backends[def.ID] = b
		m.order = append(m.order, def.ID)
	}
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.order {
		b := m.backends[id]
		if !b.Definition().Enabled {
			continue
		}
		b.Start(ctx)
	}
	return nil
}

// onBackendToolsChanged is the ManagedBackend refresh callback: it commits
// the backend's current tool cache into tool_index under a short exclusive
// lock, then notifies subscribers (spec.md §4.5 steps 1-5).
func (m *Manager) onBackendToolsChanged(backendID string) {
	m.mu.Lock()
	b, ok := m.backends[backendID]
	if !ok {
		m.mu.Unlock()
		return
	}
	commitToolCache(m.index, backendID, b.ToolCache(), m.log)
	m.mu.Unlock()

	m.notifySubscribers()
}

// commitToolCache performs the tool_index update described in spec.md §4.5
// steps 2-4: entries belonging to backendID are dropped and replaced with
// its current tool cache, with first-registered-wins on name collisions
// against another backend's entries.
func commitToolCache(index map[string]ToolEntry, backendID string, tools []mcp.Tool, log zerolog.Logger) {
	for name, entry := range index {
		if entry.BackendID == backendID {
			delete(index, name)
		}
	}
	for _, tool := range tools {
		if existing, collides := index[tool.Name]; collides {
			log.Warn().
				Str("tool", tool.Name).
				Str("winner_backend_id", existing.BackendID).
				Str("loser_backend_id", backendID).
				Msg("tool name collision across backends, first-registered wins")
			continue
		}
		index[tool.Name] = ToolEntry{BackendID: backendID, Tool: tool}
	}
}

// Subscribe returns a buffered channel that receives a value whenever
// tool_index changes. Callers must drain it; it is never closed by Manager.
func (m *Manager) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

// Unsubscribe removes a channel previously returned by Subscribe.
func (m *Manager) Unsubscribe(ch <-chan struct{}) {
	m.subMu.Lock()
	for c := range m.subs {
		if c == ch {
			delete(m.subs, c)
			break
		}
	}
	m.subMu.Unlock()
}

func (m *Manager) notifySubscribers() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
			// Subscriber already has a pending notification; coalescing is fine,
			// it will re-read the current (already up to date) tool_index.
		}
	}
}

// ResolveTool looks up the backend currently serving toolName.
func (m *Manager) ResolveTool(toolName string) (*backend.ManagedBackend, bool) {
	m.mu.RLock()
	entry, ok := m.index[toolName]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	m.mu.RLock()
	b, ok := m.backends[entry.BackendID]
	m.mu.RUnlock()
	return b, ok
}

// ListAll returns every backend in stable registration order.
func (m *Manager) ListAll() []*backend.ManagedBackend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*backend.ManagedBackend, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.backends[id])
	}
	return out
}

// Get returns the backend for id, if any.
func (m *Manager) Get(id string) (*backend.ManagedBackend, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.backends[id]
	return b, ok
}

// Add registers and persists a new BackendDefinition, starting it if enabled.
func (m *Manager) Add(def *configstore.BackendDefinition) error {
	if err := configstore.Validate(def); err != nil {
		return err
	}
	if err := m.store.Save(def); err != nil {
		return err
	}

	b, err := backend.New(def, m.log.With().Str("backend_id", def.ID).Str("backend_name", def.Name).Logger(), m.onBackendToolsChanged)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.backends[def.ID] = b
	m.order = append(m.order, def.ID)
	m.mu.Unlock()

	if def.Enabled {
		b.Start(m.ctx)
	}
	return nil
}

// Remove shuts down and deletes a backend's configuration and in-memory
// state, pruning its entries from tool_index.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	b, ok := m.backends[id]
	if !ok {
		m.mu.Unlock()
		return errs.NewError(errs.ErrToolNotFound, "unknown backend "+id, nil)
	}
	delete(m.backends, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	for name, entry := range m.index {
		if entry.BackendID == id {
			delete(m.index, name)
		}
	}
	m.mu.Unlock()

	if err := b.Shutdown(context.Background()); err != nil {
		m.log.Warn().Err(err).Str("backend_id", id).Msg("backend shutdown returned an error during removal")
	}
	if err := m.store.Delete(id); err != nil {
		return err
	}
	m.notifySubscribers()
	return nil
}

// SetEnabled toggles a backend's enabled flag, persists it, and starts or
// shuts down the backend to match. A failed transition is logged and
// returned, but the configuration flip is still persisted. Disabling a
// backend also prunes its tool_index entries immediately: a refresh only
// ever rebuilds a backend's own entries, so without this a disabled
// backend's tools would keep routing (and appearing in list_tools) until
// it happened to refresh again after being re-enabled.
func (m *Manager) SetEnabled(id string, enabled bool) error {
	m.mu.RLock()
	b, ok := m.backends[id]
	m.mu.RUnlock()
	if !ok {
		return errs.NewError(errs.ErrToolNotFound, "unknown backend "+id, nil)
	}

	def := b.Definition()
	wasEnabled := def.Enabled
	def.Enabled = enabled
	saveErr := m.store.Save(def)

	var transitionErr error
	switch {
	case !wasEnabled && enabled:
		b.Start(m.ctx)
	case wasEnabled && !enabled:
		transitionErr = b.Shutdown(context.Background())
		if transitionErr != nil {
			m.log.Warn().Err(transitionErr).Str("backend_id", id).Msg("shutdown failed while disabling backend")
		}
		m.mu.Lock()
		for name, entry := range m.index {
			if entry.BackendID == id {
				delete(m.index, name)
			}
		}
		m.mu.Unlock()
		m.notifySubscribers()
	}

	if saveErr != nil {
		return saveErr
	}
	return transitionErr
}

// RefreshTools forces an unconditional tool cache refresh on one backend and
// recommits its entries into tool_index, mirroring the automatic refresh
// onBackendToolsChanged performs. It is the path configuration edits use to
// pick up a changed tool surface without a full daemon restart (spec.md
// §4.4's force_refresh_tool_cache).
func (m *Manager) RefreshTools(ctx context.Context, id string) error {
	m.mu.RLock()
	b, ok := m.backends[id]
	m.mu.RUnlock()
	if !ok {
		return errs.NewError(errs.ErrToolNotFound, "unknown backend "+id, nil)
	}

	if err := b.ForceRefreshToolCache(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	commitToolCache(m.index, id, b.ToolCache(), m.log)
	m.mu.Unlock()
	m.notifySubscribers()
	return nil
}

// GetTools returns the current tool cache for one backend.
func (m *Manager) GetTools(id string) ([]mcp.Tool, error) {
	m.mu.RLock()
	b, ok := m.backends[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.NewError(errs.ErrToolNotFound, "unknown backend "+id, nil)
	}
	return b.ToolCache(), nil
}
