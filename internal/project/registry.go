// Package project implements the ProjectRegistry: durable per-project
// permission policy, with an in-memory cache invalidated by file
// fingerprint (and, when available, an fsnotify watch) rather than a
// read-through-to-disk on every call.
package project

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/mcpcenter/mcpcenter/internal/errs"
	"github.com/mcpcenter/mcpcenter/internal/layout"
	"github.com/mcpcenter/mcpcenter/internal/projectid"
)

// fingerprint identifies a file's content cheaply without rehashing it.
type fingerprint struct {
	modTime time.Time
	size    int64
}

type cacheEntry struct {
	record *Record
	fp     fingerprint
	path   string
}

// Registry is the ProjectRegistry. It is safe for concurrent use.
type Registry struct {
	layout *layout.Layout
	log    zerolog.Logger

	mu        sync.RWMutex
	cache     map[projectid.ID]*cacheEntry
	pathIndex map[string]projectid.ID

	watcher *fsnotify.Watcher // nil when unavailable; degrades to full reload
}

// New builds a Registry rooted at l. It attempts to establish an fsnotify
// watch on ProjectsDir; if that fails, the registry runs without it. Every
// read re-stats the directory in either mode; the watch only evicts changed
// entries sooner.
func New(l *layout.Layout, log zerolog.Logger) (*Registry, error) {
	if err := l.EnsureDirs(); err != nil {
		return nil, err
	}
	r := &Registry{
		layout:    l,
		log:       log,
		cache:     map[projectid.ID]*cacheEntry{},
		pathIndex: map[string]projectid.ID{},
	}
	if err := r.writeSchemaMarker(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		r.log.Warn().Err(err).Msg("fsnotify unavailable, degrading to stat-based invalidation")
		return r, nil
	}
	if err := w.Add(l.ProjectsDir()); err != nil {
		r.log.Warn().Err(err).Msg("failed to watch projects dir, degrading to stat-based invalidation")
		w.Close()
		return r, nil
	}
	r.watcher = w
	go r.watchLoop()

	if err := r.refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) writeSchemaMarker() error {
	path := r.layout.SchemaMarkerPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return layout.AtomicWrite(path, []byte(`{"pathEncoding":"utf8","version":1}`+"\n"))
}

func (r *Registry) watchLoop() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if strings.HasSuffix(event.Name, ".toml") {
				r.mu.Lock()
				r.invalidateLocked(event.Name)
				r.mu.Unlock()
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn().Err(err).Msg("project registry watcher error")
		}
	}
}

func (r *Registry) invalidateLocked(path string) {
	for id, entry := range r.cache {
		if entry.path == path {
			delete(r.cache, id)
			delete(r.pathIndex, entry.record.Path)
			return
		}
	}
}

// Close stops the underlying fsnotify watch, if any.
func (r *Registry) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// refresh re-checks the on-disk directory listing against the cache:
// entries whose fingerprint changed are reloaded, disappeared files are
// evicted, and new files are ingested. It takes r.mu for write itself, so
// callers must not hold r.mu.
func (r *Registry) refresh() error {
	files, err := r.layout.ListProjectRecordFiles()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := map[string]bool{}
	for _, f := range files {
		seen[f] = true
		info, err := os.Stat(f)
		if err != nil {
			continue // disappeared between listing and stat; next pass evicts it
		}
		fp := fingerprint{modTime: info.ModTime(), size: info.Size()}

		if existing := r.entryForPath(f); existing != nil && existing.fp == fp {
			continue
		}

		rec, err := loadRecordFile(f)
		if err != nil {
			r.log.Warn().Err(err).Str("path", f).Msg("skipping corrupt project record")
			continue
		}
		r.cache[rec.ID] = &cacheEntry{record: rec, fp: fp, path: f}
	}

	// Evict entries whose file disappeared.
	for id, entry := range r.cache {
		if !seen[entry.path] {
			delete(r.cache, id)
		}
	}

	r.rebuildPathIndexLocked()
	return nil
}

func (r *Registry) entryForPath(path string) *cacheEntry {
	for _, entry := range r.cache {
		if entry.path == path {
			return entry
		}
	}
	return nil
}

func (r *Registry) rebuildPathIndexLocked() {
	r.pathIndex = map[string]projectid.ID{}
	for id, entry := range r.cache {
		r.pathIndex[entry.record.Path] = id
	}
}

func (r *Registry) recordPath(id projectid.ID) string {
	return filepath.Join(r.layout.ProjectsDir(), string(id)+".toml")
}

func loadRecordFile(path string) (*Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.ErrProjectIO, "reading "+path, err)
	}
	var rec Record
	if _, err := toml.Decode(string(raw), &rec); err != nil {
		return nil, errs.Wrap(errs.ErrProjectCorrupt, "parsing "+path, err)
	}
	if rec.AllowedServerIDs == nil {
		rec.AllowedServerIDs = map[string]bool{}
	}
	return &rec, nil
}

func (r *Registry) save(rec *Record) error {
	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(rec); err != nil {
		return errs.Wrap(errs.ErrInternal, "encoding project record", err)
	}
	path := r.recordPath(rec.ID)
	if err := layout.AtomicWrite(path, []byte(buf.String())); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return errs.Wrap(errs.ErrProjectIO, "stating "+path, err)
	}
	r.mu.Lock()
	r.cache[rec.ID] = &cacheEntry{record: rec, fp: fingerprint{modTime: info.ModTime(), size: info.Size()}, path: path}
	r.rebuildPathIndexLocked()
	r.mu.Unlock()
	return nil
}

// Ensure canonicalizes path, computes its id, loads the existing record or
// creates one, touches it, and persists it.
func (r *Registry) Ensure(path, agent string) (*Record, error) {
	id, canonical, err := projectid.FromPath(path)
	if err != nil {
		return nil, errs.Wrap(errs.ErrProjectIO, "canonicalizing path", err)
	}

	if err := r.refresh(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	entry, ok := r.cache[id]
	r.mu.RUnlock()

	var rec *Record
	if ok {
		rec = entry.record
	} else {
		rec = newRecord(id, canonical, agent)
	}
	rec.Touch()
	if agent != "" {
		rec.Agent = agent
	}
	if err := r.save(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns the record for id, or ErrProjectUnknownID.
func (r *Registry) Get(id projectid.ID) (*Record, error) {
	if err := r.refresh(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[id]
	if !ok {
		return nil, errs.NewError(errs.ErrProjectUnknownID, string(id), nil)
	}
	return entry.record, nil
}

// FindByPath looks up a project by its canonical path.
func (r *Registry) FindByPath(canonicalPath string) (*Record, error) {
	if err := r.refresh(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.pathIndex[canonicalPath]
	if !ok {
		return nil, errs.NewError(errs.ErrProjectUnknownID, canonicalPath, nil)
	}
	return r.cache[id].record, nil
}

// List returns every project record currently known, skipping (and
// logging) any that failed to load rather than failing the whole listing.
func (r *Registry) List() ([]*Record, error) {
	if err := r.refresh(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.cache))
	for _, entry := range r.cache {
		out = append(out, entry.record)
	}
	return out, nil
}

// Delete removes a project record.
func (r *Registry) Delete(id projectid.ID) error {
	path := r.recordPath(id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.ErrProjectIO, "removing "+path, err)
	}
	r.mu.Lock()
	delete(r.cache, id)
	r.rebuildPathIndexLocked()
	r.mu.Unlock()
	return nil
}

// mutate fetches id, applies fn, and persists the result atomically.
func (r *Registry) mutate(id projectid.ID, fn func(*Record) error) error {
	rec, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	rec.Touch()
	return r.save(rec)
}

// AllowServers adds the given backend ids to the project's allow-list.
func (r *Registry) AllowServers(id projectid.ID, backendIDs []string) error {
	return r.mutate(id, func(rec *Record) error {
		if rec.AllowedServerIDs == nil {
			rec.AllowedServerIDs = map[string]bool{}
		}
		for _, b := range backendIDs {
			rec.AllowedServerIDs[b] = true
		}
		return nil
	})
}

// DenyServers removes the given backend ids from the project's allow-list.
func (r *Registry) DenyServers(id projectid.ID, backendIDs []string) error {
	return r.mutate(id, func(rec *Record) error {
		for _, b := range backendIDs {
			delete(rec.AllowedServerIDs, b)
		}
		return nil
	})
}

// SetToolPermission sets the tool-visibility policy for a backend.
func (r *Registry) SetToolPermission(id projectid.ID, backendID string, perm ToolPermission) error {
	return r.mutate(id, func(rec *Record) error {
		if rec.ToolPermissions == nil {
			rec.ToolPermissions = map[string]ToolPermission{}
		}
		rec.ToolPermissions[backendID] = perm
		return nil
	})
}

// SetToolCustomization overrides the description shown for backendID/tool.
func (r *Registry) SetToolCustomization(id projectid.ID, backendID, tool, description string) error {
	return r.mutate(id, func(rec *Record) error {
		if rec.ToolCustomizations == nil {
			rec.ToolCustomizations = map[string]map[string]string{}
		}
		if rec.ToolCustomizations[backendID] == nil {
			rec.ToolCustomizations[backendID] = map[string]string{}
		}
		rec.ToolCustomizations[backendID][tool] = description
		return nil
	})
}

// ResetToolCustomization removes a prior description override.
func (r *Registry) ResetToolCustomization(id projectid.ID, backendID, tool string) error {
	return r.mutate(id, func(rec *Record) error {
		if byTool, ok := rec.ToolCustomizations[backendID]; ok {
			delete(byTool, tool)
		}
		return nil
	})
}

// Migrate renames the record stored under oldID to newID, merging with an
// existing newID record (preferring the older record's timestamps) if one
// already exists. Used by the bridge when list_roots reveals a different
// canonical path than the provisional hello carried (spec.md §4.7 step 5).
func (r *Registry) Migrate(oldID, newID projectid.ID, newCanonicalPath string) (*Record, error) {
	if oldID == newID {
		return r.Get(oldID)
	}

	oldRec, err := r.Get(oldID)
	if err != nil {
		return nil, err
	}

	existing, err := r.Get(newID)
	merged := oldRec
	if err == nil {
		// Prefer the older record's timestamps.
		merged = existing
		if oldRec.CreatedAt.Before(merged.CreatedAt) {
			merged.CreatedAt = oldRec.CreatedAt
		}
		mergeMaps(merged, oldRec)
	}
	merged.ID = newID
	merged.Path = newCanonicalPath

	if err := r.save(merged); err != nil {
		return nil, err
	}
	if err := r.Delete(oldID); err != nil {
		return nil, err
	}
	return merged, nil
}

func mergeMaps(dst, src *Record) {
	for k := range src.AllowedServerIDs {
		if dst.AllowedServerIDs == nil {
			dst.AllowedServerIDs = map[string]bool{}
		}
		dst.AllowedServerIDs[k] = true
	}
}
