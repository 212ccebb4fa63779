package project

import (
	"time"

	"github.com/mcpcenter/mcpcenter/internal/projectid"
)

// PermissionKind selects how a backend's tool_permissions entry filters
// the tools a project may see/call on that backend.
type PermissionKind string

const (
	PermissionAll       PermissionKind = "all"
	PermissionAllowList PermissionKind = "allow_list"
	PermissionDenyList  PermissionKind = "deny_list"
)

// ToolPermission is one backend's tool-visibility policy within a project.
type ToolPermission struct {
	Kind PermissionKind   `toml:"kind"`
	Set  map[string]bool `toml:"set,omitempty"`
}

// Allows reports whether toolName passes this policy.
func (p ToolPermission) Allows(toolName string) bool {
	switch p.Kind {
	case PermissionAllowList:
		return p.Set[toolName]
	case PermissionDenyList:
		return !p.Set[toolName]
	case PermissionAll, "":
		return true
	default:
		return true
	}
}

// Record is the persistent per-project permission policy.
type Record struct {
	ID          projectid.ID `toml:"id"`
	Path        string       `toml:"path"`
	DisplayName string       `toml:"display_name,omitempty"`
	Agent       string       `toml:"agent,omitempty"`

	AllowedServerIDs map[string]bool `toml:"allowed_server_ids,omitempty"`

	// ToolPermissions maps backend id -> policy. Absence of an entry means
	// PermissionAll.
	ToolPermissions map[string]ToolPermission `toml:"tool_permissions,omitempty"`

	// ToolCustomizations maps backend id -> tool name -> override description.
	ToolCustomizations map[string]map[string]string `toml:"tool_customizations,omitempty"`

	Metadata map[string]any `toml:"metadata,omitempty"`

	CreatedAt  time.Time `toml:"created_at"`
	LastSeenAt time.Time `toml:"last_seen_at"`
}

// Touch updates LastSeenAt to now.
func (r *Record) Touch() {
	r.LastSeenAt = time.Now().UTC()
}

// Permission returns the effective policy for a backend, defaulting to All.
func (r *Record) Permission(backendID string) ToolPermission {
	if r.ToolPermissions == nil {
		return ToolPermission{Kind: PermissionAll}
	}
	p, ok := r.ToolPermissions[backendID]
	if !ok {
		return ToolPermission{Kind: PermissionAll}
	}
	return p
}

// Customization returns the override description for backendID/toolName, if any.
func (r *Record) Customization(backendID, toolName string) (string, bool) {
	byTool, ok := r.ToolCustomizations[backendID]
	if !ok {
		return "", false
	}
	desc, ok := byTool[toolName]
	return desc, ok
}

// AllowsServer reports whether backendID is in AllowedServerIDs.
func (r *Record) AllowsServer(backendID string) bool {
	return r.AllowedServerIDs[backendID]
}

func newRecord(id projectid.ID, path, agent string) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:               id,
		Path:             path,
		Agent:            agent,
		AllowedServerIDs: map[string]bool{},
		CreatedAt:        now,
		LastSeenAt:       now,
	}
}
