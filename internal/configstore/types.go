package configstore

import "time"

// Transport names one of the three backend transport kinds.
type Transport string

const (
	TransportStdio         Transport = "stdio"
	TransportSSE           Transport = "sse"
	TransportStreamingHTTP Transport = "streaming-http"
)

// BackendDefinition is the persistent configuration of one MCP backend.
type BackendDefinition struct {
	ID        string    `toml:"id"`
	Name      string    `toml:"name"`
	Transport Transport `toml:"protocol"`
	Enabled   bool      `toml:"enabled"`

	// Stdio transport fields.
	Command string            `toml:"command,omitempty"`
	Args    []string          `toml:"args,omitempty"`
	Env     map[string]string `toml:"env,omitempty"`

	// Sse / StreamingHttp transport fields.
	Endpoint string            `toml:"endpoint,omitempty"`
	Headers  map[string]string `toml:"headers,omitempty"`

	CreatedAt  time.Time `toml:"created_at,omitempty"`
	LastSeenAt time.Time `toml:"last_seen_at,omitempty"`

	// unknown carries any TOML keys this struct doesn't know about, so a
	// hand-edited extra field round-trips through load/save unmodified.
	unknown map[string]any `toml:"-"`
}
