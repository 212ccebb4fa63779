// Package backend implements ManagedBackend: the lifecycle of one
// configured MCP backend, whatever its transport, plus the tool cache and
// log writer ServerManager consults.
package backend

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpcenter/mcpcenter/internal/configstore"
)

// Transport is the capability set every backend transport kind satisfies:
// stdio, SSE, and streaming-HTTP are tagged variants behind this single
// interface rather than a class hierarchy, so each transport's failure
// modes stay local to its own implementation.
type Transport interface {
	// Connect establishes the underlying connection (spawns the child
	// process, opens the event stream, or opens the HTTP session).
	Connect(ctx context.Context) error
	// Initialize performs the MCP initialize handshake.
	Initialize(ctx context.Context) error
	// ListTools fetches the backend's current tool list.
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	// CallTool proxies one tool invocation.
	CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error)
	// SubscribeNotifications registers a callback invoked whenever the
	// backend signals tool_list_changed. It does not trigger a refresh
	// itself; the caller decides when to act on it.
	SubscribeNotifications(onToolsChanged func())
	// Shutdown closes the transport, terminating a child process if any.
	Shutdown(ctx context.Context) error
}

// NewTransport builds the Transport implementation matching def.Transport.
func NewTransport(def *configstore.BackendDefinition) (Transport, error) {
	switch def.Transport {
	case configstore.TransportStdio:
		return newStdioTransport(def), nil
	case configstore.TransportSSE:
		return newSSETransport(def), nil
	case configstore.TransportStreamingHTTP:
		return newStreamingHTTPTransport(def), nil
	default:
		return nil, errUnknownTransport(def.Transport)
	}
}
