// Package host implements HostService: the MCP server role presented to
// one bridge session, computing the project-scoped visible toolset and
// dispatching tool calls to the owning ManagedBackend (spec.md §4.6).
//
// The wire loop is hand-rolled rather than built on mcp-go's server.MCPServer
// transport helpers: a bridge session needs to send its own outbound
// roots/list request to the peer mid-session (spec.md §4.7 step 5), which
// means demultiplexing inbound lines between "requests from the peer" and
// "responses to our own outbound requests" on one shared stream — something
// server.MCPServer's request-only dispatch loop isn't built to do. The
// mcp-go/mcp package's wire types are used throughout regardless, so the
// payload shapes stay the library's own rather than invented.
package host

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"github.com/mcpcenter/mcpcenter/internal/backend"
	"github.com/mcpcenter/mcpcenter/internal/configstore"
	"github.com/mcpcenter/mcpcenter/internal/errs"
	"github.com/mcpcenter/mcpcenter/internal/project"
	"github.com/mcpcenter/mcpcenter/internal/projectid"
	"github.com/mcpcenter/mcpcenter/internal/servermanager"
)

// JSON-RPC / MCP error codes used in responses we author.
const (
	codeParseError      = -32700
	codeMethodNotFound  = -32601
	codeInvalidParams   = -32602
	codeInternalError   = -32603
	codeToolNotFound    = -32001
	codeBackendDown     = -32002
)

// RootsTimeout bounds how long Session.RequestRoots waits for the peer's
// roots/list response before giving up (spec.md §4.7 step 5 is best-effort).
const RootsTimeout = 5 * time.Second

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type inboundResponse struct {
	result json.RawMessage
	errMsg string
}

// backendView is the slice of *backend.ManagedBackend that Session needs.
// Extracting it keeps Session testable without a live transport: tests
// supply a plain struct satisfying this interface instead of standing up a
// real ManagedBackend, whose transport field is unexported and real-only.
type backendView interface {
	Definition() *configstore.BackendDefinition
	State() backend.State
	ToolCache() []mcp.Tool
	CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error)
}

// toolRouter is the slice of *servermanager.Manager that Session needs.
type toolRouter interface {
	ListAll() []backendView
	ResolveTool(name string) (backendView, bool)
}

// managerAdapter wraps a *servermanager.Manager as a toolRouter; needed
// because ListAll returns a concrete []*backend.ManagedBackend, which isn't
// assignable to []backendView without converting element by element.
type managerAdapter struct{ m *servermanager.Manager }

func (a managerAdapter) ListAll() []backendView {
	bs := a.m.ListAll()
	out := make([]backendView, len(bs))
	for i, b := range bs {
		out[i] = b
	}
	return out
}

func (a managerAdapter) ResolveTool(name string) (backendView, bool) {
	b, ok := a.m.ResolveTool(name)
	if !ok {
		return nil, false
	}
	return b, true
}

// Session is one HostService instance bound to a bridge connection: it owns
// the session's current project_id and a dispatch table for the MCP method
// set the daemon presents to a client (spec.md §4.6).
type Session struct {
	id       string
	manager  toolRouter
	registry *project.Registry
	log      zerolog.Logger

	mu          sync.RWMutex
	projectID   projectid.ID
	initialized bool

	writeMu    sync.Mutex
	conn       io.Writer
	scanner    *bufio.Scanner
	pending    sync.Map // id string -> chan inboundResponse
	reqCounter atomic.Int64

	// onRoots, if set, is invoked once with the peer's first advertised root
	// URI after the initial roots/list probe completes (empty string if the
	// peer had none or the probe timed out). Used by the bridge to decide
	// whether the provisional project id needs migrating (spec.md §4.7
	// step 5).
	onRoots func(rootURI string)
}

// OnRoots registers the callback invoked after the post-initialize
// roots/list probe resolves. Must be called before Serve.
func (s *Session) OnRoots(fn func(rootURI string)) {
	s.onRoots = fn
}

// NewSession builds a Session bound to projectID, not yet attached to a
// connection.
func NewSession(manager *servermanager.Manager, registry *project.Registry, projectID projectid.ID, log zerolog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:        id,
		manager:   managerAdapter{m: manager},
		registry:  registry,
		projectID: projectID,
		log:       log.With().Str("session_id", id).Logger(),
	}
}

// ID returns the session's correlation id.
func (s *Session) ID() string { return s.id }

// ProjectID returns the session's current project binding.
func (s *Session) ProjectID() projectid.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.projectID
}

// SetProjectID atomically rebinds the session to a new project, e.g. after
// a bridge migration (spec.md §4.7 step 5). Subsequent tool listings use
// the new project's policy without requiring reconnection.
func (s *Session) SetProjectID(id projectid.ID) {
	s.mu.Lock()
	s.projectID = id
	s.mu.Unlock()
}

// Attach binds the session to a bidirectional connection and readies the
// frame scanner shared by Serve and RequestRoots.
func (s *Session) Attach(rw io.ReadWriter) {
	s.conn = rw
	scanner := bufio.NewScanner(rw)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	s.scanner = scanner
}

func (s *Session) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errs.Wrap(errs.ErrInternal, "encoding rpc frame", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(append(data, '\n')); err != nil {
		return errs.Wrap(errs.ErrBridgeHandshakeFailed, "writing rpc frame", err)
	}
	return nil
}

func (s *Session) writeResult(id any, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.writeErrorFrame(id, codeInternalError, "encoding result")
		return
	}
	_ = s.writeLine(rpcRequest{JSONRPC: "2.0", ID: id, Result: raw})
}

func (s *Session) writeErrorFrame(id any, code int, message string) {
	_ = s.writeLine(rpcRequest{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}

// callPeer sends a request to the peer and blocks for its matching response,
// demultiplexed out of Serve's shared read loop.
func (s *Session) callPeer(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := fmt.Sprintf("host-%d", s.reqCounter.Add(1))
	ch := make(chan inboundResponse, 1)
	s.pending.Store(id, ch)
	defer s.pending.Delete(id)

	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return nil, errs.Wrap(errs.ErrInternal, "encoding "+method+" params", err)
	}
	if err := s.writeLine(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: paramsRaw}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, errs.NewError(errs.ErrBridgeHandshakeFailed, "timed out waiting for peer response to "+method, nil)
	case res := <-ch:
		if res.errMsg != "" {
			return nil, errs.NewError(errs.ErrBridgeHandshakeFailed, res.errMsg, nil)
		}
		return res.result, nil
	}
}

// RequestRoots asks the peer for its configured roots, returning the first
// root's path (file:// URI or bare path), or "" if the peer has none or
// doesn't support the method. Errors are swallowed to a log line: this is a
// best-effort enrichment of the provisional project path, not a required
// step (spec.md §4.7 step 5).
func (s *Session) RequestRoots(ctx context.Context) string {
	raw, err := s.callPeer(ctx, "roots/list", struct{}{}, RootsTimeout)
	if err != nil {
		s.log.Debug().Err(err).Msg("peer did not answer roots/list")
		return ""
	}
	var result struct {
		Roots []struct {
			URI string `json:"uri"`
		} `json:"roots"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || len(result.Roots) == 0 {
		return ""
	}
	return result.Roots[0].URI
}

// Serve processes frames from the attached connection until it closes or
// ctx is cancelled. Attach must be called first.
func (s *Session) Serve(ctx context.Context) error {
	for s.scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var env rpcRequest
		if err := json.Unmarshal(line, &env); err != nil {
			s.writeErrorFrame(nil, codeParseError, "malformed json-rpc frame")
			continue
		}

		if env.Method == "" {
			// A response to one of our own outbound requests (RequestRoots).
			s.resolvePending(env)
			continue
		}

		if env.ID == nil {
			s.handleNotification(env.Method, env.Params)
			continue
		}

		result, rerr := s.dispatch(ctx, env.Method, env.Params)
		if rerr != nil {
			s.writeErrorFrame(env.ID, rerr.Code, rerr.Message)
			continue
		}
		s.writeResult(env.ID, result)

		if env.Method == "initialize" {
			go s.probeRoots(ctx)
		}
	}
	return s.scanner.Err()
}

// probeRoots runs the best-effort post-initialize roots/list request and
// hands the result to onRoots, if registered.
func (s *Session) probeRoots(ctx context.Context) {
	root := s.RequestRoots(ctx)
	if s.onRoots != nil {
		s.onRoots(root)
	}
}

func (s *Session) resolvePending(env rpcRequest) {
	idStr, ok := env.ID.(string)
	if !ok {
		return
	}
	v, ok := s.pending.Load(idStr)
	if !ok {
		return
	}
	ch := v.(chan inboundResponse)
	resp := inboundResponse{result: env.Result}
	if env.Error != nil {
		resp.errMsg = env.Error.Message
	}
	select {
	case ch <- resp:
	default:
	}
}

func (s *Session) handleNotification(method string, _ json.RawMessage) {
	s.log.Debug().Str("method", method).Msg("notification from peer")
}

// dispatch implements the MCP method set of spec.md §4.6: initialize,
// tools/list, tools/call, and (supplemented) resources/list, prompts/list.
// Every other method replies with "method not found".
func (s *Session) dispatch(ctx context.Context, method string, params json.RawMessage) (any, *rpcError) {
	switch method {
	case "initialize":
		return s.handleInitialize(), nil
	case "tools/list":
		return s.handleListTools()
	case "tools/call":
		return s.handleCallTool(ctx, params)
	case "resources/list":
		return struct {
			Resources []any `json:"resources"`
		}{Resources: []any{}}, nil
	case "prompts/list":
		return struct {
			Prompts []any `json:"prompts"`
		}{Prompts: []any{}}, nil
	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: "method not found: " + method}
	}
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    initCapabilities   `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
}

type initCapabilities struct {
	Tools map[string]any `json:"tools"`
}

func (s *Session) handleInitialize() any {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	return initializeResult{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    initCapabilities{Tools: map[string]any{"listChanged": true}},
		ServerInfo:      mcp.Implementation{Name: "mcp-center", Version: "dev"},
	}
}

// visibleEntry pairs an exposed tool with the backend that owns it.
type visibleEntry struct {
	BackendID string
	Tool      mcp.Tool
}

// visibleTools implements the tool visibility algorithm of spec.md §4.6.1.
func (s *Session) visibleTools() ([]visibleEntry, error) {
	rec, err := s.registry.Get(s.ProjectID())
	if err != nil {
		return nil, err
	}

	var out []visibleEntry
	for _, b := range s.manager.ListAll() {
		def := b.Definition()
		if !def.Enabled || b.State() != backend.Running {
			continue
		}
		if !rec.AllowsServer(def.ID) {
			continue
		}
		perm := rec.Permission(def.ID)
		for _, tool := range b.ToolCache() {
			if !perm.Allows(tool.Name) {
				continue
			}
			// tool_index already resolved any cross-backend name collision
			// (first-registered wins); only the winner may be exposed here,
			// so list_tools and call_tool agree on which backend owns a name.
			owner, ok := s.manager.ResolveTool(tool.Name)
			if !ok || owner.Definition().ID != def.ID {
				continue
			}
			if desc, ok := rec.Customization(def.ID, tool.Name); ok {
				tool.Description = desc
			}
			out = append(out, visibleEntry{BackendID: def.ID, Tool: tool})
		}
	}
	return out, nil
}

func (s *Session) handleListTools() (any, *rpcError) {
	entries, err := s.visibleTools()
	if err != nil {
		return nil, &rpcError{Code: codeInternalError, Message: err.Error()}
	}
	tools := make([]mcp.Tool, 0, len(entries))
	for _, e := range entries {
		tools = append(tools, e.Tool)
	}
	return struct {
		Tools []mcp.Tool `json:"tools"`
	}{Tools: tools}, nil
}

func (s *Session) handleCallTool(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var req struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "malformed tools/call params"}
	}

	b, ok := s.manager.ResolveTool(req.Name)
	if !ok {
		return nil, toolNotFoundError()
	}

	rec, err := s.registry.Get(s.ProjectID())
	if err != nil {
		return nil, toolNotFoundError()
	}
	def := b.Definition()
	// Re-validate against the project even though tool_index already routed
	// this name; the policy may have changed since list_tools was last
	// called. Absent and forbidden look identical to the caller (spec.md
	// §4.6.2 step 2) so policy is never leaked through the error shape.
	if !rec.AllowsServer(def.ID) || !rec.Permission(def.ID).Allows(req.Name) {
		return nil, toolNotFoundError()
	}

	result, err := b.CallTool(ctx, req.Name, req.Arguments)
	if err != nil {
		return nil, &rpcError{Code: codeBackendDown, Message: "backend unavailable"}
	}
	return result, nil
}

func toolNotFoundError() *rpcError {
	return &rpcError{Code: codeToolNotFound, Message: "tool not found"}
}
