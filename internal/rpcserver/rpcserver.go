// Package rpcserver implements RpcListener: the line-delimited JSON
// administrative protocol used by the bundled CLI (spec.md §4.8), distinct
// from HostService's typed MCP dispatch in internal/host. Requests carry a
// loosely-typed params object, so field access goes through gjson/sjson
// rather than per-method structs, matching how toolhive's config editor
// pokes at untyped JSON blobs.
package rpcserver

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"os"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/mcpcenter/mcpcenter/internal/errs"
	"github.com/mcpcenter/mcpcenter/internal/ipc"
	"github.com/mcpcenter/mcpcenter/internal/project"
	"github.com/mcpcenter/mcpcenter/internal/servermanager"
)

const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
	codeNotFound       = -32001
)

// Listener accepts administrative connections on the rpc socket.
type Listener struct {
	net.Listener
	manager  *servermanager.Manager
	registry *project.Registry
	log      zerolog.Logger
}

// NewListener binds the rpc socket at path.
func NewListener(path string, manager *servermanager.Manager, registry *project.Registry, log zerolog.Logger) (*Listener, error) {
	l, err := ipc.Listen(path)
	if err != nil {
		return nil, err
	}
	return &Listener{Listener: l, manager: manager, registry: registry, log: log}, nil
}

// Serve accepts connections until ctx is cancelled.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errs.Wrap(errs.ErrInternal, "accepting rpc connection", err)
			}
		}
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 16*1024), 1<<20)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		resp := l.dispatch(line)
		if _, err := conn.Write(append(resp, '\n')); err != nil {
			l.log.Debug().Err(err).Msg("rpc connection write failed")
			return
		}
	}
}

func (l *Listener) dispatch(raw []byte) []byte {
	if !gjson.ValidBytes(raw) {
		return buildError(nil, codeInvalidParams, "malformed json")
	}

	parsed := gjson.ParseBytes(raw)
	id := parsed.Get("id").Value()
	method := parsed.Get("method").String()

	switch method {
	case "ping":
		return buildResult(id, map[string]any{"pong": true, "pid": os.Getpid()})
	case "list_tools":
		return l.handleListTools(id, parsed)
	case "get_tool_info":
		return l.handleGetToolInfo(id, parsed)
	case "list_projects":
		return l.handleListProjects(id)
	case "refresh_tools":
		return l.handleRefreshTools(id, parsed)
	default:
		return buildError(id, codeMethodNotFound, "unknown method: "+method)
	}
}

type toolSummary struct {
	BackendID string `json:"backendId"`
	Name      string `json:"name"`
}

func (l *Listener) handleListTools(id any, parsed gjson.Result) []byte {
	filterBackendID := parsed.Get("params.backend_id").String()

	var out []toolSummary
	for _, b := range l.manager.ListAll() {
		def := b.Definition()
		if filterBackendID != "" && def.ID != filterBackendID {
			continue
		}
		for _, tool := range b.ToolCache() {
			out = append(out, toolSummary{BackendID: def.ID, Name: tool.Name})
		}
	}
	return buildResult(id, map[string]any{"tools": out})
}

func (l *Listener) handleGetToolInfo(id any, parsed gjson.Result) []byte {
	backendID := parsed.Get("params.backend_id").String()
	toolName := parsed.Get("params.tool").String()
	if backendID == "" || toolName == "" {
		return buildError(id, codeInvalidParams, "backend_id and tool are required")
	}

	tools, err := l.manager.GetTools(backendID)
	if err != nil {
		return buildError(id, codeNotFound, "unknown backend "+backendID)
	}
	for _, tool := range tools {
		if tool.Name == toolName {
			return buildResult(id, map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"inputSchema": tool.InputSchema,
			})
		}
	}
	return buildError(id, codeNotFound, "unknown tool "+toolName+" on backend "+backendID)
}

// handleRefreshTools forces an unconditional tool cache refresh on one
// backend, the path a CLI uses to pick up a hand-edited backend config
// without restarting the daemon (spec.md §4.4's force_refresh_tool_cache).
func (l *Listener) handleRefreshTools(id any, parsed gjson.Result) []byte {
	backendID := parsed.Get("params.backend_id").String()
	if backendID == "" {
		return buildError(id, codeInvalidParams, "backend_id is required")
	}
	if err := l.manager.RefreshTools(context.Background(), backendID); err != nil {
		return buildError(id, codeNotFound, err.Error())
	}
	return buildResult(id, map[string]any{"refreshed": true})
}

func (l *Listener) handleListProjects(id any) []byte {
	recs, err := l.registry.List()
	if err != nil {
		return buildError(id, codeInternal, err.Error())
	}
	type projectSummary struct {
		ID   string `json:"id"`
		Path string `json:"path"`
	}
	out := make([]projectSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, projectSummary{ID: string(rec.ID), Path: rec.Path})
	}
	return buildResult(id, map[string]any{"projects": out})
}

func buildResult(id any, result any) []byte {
	b := []byte("{}")
	var err error
	b, err = sjson.SetBytes(b, "id", id)
	if err != nil {
		return buildError(id, codeInternal, "encoding response id")
	}
	b, err = sjson.SetBytes(b, "result", result)
	if err != nil {
		return buildError(id, codeInternal, "encoding response result")
	}
	return b
}

func buildError(id any, code int, message string) []byte {
	b := []byte("{}")
	b, _ = sjson.SetBytes(b, "id", id)
	b, _ = sjson.SetBytes(b, "error.code", code)
	b, _ = sjson.SetBytes(b, "error.message", message)
	return b
}
