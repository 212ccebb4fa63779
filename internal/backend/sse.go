package backend

import (
	"context"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpcenter/mcpcenter/internal/configstore"
	"github.com/mcpcenter/mcpcenter/internal/errs"
)

// sseTransport speaks MCP over server-sent events, with outgoing requests
// sent as correlated POSTs per MCP conventions (spec.md §4.4).
type sseTransport struct {
	def *configstore.BackendDefinition
	cli *client.Client
}

func newSSETransport(def *configstore.BackendDefinition) *sseTransport {
	return &sseTransport{def: def}
}

func (t *sseTransport) headerOption() client.ClientOption {
	return client.WithHeaders(t.def.Headers)
}

func (t *sseTransport) Connect(ctx context.Context) error {
	cli, err := client.NewSSEMCPClient(t.def.Endpoint, t.headerOption())
	if err != nil {
		return errs.Wrap(errs.ErrBackendStartFailed, "opening sse stream for "+t.def.Name, err)
	}
	t.cli = cli
	if err := t.cli.Start(ctx); err != nil {
		return errs.Wrap(errs.ErrBackendStartFailed, "starting sse client for "+t.def.Name, err)
	}
	return nil
}

func (t *sseTransport) Initialize(ctx context.Context) error {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "mcp-center", Version: "dev"}
	if _, err := t.cli.Initialize(ctx, req); err != nil {
		return errs.Wrap(errs.ErrBackendProtocolViolation, "initializing "+t.def.Name, err)
	}
	return nil
}

func (t *sseTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	res, err := t.cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, errs.Wrap(errs.ErrBackendTransportClosed, "listing tools on "+t.def.Name, err)
	}
	return res.Tools, nil
}

func (t *sseTransport) CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments
	res, err := t.cli.CallTool(ctx, req)
	if err != nil {
		return nil, errs.Wrap(errs.ErrToolBackendUnavailable, "calling "+name+" on "+t.def.Name, err)
	}
	return res, nil
}

func (t *sseTransport) SubscribeNotifications(onToolsChanged func()) {
	t.cli.OnNotification(func(notification mcp.JSONRPCNotification) {
		if notification.Method == "notifications/tools/list_changed" {
			onToolsChanged()
		}
	})
}

func (t *sseTransport) Shutdown(_ context.Context) error {
	if t.cli == nil {
		return nil
	}
	return t.cli.Close()
}
