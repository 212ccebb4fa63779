package backend

import (
	"context"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpcenter/mcpcenter/internal/configstore"
	"github.com/mcpcenter/mcpcenter/internal/errs"
)

// streamingHTTPTransport opens a bidirectional streaming HTTP session
// (spec.md §4.4 StreamingHttp).
type streamingHTTPTransport struct {
	def *configstore.BackendDefinition
	cli *client.Client
}

func newStreamingHTTPTransport(def *configstore.BackendDefinition) *streamingHTTPTransport {
	return &streamingHTTPTransport{def: def}
}

func (t *streamingHTTPTransport) Connect(_ context.Context) error {
	cli, err := client.NewStreamableHttpClient(t.def.Endpoint, client.WithHTTPHeaders(t.def.Headers))
	if err != nil {
		return errs.Wrap(errs.ErrBackendStartFailed, "opening streaming http session for "+t.def.Name, err)
	}
	t.cli = cli
	return nil
}

func (t *streamingHTTPTransport) Initialize(ctx context.Context) error {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "mcp-center", Version: "dev"}
	if _, err := t.cli.Initialize(ctx, req); err != nil {
		return errs.Wrap(errs.ErrBackendProtocolViolation, "initializing "+t.def.Name, err)
	}
	return nil
}

func (t *streamingHTTPTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	res, err := t.cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, errs.Wrap(errs.ErrBackendTransportClosed, "listing tools on "+t.def.Name, err)
	}
	return res.Tools, nil
}

func (t *streamingHTTPTransport) CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments
	res, err := t.cli.CallTool(ctx, req)
	if err != nil {
		return nil, errs.Wrap(errs.ErrToolBackendUnavailable, "calling "+name+" on "+t.def.Name, err)
	}
	return res, nil
}

func (t *streamingHTTPTransport) SubscribeNotifications(onToolsChanged func()) {
	t.cli.OnNotification(func(notification mcp.JSONRPCNotification) {
		if notification.Method == "notifications/tools/list_changed" {
			onToolsChanged()
		}
	})
}

func (t *streamingHTTPTransport) Shutdown(_ context.Context) error {
	if t.cli == nil {
		return nil
	}
	return t.cli.Close()
}
