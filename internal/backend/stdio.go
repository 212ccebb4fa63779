package backend

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpcenter/mcpcenter/internal/configstore"
	"github.com/mcpcenter/mcpcenter/internal/errs"
)

// stdioTransport spawns the backend as a child process and speaks MCP over
// its stdin/stdout, per spec.md §4.4.
type stdioTransport struct {
	def *configstore.BackendDefinition
	cli *client.Client
}

func newStdioTransport(def *configstore.BackendDefinition) *stdioTransport {
	return &stdioTransport{def: def}
}

func (t *stdioTransport) Connect(ctx context.Context) error {
	env := make([]string, 0, len(t.def.Env))
	for k, v := range t.def.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	cli, err := client.NewStdioMCPClient(t.def.Command, env, t.def.Args...)
	if err != nil {
		return errs.Wrap(errs.ErrBackendStartFailed, "spawning stdio backend "+t.def.Name, err)
	}
	t.cli = cli

	if err := t.cli.Start(ctx); err != nil {
		return errs.Wrap(errs.ErrBackendStartFailed, "starting stdio backend "+t.def.Name, err)
	}
	return nil
}

func (t *stdioTransport) Initialize(ctx context.Context) error {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "mcp-center", Version: "dev"}
	_, err := t.cli.Initialize(ctx, req)
	if err != nil {
		return errs.Wrap(errs.ErrBackendProtocolViolation, "initializing "+t.def.Name, err)
	}
	return nil
}

func (t *stdioTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	res, err := t.cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, errs.Wrap(errs.ErrBackendTransportClosed, "listing tools on "+t.def.Name, err)
	}
	return res.Tools, nil
}

func (t *stdioTransport) CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments
	res, err := t.cli.CallTool(ctx, req)
	if err != nil {
		return nil, errs.Wrap(errs.ErrToolBackendUnavailable, "calling "+name+" on "+t.def.Name, err)
	}
	return res, nil
}

func (t *stdioTransport) SubscribeNotifications(onToolsChanged func()) {
	t.cli.OnNotification(func(notification mcp.JSONRPCNotification) {
		if notification.Method == "notifications/tools/list_changed" {
			onToolsChanged()
		}
	})
}

func (t *stdioTransport) Shutdown(_ context.Context) error {
	if t.cli == nil {
		return nil
	}
	return t.cli.Close()
}
