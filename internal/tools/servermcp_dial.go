package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// mcpGoClient adapts a *client.Client from mark3labs/mcp-go to the
// package-local rpcClient interface.
type mcpGoClient struct {
	inner *client.Client
}

// DialMCPServer is the production Dialer: it opens a real transport
// (stdio subprocess, SSE, or streamable HTTP) per cfg.Transport and
// performs the MCP initialize handshake, grounded in
// original_source's ServerMCPClient connection setup.
func DialMCPServer(ctx context.Context, cfg ServerConfig) (rpcClient, error) {
	var (
		c   *client.Client
		err error
	)

	switch cfg.Transport {
	case TransportStdio:
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		c, err = client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	case TransportSSE:
		opts := headerOptions(cfg.Headers)
		c, err = client.NewSSEMCPClient(cfg.URL, opts...)
	case TransportStreamableHTTP:
		opts := streamableOptions(cfg.Headers)
		c, err = client.NewStreamableHttpClient(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("server_mcp[%s]: unknown transport %q", cfg.Name, cfg.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("server_mcp[%s]: open transport: %w", cfg.Name, err)
	}

	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("server_mcp[%s]: start transport: %w", cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "voice-gateway", Version: "1.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("server_mcp[%s]: initialize: %w", cfg.Name, err)
	}

	return &mcpGoClient{inner: c}, nil
}

func headerOptions(headers map[string]string) []transport.ClientOption {
	if len(headers) == 0 {
		return nil
	}
	return []transport.ClientOption{transport.WithHeaders(headers)}
}

func streamableOptions(headers map[string]string) []transport.StreamableHTTPCOption {
	if len(headers) == 0 {
		return nil
	}
	return []transport.StreamableHTTPCOption{transport.WithHTTPHeaders(headers)}
}

func (m *mcpGoClient) ListTools(ctx context.Context, cursor string) ([]mcpToolInfo, string, error) {
	req := mcp.ListToolsRequest{}
	if cursor != "" {
		req.Params.Cursor = mcp.Cursor(cursor)
	}
	resp, err := m.inner.ListTools(ctx, req)
	if err != nil {
		return nil, "", err
	}
	out := make([]mcpToolInfo, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		schema, _ := json.Marshal(t.InputSchema)
		out = append(out, mcpToolInfo{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return out, string(resp.NextCursor), nil
}

func (m *mcpGoClient) CallTool(ctx context.Context, name string, arguments json.RawMessage) (string, bool, error) {
	var args map[string]any
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return "", false, fmt.Errorf("servermcp: decode arguments: %w", err)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := m.inner.CallTool(ctx, req)
	if err != nil {
		return "", false, err
	}

	var text string
	for _, item := range resp.Content {
		if tc, ok := item.(mcp.TextContent); ok {
			text += tc.Text
		}
	}
	return text, resp.IsError, nil
}

func (m *mcpGoClient) Close() error {
	return m.inner.Close()
}
