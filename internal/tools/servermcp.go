package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// TransportKind selects how a server-hosted MCP client connects.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportSSE            TransportKind = "sse"
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// ServerConfig describes one entry from data/.mcp_server_settings.json.
type ServerConfig struct {
	Name      string
	Transport TransportKind
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Headers   map[string]string

	// APIAccessToken is the legacy auth field; when set it is promoted
	// to an Authorization: Bearer header with a logged warning.
	APIAccessToken string
}

// rpcClient is the subset of a connected MCP client this package
// needs. The concrete implementation (servermcp_dial.go) is backed by
// github.com/mark3labs/mcp-go's client package; this interface exists
// so the retry/reconnect policy below is unit-testable against a fake.
type rpcClient interface {
	ListTools(ctx context.Context, cursor string) (tools []mcpToolInfo, nextCursor string, err error)
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (text string, isError bool, err error)
	Close() error
}

type mcpToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Dialer opens a new rpcClient for cfg. Production code wires this to
// DialMCPServer (servermcp_dial.go, mark3labs/mcp-go backed).
type Dialer func(ctx context.Context, cfg ServerConfig) (rpcClient, error)

// ServerMCPClient is one server_mcp entry: a named, reconnectable MCP
// client with retry-on-failure dispatch.
type ServerMCPClient struct {
	cfg    ServerConfig
	dial   Dialer
	logger *zap.Logger

	maxRetries int
	backoff    time.Duration

	client  rpcClient
	tools   map[string]mcpToolInfo // sanitized -> info
	nameMap map[string]string
}

// NewServerMCPClient constructs a client for cfg. Connect must be
// called before Functions/Dispatch are used.
func NewServerMCPClient(cfg ServerConfig, dial Dialer, logger *zap.Logger, maxRetries int, backoff time.Duration) *ServerMCPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	if cfg.APIAccessToken != "" {
		logger.Warn("server_mcp: API_ACCESS_TOKEN is deprecated, promoting to Authorization header", zap.String("server", cfg.Name))
		if cfg.Headers == nil {
			cfg.Headers = map[string]string{}
		}
		cfg.Headers["Authorization"] = "Bearer " + cfg.APIAccessToken
	}
	return &ServerMCPClient{
		cfg: cfg, dial: dial, logger: logger,
		maxRetries: maxRetries, backoff: backoff,
		tools: make(map[string]mcpToolInfo), nameMap: make(map[string]string),
	}
}

// Connect dials the server and fetches its full (paginated) tool list.
func (c *ServerMCPClient) Connect(ctx context.Context) error {
	client, err := c.dial(ctx, c.cfg)
	if err != nil {
		return fmt.Errorf("server_mcp[%s]: dial: %w", c.cfg.Name, err)
	}
	c.client = client

	cursor := ""
	for {
		infos, next, err := client.ListTools(ctx, cursor)
		if err != nil {
			return fmt.Errorf("server_mcp[%s]: list tools: %w", c.cfg.Name, err)
		}
		for _, t := range infos {
			sanitized := Sanitize(t.Name)
			c.tools[sanitized] = t
			c.nameMap[sanitized] = t.Name
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return nil
}

func (c *ServerMCPClient) Functions() []Schema {
	out := make([]Schema, 0, len(c.tools))
	for sanitized, t := range c.tools {
		out = append(out, Schema{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
		_ = sanitized
	}
	return out
}

// HasTool reports whether originalName is published by this client.
func (c *ServerMCPClient) HasTool(originalName string) bool {
	for _, name := range c.nameMap {
		if name == originalName {
			return true
		}
	}
	return false
}

// Dispatch calls a tool, making up to maxRetries attempts in total,
// with a reconnect and backoff between failed attempts (spec.md §4.7 retries).
func (c *ServerMCPClient) Dispatch(ctx context.Context, originalName string, args json.RawMessage) (Result, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if c.client == nil {
			if err := c.Connect(ctx); err != nil {
				lastErr = err
			}
		}
		if c.client != nil {
			text, isError, err := c.client.CallTool(ctx, originalName, args)
			if err == nil {
				if isError {
					return Result{Action: ActionError, Text: text}, nil
				}
				return Result{Action: ActionReqLLM, Text: text}, nil
			}
			lastErr = err
		}

		if attempt == c.maxRetries-1 {
			break
		}
		c.logger.Warn("server_mcp: dispatch failed, reconnecting before retry",
			zap.String("server", c.cfg.Name), zap.Int("attempt", attempt+1), zap.Error(lastErr))
		c.reconnect(ctx)

		select {
		case <-time.After(c.backoff):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return Result{}, fmt.Errorf("server_mcp[%s]: dispatch %s failed after %d attempts: %w", c.cfg.Name, originalName, c.maxRetries, lastErr)
}

func (c *ServerMCPClient) reconnect(ctx context.Context) {
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
	if err := c.Connect(ctx); err != nil {
		c.logger.Error("server_mcp: reconnect failed", zap.String("server", c.cfg.Name), zap.Error(err))
	}
}

// Close releases the underlying client connection.
func (c *ServerMCPClient) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
