package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// reserved JSON-RPC ids for the device-hosted MCP handshake.
const (
	deviceMCPInitializeID = 1
	deviceMCPToolsListID  = 2
	deviceMCPFirstCallID  = 3
)

// Sender delivers a raw JSON-RPC envelope to the device over whatever
// transport the connection already owns (its WebSocket).
type Sender func(ctx context.Context, payload []byte) error

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type deviceTool struct {
	name        string
	description string
	inputSchema json.RawMessage
}

// PendingRPC correlates an outstanding request id to the goroutine
// awaiting its response.
type pendingRPC struct {
	resultCh chan rpcEnvelope
}

// DeviceMCPClient is the device-hosted MCP subsystem: JSON-RPC 2.0 over
// the device's own WebSocket, with reserved handshake ids and a
// monotonically increasing id space for tool calls.
type DeviceMCPClient struct {
	send    Sender
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	nextID  int
	pending map[int]*pendingRPC
	tools   map[string]deviceTool // sanitized name -> tool
	nameMap map[string]string     // sanitized -> original
	ready   bool
}

// NewDeviceMCPClient constructs a client bound to send, the per-
// connection function that writes a JSON-RPC envelope to the device.
func NewDeviceMCPClient(send Sender, logger *zap.Logger, timeout time.Duration) *DeviceMCPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DeviceMCPClient{
		send:    send,
		logger:  logger,
		timeout: timeout,
		nextID:  deviceMCPFirstCallID,
		pending: make(map[int]*pendingRPC),
		tools:   make(map[string]deviceTool),
		nameMap: make(map[string]string),
	}
}

// Initialize sends the reserved id=1 initialize request and waits for
// its response.
func (c *DeviceMCPClient) Initialize(ctx context.Context, params json.RawMessage) error {
	_, err := c.roundTrip(ctx, deviceMCPInitializeID, "initialize", params)
	return err
}

// ListTools sends the reserved id=2 tools/list request, following
// nextCursor pagination (reusing id=2 for each continuation, matching
// the device-side protocol) until exhausted.
func (c *DeviceMCPClient) ListTools(ctx context.Context) error {
	cursor := ""
	for {
		var params json.RawMessage
		if cursor != "" {
			b, _ := json.Marshal(map[string]string{"cursor": cursor})
			params = b
		}
		resp, err := c.roundTrip(ctx, deviceMCPToolsListID, "tools/list", params)
		if err != nil {
			return err
		}

		var result struct {
			Tools []struct {
				Name        string          `json:"name"`
				Description string          `json:"description"`
				InputSchema json.RawMessage `json:"inputSchema"`
			} `json:"tools"`
			NextCursor string `json:"nextCursor"`
		}
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return fmt.Errorf("devicemcp: parse tools/list result: %w", err)
		}

		c.mu.Lock()
		for _, t := range result.Tools {
			sanitized := Sanitize(t.Name)
			c.tools[sanitized] = deviceTool{name: t.Name, description: t.Description, inputSchema: t.InputSchema}
			c.nameMap[sanitized] = t.Name
		}
		c.mu.Unlock()

		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}

	c.mu.Lock()
	c.rewriteDescriptionsLocked()
	c.ready = true
	c.mu.Unlock()
	return nil
}

func (c *DeviceMCPClient) rewriteDescriptionsLocked() {
	for name, tool := range c.tools {
		desc := tool.description
		for sanitized, original := range c.nameMap {
			desc = strings.ReplaceAll(desc, original, sanitized)
		}
		tool.description = desc
		c.tools[name] = tool
	}
}

// Ready reports whether the initial tools/list handshake has finished.
func (c *DeviceMCPClient) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// HandleIncoming processes one JSON-RPC envelope arriving from the
// device (a "mcp"-typed message), resolving any pending call or
// handshake response it correlates to.
func (c *DeviceMCPClient) HandleIncoming(raw []byte) {
	var env rpcEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("devicemcp: malformed message", zap.Error(err))
		return
	}

	c.mu.Lock()
	p, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.mu.Unlock()

	if ok {
		p.resultCh <- env
	}
}

func (c *DeviceMCPClient) roundTrip(ctx context.Context, id int, method string, params json.RawMessage) (rpcEnvelope, error) {
	p := &pendingRPC{resultCh: make(chan rpcEnvelope, 1)}

	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()

	req := rpcEnvelope{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		c.cleanup(id)
		return rpcEnvelope{}, fmt.Errorf("devicemcp: marshal request: %w", err)
	}
	if err := c.send(ctx, payload); err != nil {
		c.cleanup(id)
		return rpcEnvelope{}, fmt.Errorf("devicemcp: send request: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case env := <-p.resultCh:
		if env.Error != nil {
			return env, fmt.Errorf("devicemcp: %s", env.Error.Message)
		}
		return env, nil
	case <-timer.C:
		c.cleanup(id)
		return rpcEnvelope{}, fmt.Errorf("devicemcp: call %d (%s) timed out", id, method)
	case <-ctx.Done():
		c.cleanup(id)
		return rpcEnvelope{}, ctx.Err()
	}
}

func (c *DeviceMCPClient) cleanup(id int) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *DeviceMCPClient) allocateID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

// Functions implements Source.
func (c *DeviceMCPClient) Functions() []Schema {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Schema, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, Schema{Name: t.name, Description: t.description, Parameters: t.inputSchema})
	}
	return out
}

// Dispatch implements Source: a tools/call request over the device
// WebSocket, correlated via the PendingRPC table.
func (c *DeviceMCPClient) Dispatch(ctx context.Context, originalName string, args json.RawMessage) (Result, error) {
	id := c.allocateID()
	params, _ := json.Marshal(map[string]any{
		"name":      originalName,
		"arguments": json.RawMessage(args),
	})

	env, err := c.roundTrip(ctx, id, "tools/call", params)
	if err != nil {
		return Result{Action: ActionError, Text: err.Error()}, nil
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		IsError bool   `json:"isError"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return Result{Action: ActionError, Text: fmt.Sprintf("devicemcp: parse call result: %v", err)}, nil
	}
	if result.IsError {
		msg := result.Error
		if msg == "" && len(result.Content) > 0 {
			msg = result.Content[0].Text
		}
		return Result{Action: ActionError, Text: msg}, nil
	}

	var text string
	for _, item := range result.Content {
		text += item.Text
	}
	return Result{Action: ActionReqLLM, Text: text}, nil
}
