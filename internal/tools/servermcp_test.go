package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRPCClient struct {
	tools      []mcpToolInfo
	callErr    error
	callText   string
	callIsErr  bool
	closed     bool
	failDialed bool // makes every ListTools call fail, simulating a dead connection
}

func (f *fakeRPCClient) ListTools(ctx context.Context, cursor string) ([]mcpToolInfo, string, error) {
	if f.failDialed {
		return nil, "", errors.New("connection reset")
	}
	return f.tools, "", nil
}

func (f *fakeRPCClient) CallTool(ctx context.Context, name string, arguments json.RawMessage) (string, bool, error) {
	if f.callErr != nil {
		return "", false, f.callErr
	}
	return f.callText, f.callIsErr, nil
}

func (f *fakeRPCClient) Close() error {
	f.closed = true
	return nil
}

func TestServerMCP_ConnectPopulatesTools(t *testing.T) {
	dial := func(ctx context.Context, cfg ServerConfig) (rpcClient, error) {
		return &fakeRPCClient{tools: []mcpToolInfo{{Name: "search web", Description: "searches"}}}, nil
	}
	c := NewServerMCPClient(ServerConfig{Name: "search"}, dial, nil, 3, time.Millisecond)
	require.NoError(t, c.Connect(context.Background()))
	assert.Len(t, c.Functions(), 1)
	assert.True(t, c.HasTool("search web"))
}

func TestServerMCP_DispatchSucceedsFirstTry(t *testing.T) {
	fake := &fakeRPCClient{callText: "42 degrees"}
	dial := func(ctx context.Context, cfg ServerConfig) (rpcClient, error) { return fake, nil }
	c := NewServerMCPClient(ServerConfig{Name: "weather"}, dial, nil, 3, time.Millisecond)
	require.NoError(t, c.Connect(context.Background()))

	result, err := c.Dispatch(context.Background(), "get_weather", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, ActionReqLLM, result.Action)
	assert.Equal(t, "42 degrees", result.Text)
}

func TestServerMCP_DispatchRetriesAndReconnectsOnFailure(t *testing.T) {
	attempts := 0
	dial := func(ctx context.Context, cfg ServerConfig) (rpcClient, error) {
		attempts++
		if attempts < 3 {
			return &fakeRPCClient{callErr: errors.New("boom")}, nil
		}
		return &fakeRPCClient{callText: "recovered"}, nil
	}
	c := NewServerMCPClient(ServerConfig{Name: "flaky"}, dial, nil, 3, time.Millisecond)
	require.NoError(t, c.Connect(context.Background()))

	result, err := c.Dispatch(context.Background(), "tool", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Text)
	assert.Equal(t, 3, attempts)
}

func TestServerMCP_DispatchFailsAfterMaxRetries(t *testing.T) {
	dial := func(ctx context.Context, cfg ServerConfig) (rpcClient, error) {
		return &fakeRPCClient{callErr: errors.New("down")}, nil
	}
	c := NewServerMCPClient(ServerConfig{Name: "always-down"}, dial, nil, 3, time.Millisecond)
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Dispatch(context.Background(), "tool", json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestServerMCP_DeprecatedTokenPromotedToHeader(t *testing.T) {
	dial := func(ctx context.Context, cfg ServerConfig) (rpcClient, error) {
		assert.Equal(t, "Bearer secret123", cfg.Headers["Authorization"])
		return &fakeRPCClient{}, nil
	}
	c := NewServerMCPClient(ServerConfig{Name: "legacy", APIAccessToken: "secret123"}, dial, nil, 3, time.Millisecond)
	require.NoError(t, c.Connect(context.Background()))
}

func TestServerMCP_IsErrorResultMapsToActionError(t *testing.T) {
	fake := &fakeRPCClient{callText: "bad args", callIsErr: true}
	dial := func(ctx context.Context, cfg ServerConfig) (rpcClient, error) { return fake, nil }
	c := NewServerMCPClient(ServerConfig{Name: "strict"}, dial, nil, 3, time.Millisecond)
	require.NoError(t, c.Connect(context.Background()))

	result, err := c.Dispatch(context.Background(), "tool", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, ActionError, result.Action)
}

func TestServerMCP_CloseClosesUnderlyingClient(t *testing.T) {
	fake := &fakeRPCClient{}
	dial := func(ctx context.Context, cfg ServerConfig) (rpcClient, error) { return fake, nil }
	c := NewServerMCPClient(ServerConfig{Name: "x"}, dial, nil, 3, time.Millisecond)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())
	assert.True(t, fake.closed)
}
