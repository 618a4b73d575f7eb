package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopback wires Sender straight back into HandleIncoming, simulating
// a device that replies synchronously, to exercise id correlation and
// pagination without a real socket.
func loopbackClient(t *testing.T, respond func(req rpcEnvelope) rpcEnvelope) *DeviceMCPClient {
	var client *DeviceMCPClient
	send := func(ctx context.Context, payload []byte) error {
		var req rpcEnvelope
		require.NoError(t, json.Unmarshal(payload, &req))
		resp := respond(req)
		b, err := json.Marshal(resp)
		require.NoError(t, err)
		go client.HandleIncoming(b)
		return nil
	}
	client = NewDeviceMCPClient(send, nil, time.Second)
	return client
}

func TestDeviceMCP_InitializeUsesReservedID(t *testing.T) {
	var seenID int
	client := loopbackClient(t, func(req rpcEnvelope) rpcEnvelope {
		seenID = req.ID
		return rpcEnvelope{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)}
	})

	err := client.Initialize(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, deviceMCPInitializeID, seenID)
}

func TestDeviceMCP_ListToolsPaginatesWithSameID(t *testing.T) {
	page := 0
	client := loopbackClient(t, func(req rpcEnvelope) rpcEnvelope {
		assert.Equal(t, deviceMCPToolsListID, req.ID)
		page++
		if page == 1 {
			result, _ := json.Marshal(map[string]any{
				"tools": []map[string]any{
					{"name": "search web", "description": "searches the web"},
				},
				"nextCursor": "page2",
			})
			return rpcEnvelope{JSONRPC: "2.0", ID: req.ID, Result: result}
		}
		result, _ := json.Marshal(map[string]any{
			"tools": []map[string]any{
				{"name": "get_time", "description": "gets time"},
			},
		})
		return rpcEnvelope{JSONRPC: "2.0", ID: req.ID, Result: result}
	})

	require.NoError(t, client.ListTools(context.Background()))
	assert.Equal(t, 2, page)
	assert.True(t, client.Ready())

	functions := client.Functions()
	assert.Len(t, functions, 2)
}

func TestDeviceMCP_CallToolUsesMonotonicIDsFrom3(t *testing.T) {
	var ids []int
	client := loopbackClient(t, func(req rpcEnvelope) rpcEnvelope {
		ids = append(ids, req.ID)
		result, _ := json.Marshal(map[string]any{
			"content": []map[string]any{{"text": "ok"}},
		})
		return rpcEnvelope{JSONRPC: "2.0", ID: req.ID, Result: result}
	})

	_, err := client.Dispatch(context.Background(), "search_web", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = client.Dispatch(context.Background(), "search_web", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.Len(t, ids, 2)
	assert.Equal(t, deviceMCPFirstCallID, ids[0])
	assert.Equal(t, deviceMCPFirstCallID+1, ids[1])
}

func TestDeviceMCP_CallTimeout(t *testing.T) {
	client := NewDeviceMCPClient(func(ctx context.Context, payload []byte) error {
		return nil // never responds
	}, nil, 10*time.Millisecond)

	result, err := client.Dispatch(context.Background(), "whatever", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, ActionError, result.Action)
}

func TestDeviceMCP_IsErrorResult(t *testing.T) {
	client := loopbackClient(t, func(req rpcEnvelope) rpcEnvelope {
		result, _ := json.Marshal(map[string]any{"isError": true, "error": "boom"})
		return rpcEnvelope{JSONRPC: "2.0", ID: req.ID, Result: result}
	})
	result, err := client.Dispatch(context.Background(), "tool", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, ActionError, result.Action)
	assert.Equal(t, "boom", result.Text)
}
