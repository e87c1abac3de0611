package transport

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/mcpserve/pkg/schema"
	"github.com/meridianhq/mcpserve/pkg/tools"
	"github.com/meridianhq/mcpserve/pkg/workflow"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	reg := tools.NewRegistry(prometheus.NewRegistry())
	require.NoError(t, reg.Register(tools.Definition{
		Name: "echo",
		InputSchema: schema.Object(map[string]*schema.Schema{
			"message": schema.String(),
		}),
	}, func(_ context.Context, args map[string]any, _ tools.Extra) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(args["message"].(string)), nil
	}, tools.ModeManaged))

	engine := workflow.NewEngine(nil)
	require.NoError(t, engine.Register(workflow.Registration{
		Name:        "cleanup",
		Description: "removes stale records",
		Execute: func(ctx context.Context, _ map[string]any, exec *workflow.Execution) (map[string]any, error) {
			if _, err := exec.SafeExecute(ctx, "sweep", func(context.Context) (any, error) {
				return nil, nil
			}, ""); err != nil {
				return nil, err
			}
			return map[string]any{"removed": 3}, nil
		},
	}))

	return NewDispatcher(reg, engine, ServerInfo{Name: "mcpserve", Version: "test"})
}

func request(t *testing.T, id int, method string, params any) *Message {
	t.Helper()
	msg := &Message{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: method}
	if id != 1 {
		raw, err := json.Marshal(id)
		require.NoError(t, err)
		msg.ID = raw
	}
	if params != nil {
		raw, err := json.Marshal(params)
		require.NoError(t, err)
		msg.Params = raw
	}
	return msg
}

func TestDispatchInitialize(t *testing.T) {
	d := newTestDispatcher(t)

	resp := d.Dispatch(context.Background(), request(t, 1, "initialize", nil))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]any)
	assert.Equal(t, protocolVersion, result["protocolVersion"])
	assert.Equal(t, ServerInfo{Name: "mcpserve", Version: "test"}, result["serverInfo"])
}

func TestDispatchPing(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), request(t, 1, "ping", nil))
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
}

func TestDispatchToolsListIncludesWorkflows(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), request(t, 1, "tools/list", nil))
	require.NotNil(t, resp)

	listed := resp.Result.(map[string]any)["tools"].([]mcp.Tool)
	names := make([]string, 0, len(listed))
	for _, tool := range listed {
		names = append(names, tool.Name)
	}
	assert.Contains(t, names, "echo")
	assert.Contains(t, names, "workflow.cleanup")
}

func TestDispatchToolsCall(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), request(t, 1, "tools/call", map[string]any{
		"name":      "echo",
		"arguments": map[string]any{"message": "hello"},
	}))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	result := resp.Result.(*mcp.CallToolResult)
	assert.False(t, result.IsError)
	assert.Equal(t, "hello", result.Content[0].(mcp.TextContent).Text)
}

func TestDispatchToolsCall_UnknownTool(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), request(t, 1, "tools/call", map[string]any{
		"name": "missing",
	}))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestDispatchWorkflowThroughToolsCall(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), request(t, 1, "tools/call", map[string]any{
		"name":      "workflow.cleanup",
		"arguments": map[string]any{},
	}))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	result := resp.Result.(*mcp.CallToolResult)
	assert.False(t, result.IsError)

	var wfResult workflow.Result
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].(mcp.TextContent).Text), &wfResult))
	assert.True(t, wfResult.Success)
	require.Len(t, wfResult.CompletedSteps, 1)
	assert.Equal(t, "sweep", wfResult.CompletedSteps[0].Operation)
}

func TestDispatchUnknownMethod(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), request(t, 1, "resources/list", nil))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestDispatchNotification(t *testing.T) {
	d := newTestDispatcher(t)
	msg := &Message{JSONRPC: "2.0", Method: "notifications/initialized"}
	assert.Nil(t, d.Dispatch(context.Background(), msg))
}

func TestParseMessage(t *testing.T) {
	_, rpcErr := ParseMessage([]byte("{"))
	require.NotNil(t, rpcErr)
	assert.Equal(t, codeParseError, rpcErr.Code)

	_, rpcErr = ParseMessage([]byte(`{"jsonrpc":"1.0","id":1,"method":"ping"}`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, codeInvalidRequest, rpcErr.Code)

	msg, rpcErr := ParseMessage([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.Nil(t, rpcErr)
	assert.Equal(t, "ping", msg.Method)
	assert.False(t, msg.IsNotification())
}
