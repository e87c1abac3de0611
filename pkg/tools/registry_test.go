package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/mcpserve/pkg/schema"
)

func echoDefinition() Definition {
	return Definition{
		Name:        "echo",
		Description: "echoes the message back",
		InputSchema: schema.Object(map[string]*schema.Schema{
			"message": schema.String().Describe("text to echo"),
			"repeat":  schema.Integer().Default(1),
		}),
	}
}

func echoHandler(_ context.Context, args map[string]any, _ Extra) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(args["message"].(string)), nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(prometheus.NewRegistry())
}

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestRegisterAndInvoke_Managed(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(echoDefinition(), echoHandler, ModeManaged))

	result, err := r.Invoke(context.Background(), "echo",
		map[string]any{"message": "hello"}, Extra{RequestID: "r1"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "hello", textOf(t, result))
}

func TestInvoke_ValidationFailure(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(echoDefinition(), echoHandler, ModeManaged))

	// Missing required field.
	result, err := r.Invoke(context.Background(), "echo", map[string]any{}, Extra{})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, textOf(t, result), "Validation error")
	assert.Contains(t, textOf(t, result), "message")

	// Wrong type names the failing field.
	result, err = r.Invoke(context.Background(), "echo",
		map[string]any{"message": "x", "repeat": "two"}, Extra{})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, textOf(t, result), "repeat")
}

func TestInvoke_AppliesDefaults(t *testing.T) {
	r := newTestRegistry(t)
	var seen map[string]any
	handler := func(_ context.Context, args map[string]any, _ Extra) (*mcp.CallToolResult, error) {
		seen = args
		return mcp.NewToolResultText("ok"), nil
	}
	require.NoError(t, r.Register(echoDefinition(), handler, ModeManaged))

	_, err := r.Invoke(context.Background(), "echo", map[string]any{"message": "x"}, Extra{})
	require.NoError(t, err)
	assert.Equal(t, 1, seen["repeat"])
}

func TestInvoke_NativeSkipsValidation(t *testing.T) {
	r := newTestRegistry(t)
	var seen map[string]any
	handler := func(_ context.Context, args map[string]any, _ Extra) (*mcp.CallToolResult, error) {
		seen = args
		return mcp.NewToolResultText("ok"), nil
	}
	require.NoError(t, r.Register(echoDefinition(), handler, ModeNative))

	// Args that would fail managed validation flow straight through.
	_, err := r.Invoke(context.Background(), "echo", map[string]any{"anything": 42}, Extra{})
	require.NoError(t, err)
	assert.Equal(t, 42, seen["anything"])
	_, hasDefault := seen["repeat"]
	assert.False(t, hasDefault, "native mode applies no defaults")
}

func TestInvoke_HandlerErrorAndPanic(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(Definition{Name: "fails"},
		func(context.Context, map[string]any, Extra) (*mcp.CallToolResult, error) {
			return nil, errors.New("backend down")
		}, ModeNative))
	require.NoError(t, r.Register(Definition{Name: "panics"},
		func(context.Context, map[string]any, Extra) (*mcp.CallToolResult, error) {
			panic("boom")
		}, ModeNative))

	result, err := r.Invoke(context.Background(), "fails", nil, Extra{})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, textOf(t, result), "backend down")

	result, err = r.Invoke(context.Background(), "panics", nil, Extra{})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, textOf(t, result), "panicked")
}

func TestInvoke_UnknownTool(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Invoke(context.Background(), "nope", nil, Extra{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegister_DuplicateName(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(echoDefinition(), echoHandler, ModeManaged))
	assert.ErrorIs(t, r.Register(echoDefinition(), echoHandler, ModeManaged), ErrAlreadyRegistered)
}

func TestStats(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(echoDefinition(), echoHandler, ModeManaged))

	_, ok := r.Stats("nope")
	assert.False(t, ok)

	stats, ok := r.Stats("echo")
	require.True(t, ok)
	assert.Zero(t, stats.CallCount)

	for range 3 {
		_, err := r.Invoke(context.Background(), "echo", map[string]any{"message": "x"}, Extra{})
		require.NoError(t, err)
	}

	stats, ok = r.Stats("echo")
	require.True(t, ok)
	assert.Equal(t, int64(3), stats.CallCount)
	assert.False(t, stats.LastCalled.IsZero())
	assert.GreaterOrEqual(t, stats.AvgExecMs, float64(0))
}

func TestListAndMCPTools(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(echoDefinition(), echoHandler, ModeManaged))
	require.NoError(t, r.Register(Definition{Name: "aardvark"},
		func(context.Context, map[string]any, Extra) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("ok"), nil
		}, ModeNative))

	defs := r.List()
	require.Len(t, defs, 2)
	assert.Equal(t, "aardvark", defs[0].Name, "sorted by name")

	mcpTools := r.MCPTools()
	require.Len(t, mcpTools, 2)
	assert.Equal(t, "echo", mcpTools[1].Name)
	assert.NotEmpty(t, mcpTools[1].RawInputSchema)

	r.Unregister("echo")
	assert.Len(t, r.List(), 1)
}
