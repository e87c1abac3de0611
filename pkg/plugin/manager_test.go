package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/mcpserve/pkg/config"
	"github.com/meridianhq/mcpserve/pkg/schema"
	"github.com/meridianhq/mcpserve/pkg/tools"
	"github.com/meridianhq/mcpserve/pkg/workflow"
)

func newTestManager(t *testing.T, cfg config.PluginsConfig) (*Manager, *tools.Registry, *workflow.Engine) {
	t.Helper()
	toolReg := tools.NewRegistry(prometheus.NewRegistry())
	engine := workflow.NewEngine(nil)
	return NewManager(cfg, toolReg, engine), toolReg, engine
}

func echoStatic() Static {
	return Static{
		Manifest: Manifest{Name: "echo", Version: "1.0.0", Description: "echo tools"},
		Tools: []StaticTool{{
			Definition: tools.Definition{
				Name: "echo",
				InputSchema: schema.Object(map[string]*schema.Schema{
					"message": schema.String(),
				}),
			},
			Handler: func(_ context.Context, args map[string]any, _ tools.Extra) (*mcp.CallToolResult, error) {
				return mcp.NewToolResultText(args["message"].(string)), nil
			},
			Mode: tools.ModeManaged,
		}},
		Workflows: []workflow.Registration{{
			Name: "echo-twice",
			Execute: func(context.Context, map[string]any, *workflow.Execution) (map[string]any, error) {
				return nil, nil
			},
		}},
	}
}

func TestRegisterStaticAndUnload(t *testing.T) {
	m, toolReg, engine := newTestManager(t, config.PluginsConfig{})
	ctx := context.Background()

	require.NoError(t, m.RegisterStatic(ctx, echoStatic()))

	assert.Len(t, toolReg.List(), 1)
	_, ok := engine.Get("echo-twice")
	assert.True(t, ok)

	infos := m.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "static", infos[0].Source)
	assert.Equal(t, []string{"echo"}, infos[0].Tools)
	assert.Equal(t, []string{"echo-twice"}, infos[0].Workflows)

	// Unload removes exactly this plugin's registrations.
	require.NoError(t, m.Unload("echo"))
	assert.Empty(t, toolReg.List())
	_, ok = engine.Get("echo-twice")
	assert.False(t, ok)

	assert.ErrorIs(t, m.Unload("echo"), ErrNotLoaded)
}

func TestUnloadLeavesOtherPlugins(t *testing.T) {
	m, toolReg, _ := newTestManager(t, config.PluginsConfig{})
	ctx := context.Background()

	require.NoError(t, m.RegisterStatic(ctx, echoStatic()))

	other := echoStatic()
	other.Manifest.Name = "other"
	other.Tools[0].Definition.Name = "other-tool"
	other.Workflows = nil
	require.NoError(t, m.RegisterStatic(ctx, other))

	require.NoError(t, m.Unload("echo"))
	defs := toolReg.List()
	require.Len(t, defs, 1)
	assert.Equal(t, "other-tool", defs[0].Name)
}

func TestValidation(t *testing.T) {
	m, _, _ := newTestManager(t, config.PluginsConfig{})
	ctx := context.Background()

	cases := []Static{
		{Manifest: Manifest{Version: "1.0.0", Description: "d"}},
		{Manifest: Manifest{Name: "p", Description: "d"}},
		{Manifest: Manifest{Name: "p", Version: "1.0.0"}},
		{Manifest: Manifest{Name: "p", Version: "1.0.0", Description: "d"}}, // nothing declared
	}
	for _, p := range cases {
		assert.Error(t, m.RegisterStatic(ctx, p))
	}

	// An initializer alone satisfies the declaration rule.
	initialized := false
	ok := Static{
		Manifest:   Manifest{Name: "init-only", Version: "1.0.0", Description: "d"},
		Initialize: func(context.Context) error { initialized = true; return nil },
	}
	require.NoError(t, m.RegisterStatic(ctx, ok))
	assert.True(t, initialized)
}

func TestAllowAndBlockLists(t *testing.T) {
	ctx := context.Background()

	m, _, _ := newTestManager(t, config.PluginsConfig{BlockedList: []string{"echo"}})
	assert.ErrorIs(t, m.RegisterStatic(ctx, echoStatic()), ErrBlocked)

	m, _, _ = newTestManager(t, config.PluginsConfig{AllowedList: []string{"other"}})
	assert.ErrorIs(t, m.RegisterStatic(ctx, echoStatic()), ErrBlocked)

	// Block wins over allow.
	m, _, _ = newTestManager(t, config.PluginsConfig{
		AllowedList: []string{"echo"}, BlockedList: []string{"echo"},
	})
	assert.ErrorIs(t, m.RegisterStatic(ctx, echoStatic()), ErrBlocked)
}

func writeManifest(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const echoManifest = `{
  "name": "greeter",
  "version": "0.3.0",
  "description": "greeting tools",
  "tools": [{
    "name": "greet",
    "description": "greets by name",
    "handler": "greet",
    "inputSchema": {"type": "object", "properties": {"who": {"type": "string"}}, "required": ["who"]}
  }],
  "workflows": [{
    "name": "greet-all",
    "handler": "greet-all"
  }]
}`

func TestDiscoverManifestPlugins(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "greeter.plugin.json", echoManifest)
	writeManifest(t, dir, "notes.txt", "not a manifest")
	writeManifest(t, dir, "broken.plugin.json", "{")

	m, toolReg, engine := newTestManager(t, config.PluginsConfig{DiscoveryPaths: []string{dir, "/does/not/exist"}})
	m.RegisterToolHandler("greet", func(_ context.Context, args map[string]any, _ tools.Extra) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("hello " + args["who"].(string)), nil
	})
	m.RegisterWorkflowHandler("greet-all", func(context.Context, map[string]any, *workflow.Execution) (map[string]any, error) {
		return map[string]any{"greeted": 0}, nil
	})

	require.NoError(t, m.Discover(context.Background()))

	infos := m.List()
	require.Len(t, infos, 1, "broken manifest skipped, txt ignored")
	assert.Equal(t, "greeter", infos[0].Manifest.Name)

	// Manifest tools validate against their declared schema.
	result, err := toolReg.Invoke(context.Background(), "greet", map[string]any{"who": "ada"}, tools.Extra{})
	require.NoError(t, err)
	assert.False(t, result.IsError)

	result, err = toolReg.Invoke(context.Background(), "greet", map[string]any{}, tools.Extra{})
	require.NoError(t, err)
	assert.True(t, result.IsError)

	_, ok := engine.Get("greet-all")
	assert.True(t, ok)
}

func TestLoadManifest_UnknownHandler(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "greeter.plugin.json", echoManifest)

	m, _, _ := newTestManager(t, config.PluginsConfig{})
	err := m.LoadManifestFile(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown handler")
}

func TestIsManifestFile(t *testing.T) {
	assert.True(t, isManifestFile("plugin.json"))
	assert.True(t, isManifestFile("auth.plugin.json"))
	assert.False(t, isManifestFile("plugin.yaml"))
	assert.False(t, isManifestFile("auth.test.plugin.json"))
	assert.False(t, isManifestFile("auth.spec.plugin.json"))
	assert.False(t, isManifestFile("somepluginjson"))
}
