// Package builtin holds the plugins compiled into the server binary.
package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/meridianhq/mcpserve/pkg/plugin"
	"github.com/meridianhq/mcpserve/pkg/schema"
	"github.com/meridianhq/mcpserve/pkg/tools"
	"github.com/meridianhq/mcpserve/pkg/workflow"
)

// Echo returns the built-in echo plugin: a smoke-test tool and workflow that
// exercise the full dispatch path without external dependencies.
func Echo() plugin.Static {
	return plugin.Static{
		Manifest: plugin.Manifest{
			Name:        "echo",
			Version:     "1.0.0",
			Description: "Built-in echo tool and workflow for connectivity checks",
		},
		Tools: []plugin.StaticTool{
			{
				Definition: tools.Definition{
					Name:        "echo",
					Description: "Returns the text it is given",
					Category:    "diagnostics",
					InputSchema: schema.Object(map[string]*schema.Schema{
						"text": schema.String().Describe("The text to echo back"),
						"repeat": schema.Integer().
							Describe("How many times to repeat the text").
							Optional().
							Default(1),
					}),
				},
				Handler: echoHandler,
				Mode:    tools.ModeManaged,
			},
		},
		Workflows: []workflow.Registration{
			{
				Name:        "echo-roundtrip",
				Version:     "1.0.0",
				Category:    "diagnostics",
				Description: "Echoes text through a tracked workflow step",
				ParameterSchema: schema.Object(map[string]*schema.Schema{
					"text": schema.String().Describe("The text to echo back"),
				}),
				Execute: echoWorkflow,
			},
		},
	}
}

func echoHandler(_ context.Context, args map[string]any, _ tools.Extra) (*mcp.CallToolResult, error) {
	text, _ := args["text"].(string)
	repeat := 1
	switch n := args["repeat"].(type) {
	case float64:
		if n > 0 {
			repeat = int(n)
		}
	case int:
		if n > 0 {
			repeat = n
		}
	}
	lines := make([]string, repeat)
	for i := range lines {
		lines[i] = text
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func echoWorkflow(ctx context.Context, params map[string]any, exec *workflow.Execution) (map[string]any, error) {
	text, _ := params["text"].(string)
	out, err := exec.SafeExecute(ctx, "echo", func(context.Context) (any, error) {
		if text == "" {
			return nil, fmt.Errorf("text is empty")
		}
		return text, nil
	}, "")
	if err != nil {
		return nil, err
	}
	return map[string]any{"echoed": out}, nil
}
