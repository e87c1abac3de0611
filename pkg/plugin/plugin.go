// Package plugin implements plugin discovery and lifecycle. Plugins come in
// two forms: static plugins compiled into the binary and registered at
// startup, and manifest plugins discovered as plugin.json / *.plugin.json
// descriptor files under the configured discovery paths. Either way, loading
// is orchestration only: the manager feeds the tool registry and workflow
// engine and records which names each plugin contributed so unload removes
// exactly those.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meridianhq/mcpserve/pkg/tools"
	"github.com/meridianhq/mcpserve/pkg/workflow"
)

// Manifest is the descriptor every plugin carries. Manifest-file plugins
// declare their tools and workflows here; static plugins provide it from
// code.
type Manifest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`

	Tools     []ToolSpec     `json:"tools,omitempty"`
	Workflows []WorkflowSpec `json:"workflows,omitempty"`
}

// ToolSpec declares one tool in a manifest file. Handler names a handler
// registered with the manager's handler table; manifests carry no code.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	Handler     string          `json:"handler"`
	HandlerMode string          `json:"handlerMode,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// WorkflowSpec declares one workflow in a manifest file.
type WorkflowSpec struct {
	Name              string          `json:"name"`
	Version           string          `json:"version,omitempty"`
	Category          string          `json:"category,omitempty"`
	Tags              []string        `json:"tags,omitempty"`
	Description       string          `json:"description,omitempty"`
	EstimatedDuration string          `json:"estimatedDuration,omitempty"`
	RequiresAuth      bool            `json:"requiresAuth,omitempty"`
	Handler           string          `json:"handler"`
	ParameterSchema   json.RawMessage `json:"parameterSchema,omitempty"`
}

// Static is a compiled-in plugin.
type Static struct {
	Manifest Manifest

	Tools     []StaticTool
	Workflows []workflow.Registration

	// Initialize, when set, runs once at load. A plugin declaring neither
	// tools nor workflows must declare an initializer.
	Initialize func(ctx context.Context) error
}

// StaticTool pairs a tool definition with its handler.
type StaticTool struct {
	Definition tools.Definition
	Handler    tools.Handler
	Mode       tools.HandlerMode
}

// validateManifest applies the structural rules shared by both plugin forms:
// identity fields present, and at least one tool, workflow, or initializer.
func validateManifest(m Manifest, toolCount, workflowCount int, hasInitializer bool) error {
	if m.Name == "" {
		return fmt.Errorf("plugin has no name")
	}
	if m.Version == "" {
		return fmt.Errorf("plugin %q has no version", m.Name)
	}
	if m.Description == "" {
		return fmt.Errorf("plugin %q has no description", m.Name)
	}
	if toolCount == 0 && workflowCount == 0 && !hasInitializer {
		return fmt.Errorf("plugin %q declares no tools, workflows, or initializer", m.Name)
	}
	return nil
}
