// Package transport implements the MCP wire transports: the shared JSON-RPC
// dispatch used by both, the streamable HTTP transport with SSE delivery,
// and the newline-delimited STDIO transport.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/meridianhq/mcpserve/pkg/auth"
	"github.com/meridianhq/mcpserve/pkg/logger"
	"github.com/meridianhq/mcpserve/pkg/tools"
	"github.com/meridianhq/mcpserve/pkg/workflow"
)

// protocolVersion is the MCP protocol revision this server speaks.
const protocolVersion = "2024-11-05"

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Message is a JSON-RPC 2.0 message, request or response.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// IsNotification reports whether the message expects no response.
func (m *Message) IsNotification() bool {
	return len(m.ID) == 0 || string(m.ID) == "null"
}

// IsInitialize reports whether the message is an MCP initialize request.
func (m *Message) IsInitialize() bool {
	return m.Method == "initialize"
}

// ServerInfo identifies the server in initialize responses.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Dispatcher routes parsed JSON-RPC requests to the tool registry and
// workflow engine. It is transport-agnostic and safe for concurrent use.
type Dispatcher struct {
	tools     *tools.Registry
	workflows *workflow.Engine
	info      ServerInfo
}

// NewDispatcher creates the shared protocol dispatcher.
func NewDispatcher(toolReg *tools.Registry, workflows *workflow.Engine, info ServerInfo) *Dispatcher {
	return &Dispatcher{tools: toolReg, workflows: workflows, info: info}
}

// workflowToolPrefix exposes workflows through tools/call.
const workflowToolPrefix = "workflow."

// Dispatch handles one request and returns the response, or nil for
// notifications.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) *Message {
	if msg.IsNotification() {
		// notifications/initialized and friends need no reply.
		logger.Debugf("notification received: %s", msg.Method)
		return nil
	}

	switch msg.Method {
	case "initialize":
		return d.respond(msg, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"tools": map[string]any{"listChanged": true},
			},
			"serverInfo": d.info,
		})
	case "ping":
		return d.respond(msg, map[string]any{})
	case "tools/list":
		return d.respond(msg, map[string]any{"tools": d.listTools()})
	case "tools/call":
		return d.callTool(ctx, msg)
	default:
		return d.fail(msg, codeMethodNotFound, fmt.Sprintf("method %q is not supported", msg.Method))
	}
}

// listTools merges registered tools with workflows exposed as tools.
func (d *Dispatcher) listTools() []mcp.Tool {
	out := d.tools.MCPTools()
	for _, reg := range d.workflows.List() {
		tool := mcp.Tool{
			Name:        workflowToolPrefix + reg.Name,
			Description: reg.Description,
		}
		switch {
		case reg.ParameterSchema != nil:
			if raw, err := json.Marshal(reg.ParameterSchema.JSON()); err == nil {
				tool.RawInputSchema = raw
			}
		case len(reg.RawParameterSchema) > 0:
			tool.RawInputSchema = reg.RawParameterSchema
		}
		out = append(out, tool)
	}
	return out
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (d *Dispatcher) callTool(ctx context.Context, msg *Message) *Message {
	var params callParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return d.fail(msg, codeInvalidParams, "tools/call params must carry name and arguments")
	}
	if params.Name == "" {
		return d.fail(msg, codeInvalidParams, "tool name is required")
	}

	extra := tools.Extra{}
	if rc := auth.RequestContextFrom(ctx); rc != nil {
		extra.RequestID = rc.RequestID
	}

	if name, isWorkflow := cutWorkflowName(params.Name); isWorkflow {
		return d.callWorkflow(ctx, msg, name, params.Arguments)
	}

	result, err := d.tools.Invoke(ctx, params.Name, params.Arguments, extra)
	if err != nil {
		return d.fail(msg, codeInvalidParams, err.Error())
	}
	return d.respond(msg, result)
}

func cutWorkflowName(toolName string) (string, bool) {
	if len(toolName) > len(workflowToolPrefix) && toolName[:len(workflowToolPrefix)] == workflowToolPrefix {
		return toolName[len(workflowToolPrefix):], true
	}
	return "", false
}

// callWorkflow runs a workflow through tools/call, rendering the
// WorkflowResult as a tool result.
func (d *Dispatcher) callWorkflow(ctx context.Context, msg *Message, name string, args map[string]any) *Message {
	result, err := d.workflows.ExecuteWithValidation(ctx, name, args)
	if err != nil {
		return d.fail(msg, codeInvalidParams, err.Error())
	}

	rendered, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return d.fail(msg, codeInternalError, "failed to render workflow result")
	}
	toolResult := mcp.NewToolResultText(string(rendered))
	toolResult.IsError = !result.Success
	return d.respond(msg, toolResult)
}

func (d *Dispatcher) respond(req *Message, result any) *Message {
	return &Message{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (d *Dispatcher) fail(req *Message, code int, message string) *Message {
	return &Message{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: code, Message: message}}
}

// ParseMessage decodes one JSON-RPC message.
func ParseMessage(raw []byte) (*Message, *RPCError) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &RPCError{Code: codeParseError, Message: "request body is not valid JSON"}
	}
	if msg.JSONRPC != "2.0" {
		return nil, &RPCError{Code: codeInvalidRequest, Message: `jsonrpc must be "2.0"`}
	}
	return &msg, nil
}
