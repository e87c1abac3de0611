// Package tools implements the tool registry: named tools with JSON Schema
// validated invocation, per-tool statistics, and prometheus metrics.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xeipuuv/gojsonschema"

	"github.com/meridianhq/mcpserve/pkg/logger"
	"github.com/meridianhq/mcpserve/pkg/schema"
)

// Registry errors.
var (
	ErrNotFound          = errors.New("tool not found")
	ErrAlreadyRegistered = errors.New("tool name already registered")
)

// HandlerMode selects who owns argument validation.
type HandlerMode string

// Handler modes.
const (
	// ModeManaged validates and defaults args against the input schema
	// before the handler runs.
	ModeManaged HandlerMode = "managed"

	// ModeNative passes raw args through; the handler validates itself.
	ModeNative HandlerMode = "native"
)

// Extra is the per-invocation context handed to handlers.
type Extra struct {
	RequestID string
}

// Handler executes one tool call.
type Handler func(ctx context.Context, args map[string]any, extra Extra) (*mcp.CallToolResult, error)

// Definition describes a tool for registration and tools/list.
// InputSchema is the usual form; RawInputSchema carries a pre-built JSON
// Schema document (plugin manifests) and is used when InputSchema is nil.
type Definition struct {
	Name           string
	Title          string
	Description    string
	Category       string
	Tags           []string
	InputSchema    *schema.Schema
	RawInputSchema json.RawMessage
}

// Stats are per-tool invocation statistics.
type Stats struct {
	CallCount  int64
	LastCalled time.Time
	AvgExecMs  float64
}

type registration struct {
	def      Definition
	handler  Handler
	mode     HandlerMode
	compiled *gojsonschema.Schema

	statsMu sync.Mutex
	stats   Stats
}

// Registry holds the registered tools. Safe for concurrent readers with
// live registration (plugin load during a running session).
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registration

	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewRegistry creates a registry and registers its metrics.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		tools: make(map[string]*registration),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpserve_tool_calls_total",
			Help: "Tool invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcpserve_tool_duration_seconds",
			Help:    "Tool handler execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
	}
	if reg != nil {
		reg.MustRegister(r.calls, r.duration)
	}
	return r
}

// Register adds a tool. Names are unique; registering an existing name
// fails rather than silently replacing it.
func (r *Registry) Register(def Definition, handler Handler, mode HandlerMode) error {
	if def.Name == "" {
		return errors.New("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %q has no handler", def.Name)
	}
	if mode == "" {
		mode = ModeManaged
	}

	reg := &registration{def: def, handler: handler, mode: mode}
	if mode == ModeManaged {
		var loader gojsonschema.JSONLoader
		switch {
		case def.InputSchema != nil:
			loader = gojsonschema.NewGoLoader(def.InputSchema.Document())
		case len(def.RawInputSchema) > 0:
			loader = gojsonschema.NewBytesLoader(def.RawInputSchema)
		}
		if loader != nil {
			compiled, err := gojsonschema.NewSchema(loader)
			if err != nil {
				return fmt.Errorf("tool %q has an invalid input schema: %w", def.Name, err)
			}
			reg.compiled = compiled
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, def.Name)
	}
	r.tools[def.Name] = reg
	logger.Debugw("registered tool", "tool", def.Name, "mode", string(mode))
	return nil
}

// Unregister removes a tool. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// List returns the registered definitions sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, reg.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MCPTools renders the registry as the tools/list payload.
func (r *Registry) MCPTools() []mcp.Tool {
	defs := r.List()
	out := make([]mcp.Tool, 0, len(defs))
	for _, def := range defs {
		tool := mcp.Tool{
			Name:        def.Name,
			Description: def.Description,
		}
		switch {
		case def.InputSchema != nil:
			if raw, err := json.Marshal(def.InputSchema.JSON()); err == nil {
				tool.RawInputSchema = raw
			}
		case len(def.RawInputSchema) > 0:
			tool.RawInputSchema = def.RawInputSchema
		}
		out = append(out, tool)
	}
	return out
}

// Stats returns a tool's invocation statistics.
func (r *Registry) Stats(name string) (Stats, bool) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	reg.statsMu.Lock()
	defer reg.statsMu.Unlock()
	return reg.stats, true
}

// Invoke executes a tool. Validation failures and handler errors come back
// as isError results; only an unknown tool name is a hard error, which the
// dispatch layer maps to a JSON-RPC error.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any, extra Extra) (*mcp.CallToolResult, error) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if args == nil {
		args = map[string]any{}
	}

	if reg.mode == ModeManaged && reg.compiled != nil {
		if reg.def.InputSchema != nil {
			args = reg.def.InputSchema.ApplyDefaults(args)
		}
		result, err := reg.compiled.Validate(gojsonschema.NewGoLoader(args))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Validation error: %v", err)), nil
		}
		if !result.Valid() {
			return mcp.NewToolResultError("Validation error: " + formatFieldErrors(result)), nil
		}
	}

	start := time.Now()
	out, err := r.safeInvoke(ctx, reg, args, extra)
	elapsed := time.Since(start)

	outcome := "success"
	if err != nil || (out != nil && out.IsError) {
		outcome = "error"
	}
	r.calls.WithLabelValues(name, outcome).Inc()
	r.duration.WithLabelValues(name).Observe(elapsed.Seconds())
	reg.recordCall(elapsed)

	if err != nil {
		logger.Warnw("tool handler failed", "tool", name, "request_id", extra.RequestID, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Tool execution failed: %v", err)), nil
	}
	return out, nil
}

// safeInvoke converts handler panics into errors so one misbehaving tool
// cannot take down the transport.
func (r *Registry) safeInvoke(ctx context.Context, reg *registration, args map[string]any, extra Extra) (out *mcp.CallToolResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return reg.handler(ctx, args, extra)
}

func (reg *registration) recordCall(elapsed time.Duration) {
	ms := float64(elapsed.Microseconds()) / 1000

	reg.statsMu.Lock()
	defer reg.statsMu.Unlock()
	reg.stats.CallCount++
	reg.stats.LastCalled = time.Now()
	// Running average over all calls.
	n := float64(reg.stats.CallCount)
	reg.stats.AvgExecMs += (ms - reg.stats.AvgExecMs) / n
}

// formatFieldErrors renders validation failures with their field paths, the
// form clients are told to expect on 400 validation errors.
func formatFieldErrors(result *gojsonschema.Result) string {
	parts := make([]string, 0, len(result.Errors()))
	for _, fieldErr := range result.Errors() {
		parts = append(parts, fmt.Sprintf("%s: %s", fieldErr.Field(), fieldErr.Description()))
	}
	return strings.Join(parts, "; ")
}
