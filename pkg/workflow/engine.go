package workflow

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/meridianhq/mcpserve/pkg/audit"
	"github.com/meridianhq/mcpserve/pkg/auth"
	"github.com/meridianhq/mcpserve/pkg/errors"
	"github.com/meridianhq/mcpserve/pkg/logger"
)

// Engine errors.
var (
	ErrNotFound          = stderrors.New("workflow not found")
	ErrAlreadyRegistered = stderrors.New("workflow name already registered")
)

// Engine holds registered workflows and executes them with validation and
// tracking. Read-mostly after startup; registration during a live session is
// safe for concurrent readers.
type Engine struct {
	mu        sync.RWMutex
	workflows map[string]*registration
	auditor   *audit.Logger

	now func() time.Time
}

type registration struct {
	reg      Registration
	compiled *gojsonschema.Schema
}

// NewEngine creates a workflow engine. auditor may be nil.
func NewEngine(auditor *audit.Logger) *Engine {
	return &Engine{
		workflows: make(map[string]*registration),
		auditor:   auditor,
		now:       time.Now,
	}
}

// Register adds a workflow. Names are unique.
func (e *Engine) Register(reg Registration) error {
	if reg.Name == "" {
		return stderrors.New("workflow name is required")
	}
	if reg.Execute == nil {
		return fmt.Errorf("workflow %q has no execute function", reg.Name)
	}

	entry := &registration{reg: reg}
	var loader gojsonschema.JSONLoader
	switch {
	case reg.ParameterSchema != nil:
		loader = gojsonschema.NewGoLoader(reg.ParameterSchema.Document())
	case len(reg.RawParameterSchema) > 0:
		loader = gojsonschema.NewBytesLoader(reg.RawParameterSchema)
	}
	if loader != nil {
		compiled, err := gojsonschema.NewSchema(loader)
		if err != nil {
			return fmt.Errorf("workflow %q has an invalid parameter schema: %w", reg.Name, err)
		}
		entry.compiled = compiled
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[reg.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, reg.Name)
	}
	e.workflows[reg.Name] = entry
	logger.Debugw("registered workflow", "workflow", reg.Name, "version", reg.Version)
	return nil
}

// Unregister removes a workflow. Unknown names are a no-op.
func (e *Engine) Unregister(name string) {
	e.mu.Lock()
	delete(e.workflows, name)
	e.mu.Unlock()
}

// Get returns a workflow's registration.
func (e *Engine) Get(name string) (Registration, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.workflows[name]
	if !ok {
		return Registration{}, false
	}
	return entry.reg, true
}

// List returns all registrations sorted by name.
func (e *Engine) List() []Registration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Registration, 0, len(e.workflows))
	for _, entry := range e.workflows {
		out = append(out, entry.reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListByCategory returns registrations in the given category, sorted by name.
func (e *Engine) ListByCategory(category string) []Registration {
	all := e.List()
	out := all[:0:0]
	for _, reg := range all {
		if reg.Category == category {
			out = append(out, reg)
		}
	}
	return out
}

// ExecuteWithValidation runs the named workflow through the full pipeline:
// parameter validation, hooks, tracked execution, result assembly, audit.
// Only an unknown workflow name is a hard error; every execution failure is
// reported inside the Result.
func (e *Engine) ExecuteWithValidation(ctx context.Context, name string, params map[string]any) (*Result, error) {
	e.mu.RLock()
	entry, ok := e.workflows[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	reg := entry.reg

	start := e.now()
	if params == nil {
		params = map[string]any{}
	}

	// 1. Validate and default parameters.
	if entry.compiled != nil {
		if reg.ParameterSchema != nil {
			params = reg.ParameterSchema.ApplyDefaults(params)
		}
		validation, err := entry.compiled.Validate(gojsonschema.NewGoLoader(params))
		if err != nil {
			return e.finish(ctx, reg, start, failedResult(StepError{
				Type: errors.KindValidation, Message: err.Error(),
			}, nil)), nil
		}
		if !validation.Valid() {
			result := failedResult(StepError{
				Type:    errors.KindValidation,
				Message: "parameter validation failed",
			}, nil)
			for _, fieldErr := range validation.Errors() {
				result.FailedSteps = append(result.FailedSteps, FailedStep{
					Operation: "validate:" + fieldErr.Field(),
					Error: StepError{
						Type:    errors.KindValidation,
						Message: fieldErr.Description(),
					},
					Timestamp: start,
				})
			}
			return e.finish(ctx, reg, start, result), nil
		}
	}

	// 2. Before hook.
	if reg.Hooks.OnBeforeExecute != nil {
		if err := reg.Hooks.OnBeforeExecute(ctx, name, params); err != nil {
			result := failedResult(classify(err), nil)
			if reg.Hooks.OnError != nil {
				reg.Hooks.OnError(ctx, name, err)
			}
			return e.finish(ctx, reg, start, result), nil
		}
	}

	// 3. Execute with step tracking.
	exec := newExecution()
	data, err := e.safeRun(ctx, reg, params, exec)

	completed, failed, resources := exec.snapshot()
	result := &Result{
		Data:           data,
		CompletedSteps: completed,
		FailedSteps:    failed,
		Resources:      resources,
		Metadata: map[string]any{
			"workflow": name,
			"version":  reg.Version,
		},
	}

	if err != nil {
		// A cancelled or timed-out run reports as timeout regardless of
		// what the body returned.
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		stepErr := classify(err)
		result.Error = &stepErr
		if reg.Hooks.OnError != nil {
			reg.Hooks.OnError(ctx, name, err)
		}
	} else {
		result.Success = true
		// 4. After hook.
		if reg.Hooks.OnAfterExecute != nil {
			reg.Hooks.OnAfterExecute(ctx, name, result)
		}
	}

	return e.finish(ctx, reg, start, result), nil
}

// safeRun shields the engine from panicking workflow bodies.
func (e *Engine) safeRun(ctx context.Context, reg Registration, params map[string]any, exec *Execution) (data map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("workflow panicked: %v", rec)
		}
	}()
	return reg.Execute(ctx, params, exec)
}

// finish stamps the duration and emits the audit record.
func (e *Engine) finish(ctx context.Context, reg Registration, start time.Time, result *Result) *Result {
	result.Duration = e.now().Sub(start)
	if result.CompletedSteps == nil {
		result.CompletedSteps = []Step{}
	}
	if result.FailedSteps == nil {
		result.FailedSteps = []FailedStep{}
	}
	if result.Resources == nil {
		result.Resources = []Resource{}
	}

	event := audit.Event{
		Type:       audit.EventWorkflowCompleted,
		Outcome:    audit.OutcomeSuccess,
		Target:     reg.Name,
		DurationMs: result.Duration.Milliseconds(),
		Details: map[string]any{
			"completed_steps": len(result.CompletedSteps),
			"failed_steps":    len(result.FailedSteps),
		},
	}
	if !result.Success {
		event.Type = audit.EventWorkflowFailed
		event.Outcome = audit.OutcomeFailure
		if result.Error != nil {
			event.Details["error_type"] = string(result.Error.Type)
		}
	}
	if rc := auth.RequestContextFrom(ctx); rc != nil {
		event.Subject = rc.UserID
		event.SessionID = rc.SessionID
	}
	e.auditor.Record(ctx, event)
	return result
}

func failedResult(stepErr StepError, data map[string]any) *Result {
	return &Result{Data: data, Error: &stepErr}
}
