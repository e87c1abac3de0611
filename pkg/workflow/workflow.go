// Package workflow implements the workflow engine: registered multi-step
// operations with parameter validation, step and resource tracking, error
// classification, and best-effort audit logging.
package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/meridianhq/mcpserve/pkg/errors"
	"github.com/meridianhq/mcpserve/pkg/schema"
)

// ExecuteFunc is the body of a workflow. It receives validated, defaulted
// parameters and an Execution for step tracking, and returns the workflow's
// output data.
type ExecuteFunc func(ctx context.Context, params map[string]any, exec *Execution) (map[string]any, error)

// Hooks are optional per-workflow lifecycle callbacks.
type Hooks struct {
	// OnBeforeExecute runs after validation; an error aborts the workflow.
	OnBeforeExecute func(ctx context.Context, name string, params map[string]any) error

	// OnAfterExecute runs after a successful execution.
	OnAfterExecute func(ctx context.Context, name string, result *Result)

	// OnError runs after a failed execution.
	OnError func(ctx context.Context, name string, err error)
}

// Registration describes one workflow. ParameterSchema is the usual form;
// RawParameterSchema carries a pre-built JSON Schema document (plugin
// manifests) and is used when ParameterSchema is nil.
type Registration struct {
	Name               string
	Version            string
	Category           string
	Tags               []string
	Description        string
	EstimatedDuration  time.Duration
	RequiresAuth       bool
	ParameterSchema    *schema.Schema
	RawParameterSchema json.RawMessage
	PluginInfo         string

	Execute ExecuteFunc
	Hooks   Hooks
}

// Step records one successful operation inside a workflow.
type Step struct {
	Operation  string    `json:"operation"`
	Success    bool      `json:"success"`
	DurationMs int64     `json:"durationMs"`
	Timestamp  time.Time `json:"timestamp"`
}

// FailedStep records one failed operation with its classified error.
type FailedStep struct {
	Operation  string    `json:"operation"`
	Error      StepError `json:"error"`
	DurationMs int64     `json:"durationMs"`
	Timestamp  time.Time `json:"timestamp"`
}

// StepError is the classified form of a step failure.
type StepError struct {
	Type        errors.Kind `json:"type"`
	Message     string      `json:"message"`
	Recoverable bool        `json:"recoverable"`
}

// Resource records an external resource a workflow touched.
type Resource struct {
	Type       string            `json:"type"`
	Name       string            `json:"name"`
	DurationMs int64             `json:"durationMs"`
	Status     string            `json:"status"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Result is the assembled outcome of a workflow execution.
type Result struct {
	Success        bool           `json:"success"`
	Data           map[string]any `json:"data,omitempty"`
	Error          *StepError     `json:"error,omitempty"`
	CompletedSteps []Step         `json:"completed_steps"`
	FailedSteps    []FailedStep   `json:"failed_steps"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Duration       time.Duration  `json:"duration"`
	Resources      []Resource     `json:"resources"`
}

// classify converts an arbitrary error into a StepError.
func classify(err error) StepError {
	return StepError{
		Type:        errors.Classify(err),
		Message:     err.Error(),
		Recoverable: errors.IsRecoverable(err),
	}
}
