package workflow

import (
	"context"
	"sync"
	"time"
)

// Execution tracks the steps and resources of one running workflow. Workflow
// bodies may fan out, so tracking is safe for concurrent SafeExecute calls.
type Execution struct {
	mu        sync.Mutex
	completed []Step
	failed    []FailedStep
	resources []Resource

	now func() time.Time
}

func newExecution() *Execution {
	return &Execution{now: time.Now}
}

// SafeExecute runs one named operation, recording it as a completed or
// failed step. resourceType, when non-empty, also records a resource entry
// so the result accounts for what the workflow touched. The operation's
// error is returned unchanged; the workflow body decides whether to continue.
func (e *Execution) SafeExecute(ctx context.Context, operation string, fn func(ctx context.Context) (any, error), resourceType string) (any, error) {
	start := e.now()
	out, err := fn(ctx)
	elapsed := e.now().Sub(start)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		e.failed = append(e.failed, FailedStep{
			Operation:  operation,
			Error:      classify(err),
			DurationMs: elapsed.Milliseconds(),
			Timestamp:  start,
		})
	} else {
		e.completed = append(e.completed, Step{
			Operation:  operation,
			Success:    true,
			DurationMs: elapsed.Milliseconds(),
			Timestamp:  start,
		})
	}

	if resourceType != "" {
		status := "success"
		if err != nil {
			status = "failed"
		}
		e.resources = append(e.resources, Resource{
			Type:       resourceType,
			Name:       operation,
			DurationMs: elapsed.Milliseconds(),
			Status:     status,
		})
	}
	return out, err
}

// AddResource records a resource the workflow touched outside SafeExecute.
func (e *Execution) AddResource(res Resource) {
	e.mu.Lock()
	e.resources = append(e.resources, res)
	e.mu.Unlock()
}

func (e *Execution) snapshot() ([]Step, []FailedStep, []Resource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Step(nil), e.completed...),
		append([]FailedStep(nil), e.failed...),
		append([]Resource(nil), e.resources...)
}
