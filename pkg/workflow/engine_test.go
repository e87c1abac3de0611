package workflow

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/mcpserve/pkg/errors"
	"github.com/meridianhq/mcpserve/pkg/schema"
)

func deployWorkflow(execute ExecuteFunc) Registration {
	return Registration{
		Name:     "deploy",
		Version:  "1.2.0",
		Category: "ops",
		ParameterSchema: schema.Object(map[string]*schema.Schema{
			"service":  schema.String(),
			"replicas": schema.Integer().Default(1),
		}),
		Execute: execute,
	}
}

func TestExecute_Success(t *testing.T) {
	engine := NewEngine(nil)
	require.NoError(t, engine.Register(deployWorkflow(
		func(ctx context.Context, params map[string]any, exec *Execution) (map[string]any, error) {
			_, err := exec.SafeExecute(ctx, "push-image", func(context.Context) (any, error) {
				return "sha256:abc", nil
			}, "registry")
			require.NoError(t, err)
			_, err = exec.SafeExecute(ctx, "rollout", func(context.Context) (any, error) {
				return nil, nil
			}, "cluster")
			require.NoError(t, err)
			return map[string]any{"service": params["service"], "replicas": params["replicas"]}, nil
		})))

	result, err := engine.ExecuteWithValidation(context.Background(), "deploy",
		map[string]any{"service": "api"})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Nil(t, result.Error)
	assert.Equal(t, 1, result.Data["replicas"], "defaults applied before execution")
	require.Len(t, result.CompletedSteps, 2)
	assert.Equal(t, "push-image", result.CompletedSteps[0].Operation)
	assert.Empty(t, result.FailedSteps)
	require.Len(t, result.Resources, 2)
	assert.Equal(t, "registry", result.Resources[0].Type)
	assert.Equal(t, "success", result.Resources[0].Status)
	assert.Equal(t, "deploy", result.Metadata["workflow"])
}

func TestExecute_ValidationFailure(t *testing.T) {
	engine := NewEngine(nil)
	executed := false
	require.NoError(t, engine.Register(deployWorkflow(
		func(context.Context, map[string]any, *Execution) (map[string]any, error) {
			executed = true
			return nil, nil
		})))

	result, err := engine.ExecuteWithValidation(context.Background(), "deploy",
		map[string]any{"replicas": "three"})
	require.NoError(t, err)

	assert.False(t, executed, "body must not run on validation failure")
	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, errors.KindValidation, result.Error.Type)

	// One failed step per field error, naming the field.
	require.NotEmpty(t, result.FailedSteps)
	fields := make([]string, 0, len(result.FailedSteps))
	for _, step := range result.FailedSteps {
		fields = append(fields, step.Operation)
		assert.Equal(t, errors.KindValidation, step.Error.Type)
	}
	assert.Contains(t, fields, "validate:(root)")
}

func TestExecute_StepFailureClassification(t *testing.T) {
	engine := NewEngine(nil)
	require.NoError(t, engine.Register(deployWorkflow(
		func(ctx context.Context, _ map[string]any, exec *Execution) (map[string]any, error) {
			if _, err := exec.SafeExecute(ctx, "fetch-manifest", func(context.Context) (any, error) {
				return nil, stderrors.New("upstream returned 503")
			}, "api"); err != nil {
				return nil, err
			}
			return nil, nil
		})))

	result, err := engine.ExecuteWithValidation(context.Background(), "deploy",
		map[string]any{"service": "api"})
	require.NoError(t, err)

	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, errors.KindAPIError, result.Error.Type)
	assert.True(t, result.Error.Recoverable, "5xx failures are recoverable")

	require.Len(t, result.FailedSteps, 1)
	assert.Equal(t, "fetch-manifest", result.FailedSteps[0].Operation)
	assert.Equal(t, errors.KindAPIError, result.FailedSteps[0].Error.Type)
	require.Len(t, result.Resources, 1)
	assert.Equal(t, "failed", result.Resources[0].Status)
}

func TestExecute_Hooks(t *testing.T) {
	engine := NewEngine(nil)
	var calls []string
	reg := deployWorkflow(func(context.Context, map[string]any, *Execution) (map[string]any, error) {
		calls = append(calls, "execute")
		return nil, nil
	})
	reg.Hooks = Hooks{
		OnBeforeExecute: func(context.Context, string, map[string]any) error {
			calls = append(calls, "before")
			return nil
		},
		OnAfterExecute: func(_ context.Context, _ string, result *Result) {
			calls = append(calls, "after")
			assert.True(t, result.Success)
		},
		OnError: func(context.Context, string, error) {
			calls = append(calls, "error")
		},
	}
	require.NoError(t, engine.Register(reg))

	_, err := engine.ExecuteWithValidation(context.Background(), "deploy",
		map[string]any{"service": "api"})
	require.NoError(t, err)
	assert.Equal(t, []string{"before", "execute", "after"}, calls)
}

func TestExecute_BeforeHookAborts(t *testing.T) {
	engine := NewEngine(nil)
	executed := false
	errored := false
	reg := deployWorkflow(func(context.Context, map[string]any, *Execution) (map[string]any, error) {
		executed = true
		return nil, nil
	})
	reg.Hooks = Hooks{
		OnBeforeExecute: func(context.Context, string, map[string]any) error {
			return stderrors.New("authentication required")
		},
		OnError: func(context.Context, string, error) { errored = true },
	}
	require.NoError(t, engine.Register(reg))

	result, err := engine.ExecuteWithValidation(context.Background(), "deploy",
		map[string]any{"service": "api"})
	require.NoError(t, err)
	assert.False(t, executed)
	assert.True(t, errored)
	require.NotNil(t, result.Error)
	assert.Equal(t, errors.KindAuthentication, result.Error.Type)
}

func TestExecute_CancelledContextReportsTimeout(t *testing.T) {
	engine := NewEngine(nil)
	require.NoError(t, engine.Register(deployWorkflow(
		func(ctx context.Context, _ map[string]any, _ *Execution) (map[string]any, error) {
			<-ctx.Done()
			return nil, stderrors.New("step aborted")
		})))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	result, err := engine.ExecuteWithValidation(ctx, "deploy",
		map[string]any{"service": "api"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, errors.KindTimeout, result.Error.Type)
}

func TestExecute_PanicBecomesSystemError(t *testing.T) {
	engine := NewEngine(nil)
	require.NoError(t, engine.Register(deployWorkflow(
		func(context.Context, map[string]any, *Execution) (map[string]any, error) {
			panic("nil map write")
		})))

	result, err := engine.ExecuteWithValidation(context.Background(), "deploy",
		map[string]any{"service": "api"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, errors.KindSystem, result.Error.Type)
	assert.Contains(t, result.Error.Message, "panicked")
}

func TestExecute_UnknownWorkflow(t *testing.T) {
	engine := NewEngine(nil)
	_, err := engine.ExecuteWithValidation(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryOperations(t *testing.T) {
	engine := NewEngine(nil)
	noop := func(context.Context, map[string]any, *Execution) (map[string]any, error) { return nil, nil }

	require.NoError(t, engine.Register(Registration{Name: "b", Category: "ops", Execute: noop}))
	require.NoError(t, engine.Register(Registration{Name: "a", Category: "dev", Execute: noop}))
	assert.ErrorIs(t, engine.Register(Registration{Name: "a", Execute: noop}), ErrAlreadyRegistered)

	list := engine.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)

	ops := engine.ListByCategory("ops")
	require.Len(t, ops, 1)
	assert.Equal(t, "b", ops[0].Name)

	_, ok := engine.Get("a")
	assert.True(t, ok)
	engine.Unregister("a")
	_, ok = engine.Get("a")
	assert.False(t, ok)
}
