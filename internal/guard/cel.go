package guard

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/aquenix/flowstate/pkg/schema"
)

// CELEngine evaluates guard leaf expressions written in Google's Common
// Expression Language. Thread-safe: compiled programs are cached and
// reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a sandboxed CEL environment. It exposes three
// top-level variables matching the guard evaluation scope:
//   - actor:   map(string, dyn) — actor identity, roles, capabilities, attributes
//   - context: map(string, dyn) — instance context document
//   - payload: map(string, dyn) — transition request payload
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("actor", mapType),
		cel.Variable("context", mapType),
		cel.Variable("payload", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Evaluate compiles (or retrieves from cache) a CEL expression and runs it
// against the scope. The result must be a boolean; anything else is an
// execution error so a malformed guard never silently allows a transition.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, scope map[string]any) (bool, error) {
	prg, err := e.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(buildActivation(scope))
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL guard %q returned %T, want bool", expression, out.Value())
	}
	return result, nil
}

// Compile checks the expression compiles, caching the program for later use.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// buildActivation fills in empty maps for missing scope keys so CEL never
// hits a nil-ref at runtime.
func buildActivation(scope map[string]any) map[string]any {
	activation := make(map[string]any, 3)
	for _, key := range []string{"actor", "context", "payload"} {
		if v, ok := scope[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	return activation
}
