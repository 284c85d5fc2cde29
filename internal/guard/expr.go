package guard

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/aquenix/flowstate/pkg/schema"
)

// ExprEngine evaluates guard leaf expressions using expr-lang/expr. It covers
// the logic CEL is clumsy at: array operations (filter, any, all, count),
// nil coalescing (??) and optional chaining (?.).
// Thread-safe: compiled *vm.Program objects are cached and reused.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: make(map[string]*vm.Program)}
}

// Evaluate compiles (or retrieves from cache) an expression and runs it
// against the scope. The scope keys (actor, context, payload) are available
// as top-level variables. The result must be a boolean.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, scope map[string]any) (bool, error) {
	prg, err := e.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	env := scope
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	result, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"expr guard %q returned %T, want bool", expression, out)
	}
	return result, nil
}

// Compile checks the expression compiles, caching the program for later use.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
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

	prg, err := expr.Compile(expression,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}
