// Package guard evaluates transition guard predicates. Guards are data
// (a tagged-variant AST stored with the definition), never host code;
// the evaluator interprets combinators and built-in predicates itself and
// delegates expression leaves to sandboxed, cached engines.
package guard

import (
	"context"
	"fmt"

	"github.com/aquenix/flowstate/pkg/schema"
)

// Scope is the data a guard may inspect. Guards see nothing else: no
// clock, no store, no network, so evaluation stays deterministic.
type Scope struct {
	Actor   schema.ActorContext
	Context map[string]any
	Payload map[string]any
}

// Map renders the scope as the flat variable environment the expression
// engines evaluate against.
func (s Scope) Map() map[string]any {
	ctx := s.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	payload := s.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"actor":   s.Actor.Map(),
		"context": ctx,
		"payload": payload,
	}
}

// Evaluator interprets guard ASTs. Safe for concurrent use; the underlying
// engines cache compiled expressions.
type Evaluator struct {
	cel    *CELEngine
	expr   *ExprEngine
	fields *fieldResolver
}

func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		cel:    celEngine,
		expr:   NewExprEngine(),
		fields: newFieldResolver(),
	}, nil
}

// Allow evaluates the guard against the scope. A nil guard always allows.
// Evaluation errors are never treated as rejection: they surface as
// ErrCodeExecution and the caller must refuse the transition loudly.
func (e *Evaluator) Allow(ctx context.Context, g *schema.Guard, scope Scope) (bool, error) {
	if g == nil {
		return true, nil
	}
	return e.eval(ctx, g, scope, scope.Map())
}

func (e *Evaluator) eval(ctx context.Context, g *schema.Guard, scope Scope, env map[string]any) (bool, error) {
	switch g.Kind {
	case schema.GuardAll:
		for i := range g.Guards {
			ok, err := e.eval(ctx, &g.Guards[i], scope, env)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case schema.GuardAny:
		for i := range g.Guards {
			ok, err := e.eval(ctx, &g.Guards[i], scope, env)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case schema.GuardNot:
		ok, err := e.eval(ctx, g.Guard, scope, env)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case schema.GuardRole:
		return scope.Actor.HasRole(g.Role), nil

	case schema.GuardField:
		resolved, present, err := e.fields.resolve(ctx, g.Path, env)
		if err != nil {
			return false, err
		}
		return compareField(g.Op, resolved, present, g.Value)

	case schema.GuardCEL:
		return e.cel.Evaluate(ctx, g.Expr, env)

	case schema.GuardExpr:
		return e.expr.Evaluate(ctx, g.Expr, env)

	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown guard kind %q", g.Kind)
	}
}

// Compile walks the guard and compiles every expression leaf and field
// path, so malformed expressions are caught when a definition is loaded
// rather than on the first transition that exercises them.
func (e *Evaluator) Compile(g *schema.Guard) error {
	if g == nil {
		return nil
	}
	err := g.Walk(func(node *schema.Guard) error {
		switch node.Kind {
		case schema.GuardCEL:
			return e.cel.Compile(node.Expr)
		case schema.GuardExpr:
			return e.expr.Compile(node.Expr)
		case schema.GuardField:
			return e.fields.compile(node.Path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("compile guard: %w", err)
	}
	return nil
}
