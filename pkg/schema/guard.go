package schema

import "fmt"

// GuardKind tags the variant of a guard AST node.
type GuardKind string

const (
	// Combinators.
	GuardAll GuardKind = "all"
	GuardAny GuardKind = "any"
	GuardNot GuardKind = "not"

	// Built-in predicates.
	GuardRole  GuardKind = "role"
	GuardField GuardKind = "field"

	// Expression leaves, evaluated by a sandboxed engine.
	GuardCEL  GuardKind = "cel"
	GuardExpr GuardKind = "expr"
)

// Field comparison operators.
const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpIn       = "in"
	OpContains = "contains"
	OpExists   = "exists"
	OpAbsent   = "absent"
)

var fieldOps = map[string]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpContains: true, OpExists: true, OpAbsent: true,
}

// Guard is a tagged-variant predicate AST gating a transition.
// Exactly one variant's fields are meaningful, selected by Kind:
//
//	all/any: Guards (non-empty)
//	not:     Guard
//	role:    Role — true when the actor holds the named role
//	field:   Path/Op/Value — Path is a jq query over the instance context
//	cel:     Expr — a CEL expression over {actor, context}
//	expr:    Expr — an expr-lang expression over {actor, context}
//
// Guards are data, never host code; evaluation is interpreted.
type Guard struct {
	Kind GuardKind `json:"kind"`

	Guards []Guard `json:"guards,omitempty"`
	Guard  *Guard  `json:"guard,omitempty"`

	Role string `json:"role,omitempty"`

	Path  string `json:"path,omitempty"`
	Op    string `json:"op,omitempty"`
	Value any    `json:"value,omitempty"`

	Expr string `json:"expr,omitempty"`
}

// CheckSyntax validates the structural shape of the guard AST: known kinds,
// required variant fields present, operators recognized. Expression leaves
// are only shape-checked here; compiling them is the evaluator's job at
// definition-load time.
func (g *Guard) CheckSyntax() error {
	return g.checkSyntax("guard")
}

func (g *Guard) checkSyntax(path string) error {
	switch g.Kind {
	case GuardAll, GuardAny:
		if len(g.Guards) == 0 {
			return fmt.Errorf("%s: %q requires at least one sub-guard", path, g.Kind)
		}
		for i := range g.Guards {
			if err := g.Guards[i].checkSyntax(fmt.Sprintf("%s.guards[%d]", path, i)); err != nil {
				return err
			}
		}
	case GuardNot:
		if g.Guard == nil {
			return fmt.Errorf("%s: %q requires a sub-guard", path, g.Kind)
		}
		return g.Guard.checkSyntax(path + ".guard")
	case GuardRole:
		if g.Role == "" {
			return fmt.Errorf("%s: role guard requires a role name", path)
		}
	case GuardField:
		if g.Path == "" {
			return fmt.Errorf("%s: field guard requires a path", path)
		}
		if !fieldOps[g.Op] {
			return fmt.Errorf("%s: field guard has unknown op %q", path, g.Op)
		}
	case GuardCEL, GuardExpr:
		if g.Expr == "" {
			return fmt.Errorf("%s: %q guard requires an expression", path, g.Kind)
		}
	case "":
		return fmt.Errorf("%s: missing guard kind", path)
	default:
		return fmt.Errorf("%s: unknown guard kind %q", path, g.Kind)
	}
	return nil
}

// Walk calls fn for every node in the AST, depth-first. fn returning an
// error stops the walk.
func (g *Guard) Walk(fn func(*Guard) error) error {
	if err := fn(g); err != nil {
		return err
	}
	for i := range g.Guards {
		if err := g.Guards[i].Walk(fn); err != nil {
			return err
		}
	}
	if g.Guard != nil {
		return g.Guard.Walk(fn)
	}
	return nil
}
