// Package validation checks workflow definition specs before they are
// accepted into the registry. Validation happens at load time only: once a
// definition version is stored, it is immutable and never re-validated.
package validation

import (
	"github.com/aquenix/flowstate/pkg/schema"
)

// GuardCompiler compiles guard expression leaves ahead of time so malformed
// expressions are rejected at definition load, not on the first transition.
type GuardCompiler interface {
	Compile(g *schema.Guard) error
}

// SpecValidator orchestrates the three-stage validation pipeline:
//  1. Structural (JSON Schema)
//  2. Semantic (graph integrity, guard shape, SLA sanity)
//  3. Guard compilation (CEL/expr/field-path leaves)
type SpecValidator struct {
	jsonSchema *JSONSchemaValidator
	guards     GuardCompiler
}

// NewSpecValidator creates a SpecValidator. guards may be nil to skip
// expression compilation.
func NewSpecValidator(guards GuardCompiler) (*SpecValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &SpecValidator{jsonSchema: jsv, guards: guards}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: later stages assume a well-shaped spec.
func (sv *SpecValidator) Validate(spec *schema.Spec) *schema.ValidationResult {
	if spec == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "definition spec is nil")
		return r
	}

	result := &schema.ValidationResult{}
	if err := sv.jsonSchema.ValidateSpec(spec); err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	result.Merge(validateSemantic(spec))

	if result.Valid() && sv.guards != nil {
		sv.compileGuards(spec, result)
	}

	return result
}

// ValidateSpec runs the pipeline and collapses the result into an error.
func (sv *SpecValidator) ValidateSpec(spec *schema.Spec) error {
	return sv.Validate(spec).ToError()
}

func (sv *SpecValidator) compileGuards(spec *schema.Spec, result *schema.ValidationResult) {
	for i := range spec.States {
		for j := range spec.States[i].Transitions {
			tr := &spec.States[i].Transitions[j]
			if tr.Guard == nil {
				continue
			}
			if err := sv.guards.Compile(tr.Guard); err != nil {
				result.AddError(
					spec.States[i].Name+"/"+tr.Trigger,
					schema.ErrCodeValidation, err.Error())
			}
		}
	}
}
