package validation

import (
	"context"
	"fmt"
)

// SchemaStage checks a plan's structural integrity: it exists, has at least
// one action, action IDs are unique, and every dependency references an
// earlier action in the plan.
type SchemaStage struct{}

// NewSchemaStage creates the schema validation stage.
func NewSchemaStage() *SchemaStage { return &SchemaStage{} }

// Name returns "schema".
func (s *SchemaStage) Name() string { return "schema" }

// Validate checks the plan structure.
func (s *SchemaStage) Validate(ctx context.Context, in *Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if in.Plan == nil {
		return fail(s.Name(), ReasonSchemaMissing, "no plan produced"), nil
	}
	if len(in.Plan.Actions) == 0 {
		return fail(s.Name(), ReasonSchemaEmpty, "plan has no actions"), nil
	}

	seen := make(map[int]bool, len(in.Plan.Actions))
	for _, a := range in.Plan.Actions {
		if seen[a.ID] {
			return fail(s.Name(), ReasonSchemaDuplicate, fmt.Sprintf("action id %d appears twice", a.ID)), nil
		}
		seen[a.ID] = true
	}

	// Dependencies may only point backwards: the plan is an ordered list
	// and an action cannot wait on one that runs after it.
	position := make(map[int]int, len(in.Plan.Actions))
	for i, a := range in.Plan.Actions {
		position[a.ID] = i
	}
	for i, a := range in.Plan.Actions {
		for _, dep := range a.DependsOn {
			j, ok := position[dep]
			if !ok {
				return fail(s.Name(), ReasonSchemaBadRef, fmt.Sprintf("action %d depends on unknown action %d", a.ID, dep)), nil
			}
			if j >= i {
				return fail(s.Name(), ReasonSchemaBadRef, fmt.Sprintf("action %d depends on later action %d", a.ID, dep)), nil
			}
		}
	}

	return pass(s.Name()), nil
}
