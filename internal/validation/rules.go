package validation

import (
	"context"
	"fmt"
	"strings"
)

// DefaultMaxActions bounds plan size before execution.
const DefaultMaxActions = 16

// RulesStage enforces domain business rules on a structurally valid plan:
// size limits, no self-dependencies, non-empty action descriptions, and the
// plan targeting the domain the query was routed to.
type RulesStage struct {
	maxActions int
}

// NewRulesStage creates the rules stage with the default size limit.
func NewRulesStage() *RulesStage {
	return &RulesStage{maxActions: DefaultMaxActions}
}

// NewRulesStageWithLimit creates the rules stage with a custom size limit.
func NewRulesStageWithLimit(maxActions int) *RulesStage {
	if maxActions <= 0 {
		maxActions = DefaultMaxActions
	}
	return &RulesStage{maxActions: maxActions}
}

// Name returns "rules".
func (s *RulesStage) Name() string { return "rules" }

// Validate applies the business rules.
func (s *RulesStage) Validate(ctx context.Context, in *Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	plan := in.Plan
	if plan == nil {
		return fail(s.Name(), ReasonSchemaMissing, "no plan produced"), nil
	}

	if len(plan.Actions) > s.maxActions {
		return fail(s.Name(), ReasonRuleTooLarge,
			fmt.Sprintf("plan has %d actions, limit is %d", len(plan.Actions), s.maxActions)), nil
	}

	if plan.Domain != "" && in.Domain.ID != "" && plan.Domain != in.Domain.ID {
		return fail(s.Name(), ReasonRuleWrongDomain,
			fmt.Sprintf("plan targets domain %q but request was routed to %q", plan.Domain, in.Domain.ID)), nil
	}

	for _, a := range plan.Actions {
		if strings.TrimSpace(a.Description) == "" {
			return fail(s.Name(), ReasonRuleEmptyAction, fmt.Sprintf("action %d has no description", a.ID)), nil
		}
		for _, dep := range a.DependsOn {
			if dep == a.ID {
				return fail(s.Name(), ReasonRuleCycle, fmt.Sprintf("action %d depends on itself", a.ID)), nil
			}
		}
	}

	return pass(s.Name()), nil
}
