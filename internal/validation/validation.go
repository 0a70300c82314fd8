// Package validation implements the staged checks that gate plan execution
// and final output. Stages are pluggable behind one interface; the workflow
// engine runs them in a fixed order and a single failure routes the request
// into the retry path.
package validation

import (
	"context"

	"github.com/normanking/conductor/pkg/types"
)

// Machine-readable reason codes attached to failed results. These feed the
// retry loop as planner feedback, so they must stay stable across releases.
const (
	ReasonSchemaMissing    = "schema_plan_missing"
	ReasonSchemaEmpty      = "schema_plan_empty"
	ReasonSchemaDuplicate  = "schema_duplicate_action_id"
	ReasonSchemaBadRef     = "schema_bad_dependency_ref"
	ReasonRuleTooLarge     = "rules_plan_too_large"
	ReasonRuleCycle        = "rules_dependency_cycle"
	ReasonRuleWrongDomain  = "rules_wrong_domain"
	ReasonRuleEmptyAction  = "rules_empty_action"
	ReasonReasoningReject  = "reasoning_rejected"
	ReasonReasoningSkipped = "reasoning_skipped"
	ReasonOutputEmpty      = "output_empty"
	ReasonOutputTooShort   = "output_too_short"
	ReasonOutputErrorText  = "output_error_marker"
	ReasonOutputLeak       = "output_sensitive_leak"
)

// Input carries everything a stage may inspect. Output is empty until the
// plan has executed; pre-execution stages ignore it.
type Input struct {
	Query  *types.Query
	Domain types.Domain
	Plan   *types.Plan
	Hits   []types.RetrievalHit
	Output string
}

// Result is one stage's verdict.
type Result struct {
	Stage      string `json:"stage"`
	Passed     bool   `json:"passed"`
	ReasonCode string `json:"reason_code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Stage is a single validation check.
type Stage interface {
	// Name identifies the stage in results and events.
	Name() string

	// Validate inspects the input and returns a verdict. Validation
	// failures are results, not errors; an error means the stage itself
	// could not run.
	Validate(ctx context.Context, in *Input) (Result, error)
}

// pass and fail build uniform results.
func pass(stage string) Result {
	return Result{Stage: stage, Passed: true}
}

func fail(stage, reason, detail string) Result {
	return Result{Stage: stage, Passed: false, ReasonCode: reason, Detail: detail}
}
