package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/normanking/conductor/internal/llm"
	"github.com/normanking/conductor/pkg/types"
)

// planMaxTokens bounds the planning call.
const planMaxTokens = 512

// Planner turns a routed query into an executable plan. Feedback from
// failed output validations is carried into subsequent attempts.
type Planner interface {
	Plan(ctx context.Context, q *types.Query, domain types.Domain, hits []types.RetrievalHit, feedback []string, attempt int, handle llm.Handle) (*types.Plan, error)
}

// Executor runs a validated plan against the domain model and returns the
// generated output.
type Executor interface {
	Execute(ctx context.Context, plan *types.Plan, q *types.Query, hits []types.RetrievalHit, handle llm.Handle) (string, error)
}

// ModelPlanner asks the domain model itself for a plan. The model is
// prompted for a JSON action list; when it answers with anything else the
// planner degrades to a single-action plan so planning never hard-fails on
// a model that can't produce structured output.
type ModelPlanner struct{}

// NewModelPlanner creates the default planner.
func NewModelPlanner() *ModelPlanner { return &ModelPlanner{} }

// Plan generates a plan for the query.
func (p *ModelPlanner) Plan(ctx context.Context, q *types.Query, domain types.Domain, hits []types.RetrievalHit, feedback []string, attempt int, handle llm.Handle) (*types.Plan, error) {
	gen, err := handle.Generate(ctx, &llm.GenerateRequest{
		System: "You are a planning assistant. Respond with a JSON array of actions: " +
			`[{"id":1,"description":"...","field":"","depends_on":[]}]. No prose.`,
		Prompt:    planPrompt(q, domain, hits, feedback),
		MaxTokens: planMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("plan generation: %w", err)
	}

	actions := parseActions(gen.Text)
	if len(actions) == 0 {
		actions = []types.PlanAction{{ID: 1, Description: "Respond to the request: " + q.Text}}
	}

	return &types.Plan{
		Domain:   domain.ID,
		Actions:  actions,
		Attempt:  attempt,
		Feedback: append([]string(nil), feedback...),
	}, nil
}

// planPrompt renders the planning request.
func planPrompt(q *types.Query, domain types.Domain, hits []types.RetrievalHit, feedback []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Domain: %s (%s)\n", domain.ID, domain.Description)
	fmt.Fprintf(&b, "Request: %s\n", q.Text)
	if len(hits) > 0 {
		b.WriteString("Context:\n")
		for _, h := range hits {
			fmt.Fprintf(&b, "- [%s] %s\n", h.Scope, h.Content)
		}
	}
	if len(feedback) > 0 {
		b.WriteString("Previous attempts were rejected for these reasons; address them:\n")
		for _, f := range feedback {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	b.WriteString("Produce the plan.")
	return b.String()
}

// parseActions extracts a JSON action array from model output, tolerating
// surrounding prose or code fences.
func parseActions(text string) []types.PlanAction {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil
	}
	var actions []types.PlanAction
	if err := json.Unmarshal([]byte(text[start:end+1]), &actions); err != nil {
		return nil
	}
	return actions
}

// ModelExecutor executes a plan by prompting the domain model with the
// plan, the query, and the retrieved context.
type ModelExecutor struct{}

// NewModelExecutor creates the default executor.
func NewModelExecutor() *ModelExecutor { return &ModelExecutor{} }

// Execute runs the plan.
func (e *ModelExecutor) Execute(ctx context.Context, plan *types.Plan, q *types.Query, hits []types.RetrievalHit, handle llm.Handle) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n", q.Text)
	if len(hits) > 0 {
		b.WriteString("Context:\n")
		for _, h := range hits {
			fmt.Fprintf(&b, "- %s\n", h.Content)
		}
	}
	b.WriteString("Execute this plan and respond to the request:\n")
	for _, a := range plan.Actions {
		fmt.Fprintf(&b, "%d. %s\n", a.ID, a.Description)
	}

	gen, err := handle.Generate(ctx, &llm.GenerateRequest{Prompt: b.String()})
	if err != nil {
		return "", fmt.Errorf("plan execution: %w", err)
	}
	return gen.Text, nil
}
