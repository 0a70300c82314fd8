package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/conductor/internal/llm"
	"github.com/normanking/conductor/internal/modelcache"
	"github.com/normanking/conductor/pkg/types"
)

func baseInput(plan *types.Plan) *Input {
	return &Input{
		Query:  &types.Query{Text: "transfer $5000", CorrelationID: "test", ReceivedAt: time.Now()},
		Domain: types.Domain{ID: "finance", SensitiveFields: []string{"amount"}},
		Plan:   plan,
	}
}

func simplePlan() *types.Plan {
	return &types.Plan{
		Domain:  "finance",
		Actions: []types.PlanAction{{ID: 1, Description: "look up the account"}},
	}
}

func TestSchemaStage(t *testing.T) {
	tests := []struct {
		name   string
		plan   *types.Plan
		reason string
	}{
		{"nil plan", nil, ReasonSchemaMissing},
		{"empty plan", &types.Plan{Domain: "finance"}, ReasonSchemaEmpty},
		{
			"duplicate ids",
			&types.Plan{Actions: []types.PlanAction{
				{ID: 1, Description: "a"}, {ID: 1, Description: "b"},
			}},
			ReasonSchemaDuplicate,
		},
		{
			"unknown dependency",
			&types.Plan{Actions: []types.PlanAction{
				{ID: 1, Description: "a", DependsOn: []int{9}},
			}},
			ReasonSchemaBadRef,
		},
		{
			"forward dependency",
			&types.Plan{Actions: []types.PlanAction{
				{ID: 1, Description: "a", DependsOn: []int{2}},
				{ID: 2, Description: "b"},
			}},
			ReasonSchemaBadRef,
		},
		{"valid", simplePlan(), ""},
		{
			"valid with backward deps",
			&types.Plan{Actions: []types.PlanAction{
				{ID: 1, Description: "a"},
				{ID: 2, Description: "b", DependsOn: []int{1}},
			}},
			"",
		},
	}

	stage := NewSchemaStage()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := stage.Validate(context.Background(), baseInput(tt.plan))
			require.NoError(t, err)
			if tt.reason == "" {
				assert.True(t, res.Passed, "detail: %s", res.Detail)
			} else {
				assert.False(t, res.Passed)
				assert.Equal(t, tt.reason, res.ReasonCode)
			}
		})
	}
}

func TestRulesStage(t *testing.T) {
	bigPlan := &types.Plan{Domain: "finance"}
	for i := 1; i <= DefaultMaxActions+1; i++ {
		bigPlan.Actions = append(bigPlan.Actions, types.PlanAction{ID: i, Description: "step"})
	}

	tests := []struct {
		name   string
		plan   *types.Plan
		reason string
	}{
		{"too many actions", bigPlan, ReasonRuleTooLarge},
		{
			"wrong domain",
			&types.Plan{Domain: "support", Actions: []types.PlanAction{{ID: 1, Description: "a"}}},
			ReasonRuleWrongDomain,
		},
		{
			"self dependency",
			&types.Plan{Domain: "finance", Actions: []types.PlanAction{
				{ID: 1, Description: "a", DependsOn: []int{1}},
			}},
			ReasonRuleCycle,
		},
		{
			"blank action",
			&types.Plan{Domain: "finance", Actions: []types.PlanAction{{ID: 1, Description: "   "}}},
			ReasonRuleEmptyAction,
		},
		{"valid", simplePlan(), ""},
	}

	stage := NewRulesStage()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := stage.Validate(context.Background(), baseInput(tt.plan))
			require.NoError(t, err)
			if tt.reason == "" {
				assert.True(t, res.Passed, "detail: %s", res.Detail)
			} else {
				assert.False(t, res.Passed)
				assert.Equal(t, tt.reason, res.ReasonCode)
			}
		})
	}
}

func TestOutputStage(t *testing.T) {
	tests := []struct {
		name   string
		output string
		reason string
	}{
		{"empty", "   ", ReasonOutputEmpty},
		{"too short", "ok", ReasonOutputTooShort},
		{"error marker", "Internal error: model unavailable", ReasonOutputErrorText},
		{"valid", "The transfer has been scheduled for tomorrow.", ""},
	}

	stage := NewOutputStage()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseInput(simplePlan())
			in.Output = tt.output
			res, err := stage.Validate(context.Background(), in)
			require.NoError(t, err)
			if tt.reason == "" {
				assert.True(t, res.Passed, "detail: %s", res.Detail)
			} else {
				assert.False(t, res.Passed)
				assert.Equal(t, tt.reason, res.ReasonCode)
			}
		})
	}
}

func TestOutputStageSensitiveLeak(t *testing.T) {
	in := baseInput(simplePlan())
	in.Query.Context = map[string]string{"amount": "4111-1111"}
	in.Output = "Your card 4111-1111 was charged successfully."

	res, err := NewOutputStage().Validate(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, ReasonOutputLeak, res.ReasonCode)
}

// ── Reasoning stage ──

type scriptedHandle struct {
	reply string
	err   error
}

func (h *scriptedHandle) Generate(ctx context.Context, req *llm.GenerateRequest) (*llm.Generation, error) {
	if h.err != nil {
		return nil, h.err
	}
	return &llm.Generation{Text: h.reply, Model: "fake"}, nil
}
func (h *scriptedHandle) Name() string       { return "fake/referee" }
func (h *scriptedHandle) MemoryBytes() int64 { return 1 }
func (h *scriptedHandle) Close() error       { return nil }

type scriptedLoader struct {
	handle llm.Handle
	err    error
	loads  int
}

func (l *scriptedLoader) Load(ctx context.Context, spec types.ModelSpec) (llm.Handle, error) {
	l.loads++
	if l.err != nil {
		return nil, l.err
	}
	return l.handle, nil
}
func (l *scriptedLoader) Source() string { return "fake" }

func complexPlan() *types.Plan {
	return &types.Plan{
		Domain: "finance",
		Actions: []types.PlanAction{
			{ID: 1, Description: "check balance"},
			{ID: 2, Description: "debit source", DependsOn: []int{1}},
			{ID: 3, Description: "credit target", DependsOn: []int{2}},
		},
	}
}

func reasoningFixture(t *testing.T, loader *scriptedLoader) (*ReasoningStage, *modelcache.Cache) {
	t.Helper()
	cache := modelcache.New(2, zerolog.Nop())
	svc := llm.NewService(llm.ServiceConfig{})
	svc.Register(loader)
	spec := types.ModelSpec{Source: "fake", Ref: "referee"}
	return NewReasoningStage(cache, svc, spec, zerolog.Nop()), cache
}

func TestReasoningSkipsSimplePlans(t *testing.T) {
	loader := &scriptedLoader{handle: &scriptedHandle{reply: "APPROVE"}}
	stage, _ := reasoningFixture(t, loader)

	res, err := stage.Validate(context.Background(), baseInput(simplePlan()))
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Zero(t, loader.loads, "simple plans must not load the reasoning model")
}

func TestReasoningApprovesAndReleases(t *testing.T) {
	loader := &scriptedLoader{handle: &scriptedHandle{reply: "APPROVE: dependencies are coherent"}}
	stage, cache := reasoningFixture(t, loader)

	res, err := stage.Validate(context.Background(), baseInput(complexPlan()))
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, 1, loader.loads)
	assert.Equal(t, 0, cache.RefCount("fake/referee"), "reasoning model must be released after the stage")
}

func TestReasoningRejects(t *testing.T) {
	loader := &scriptedLoader{handle: &scriptedHandle{reply: "REJECT: plan debits before checking"}}
	stage, _ := reasoningFixture(t, loader)

	res, err := stage.Validate(context.Background(), baseInput(complexPlan()))
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, ReasonReasoningReject, res.ReasonCode)
}

func TestReasoningDegradesWhenModelUnavailable(t *testing.T) {
	loader := &scriptedLoader{err: errors.New("referee weights missing")}
	stage, _ := reasoningFixture(t, loader)

	res, err := stage.Validate(context.Background(), baseInput(complexPlan()))
	require.NoError(t, err)
	assert.True(t, res.Passed, "unavailable referee must degrade, not fail the request")
	assert.Equal(t, ReasonReasoningSkipped, res.ReasonCode)
}

func TestReasoningSensitiveFieldForcesCheck(t *testing.T) {
	loader := &scriptedLoader{handle: &scriptedHandle{reply: "APPROVE"}}
	stage, _ := reasoningFixture(t, loader)

	plan := &types.Plan{
		Domain:  "finance",
		Actions: []types.PlanAction{{ID: 1, Description: "update amount", Field: "amount"}},
	}
	res, err := stage.Validate(context.Background(), baseInput(plan))
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, 1, loader.loads, "sensitive field must trigger the reasoning check")
}
