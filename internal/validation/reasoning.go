package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/llm"
	"github.com/normanking/conductor/internal/modelcache"
	"github.com/normanking/conductor/pkg/types"
)

// reasoningMaxTokens keeps the verdict call cheap.
const reasoningMaxTokens = 64

// ReasoningStage runs model-backed plausibility checking on complex plans.
// The reasoning model is acquired through the shared resource cache for the
// duration of the check, so it competes for cache slots like any domain
// model. Simple plans skip the stage entirely.
//
// The stage degrades rather than blocks: if the reasoning model cannot be
// acquired (cache at capacity with all slots held, or the backend is down),
// the plan passes with a skip reason. A request is never failed because the
// referee was unavailable.
type ReasoningStage struct {
	cache  *modelcache.Cache
	loader *llm.Service
	model  types.ModelSpec
	log    zerolog.Logger
}

// NewReasoningStage creates the reasoning stage using the given model.
func NewReasoningStage(cache *modelcache.Cache, loader *llm.Service, model types.ModelSpec, log zerolog.Logger) *ReasoningStage {
	return &ReasoningStage{cache: cache, loader: loader, model: model, log: log}
}

// Name returns "reasoning".
func (s *ReasoningStage) Name() string { return "reasoning" }

// Validate asks the reasoning model whether the plan plausibly addresses
// the query. Only complex plans (multiple dependent actions, or actions
// touching the domain's sensitive fields) are checked.
func (s *ReasoningStage) Validate(ctx context.Context, in *Input) (Result, error) {
	if in.Plan == nil {
		return fail(s.Name(), ReasonSchemaMissing, "no plan produced"), nil
	}
	if !in.Plan.Complex(in.Domain.SensitiveFields) {
		return pass(s.Name()), nil
	}

	key := s.model.Key()
	res, err := s.cache.Acquire(ctx, key, func(ctx context.Context) (modelcache.Resource, error) {
		return s.loader.Load(ctx, s.model)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, err
		}
		s.log.Warn().Err(err).Str("model", key).Msg("reasoning model unavailable, skipping check")
		r := pass(s.Name())
		r.ReasonCode = ReasonReasoningSkipped
		r.Detail = err.Error()
		return r, nil
	}
	defer s.cache.Release(key)

	handle, ok := res.(llm.Handle)
	if !ok {
		return Result{}, fmt.Errorf("reasoning resource %s is not a model handle", key)
	}

	gen, err := handle.Generate(ctx, &llm.GenerateRequest{
		System:    "You are a plan reviewer. Answer with exactly APPROVE or REJECT followed by one short reason.",
		Prompt:    reviewPrompt(in),
		MaxTokens: reasoningMaxTokens,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, err
		}
		s.log.Warn().Err(err).Str("model", key).Msg("reasoning check errored, skipping")
		r := pass(s.Name())
		r.ReasonCode = ReasonReasoningSkipped
		r.Detail = err.Error()
		return r, nil
	}

	verdict := strings.TrimSpace(gen.Text)
	if strings.HasPrefix(strings.ToUpper(verdict), "APPROVE") {
		return pass(s.Name()), nil
	}
	return fail(s.Name(), ReasonReasoningReject, verdict), nil
}

// reviewPrompt renders the query and plan for the reviewer model.
func reviewPrompt(in *Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n", in.Query.Text)
	fmt.Fprintf(&b, "Domain: %s\n", in.Domain.ID)
	b.WriteString("Plan:\n")
	for _, a := range in.Plan.Actions {
		fmt.Fprintf(&b, "  %d. %s", a.ID, a.Description)
		if len(a.DependsOn) > 0 {
			fmt.Fprintf(&b, " (after %v)", a.DependsOn)
		}
		b.WriteByte('\n')
	}
	b.WriteString("Does this plan plausibly address the request?")
	return b.String()
}
