package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/bus"
	"github.com/normanking/conductor/internal/llm"
	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/modelcache"
	"github.com/normanking/conductor/internal/validation"
	"github.com/normanking/conductor/pkg/types"
)

// Defaults for the engine.
const (
	DefaultConfidenceThreshold = 0.85
	DefaultMaxRetries          = 3
	DefaultExternalTimeout     = 60 * time.Second
)

// ExternalTimeoutError marks a collaborator call that exceeded the
// configured external timeout. Timeouts are not retried; the workflow
// proceeds to cleanup and a failed result.
type ExternalTimeoutError struct {
	Op  string
	Err error
}

func (e *ExternalTimeoutError) Error() string {
	return fmt.Sprintf("workflow: %s timed out: %v", e.Op, e.Err)
}

func (e *ExternalTimeoutError) Unwrap() error { return e.Err }

// Router is the classification surface the engine depends on.
type Router interface {
	Classify(ctx context.Context, q *types.Query) (*types.ClassificationResult, error)
	Domain(id string) (types.Domain, bool)
}

// ModelLoader loads model handles for domain specs.
type ModelLoader interface {
	Load(ctx context.Context, spec types.ModelSpec) (llm.Handle, error)
}

// Retriever fetches fused retrieval context for a domain.
type Retriever interface {
	Retrieve(ctx context.Context, domainID, query string, embedding []float32) ([]types.RetrievalHit, error)
}

// Recorder persists terminal results. The engine records through a
// detached context so a cancelled request still gets its metrics row.
type Recorder interface {
	RecordResult(ctx context.Context, q *types.Query, res *types.Result) error
}

// Config tunes the engine.
type Config struct {
	ConfidenceThreshold float64
	MaxRetries          int
	ExternalTimeout     time.Duration
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() Config {
	return Config{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		MaxRetries:          DefaultMaxRetries,
		ExternalTimeout:     DefaultExternalTimeout,
	}
}

// Deps are the engine's collaborators. Router, Cache, and Loader are
// required; the rest may be nil and the corresponding step degrades or is
// skipped.
type Deps struct {
	Router    Router
	Cache     *modelcache.Cache
	Loader    ModelLoader
	Retrieval Retriever
	Planner   Planner
	Executor  Executor

	// Gates run in order before execution (schema, rules, reasoning).
	Gates []validation.Stage

	// Output validates the executed result and drives the retry loop.
	Output validation.Stage

	Bus      *bus.Bus
	Recorder Recorder
}

// Engine drives requests through the workflow state machine.
type Engine struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	statsMu sync.RWMutex
	stats   statsCounters
}

type statsCounters struct {
	total          int64
	success        int64
	escalated      int64
	failed         int64
	totalLatencyMs float64
	perDomain      map[string]int64
}

// NewEngine creates a workflow engine.
func NewEngine(cfg Config, deps Deps, log zerolog.Logger) *Engine {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.ExternalTimeout <= 0 {
		cfg.ExternalTimeout = DefaultExternalTimeout
	}
	if deps.Planner == nil {
		deps.Planner = NewModelPlanner()
	}
	if deps.Executor == nil {
		deps.Executor = NewModelExecutor()
	}
	return &Engine{
		cfg:  cfg,
		deps: deps,
		log:  log,
		stats: statsCounters{
			perDomain: make(map[string]int64),
		},
	}
}

// Process runs one query through the workflow and returns its terminal
// result. The returned error is non-nil only when the caller's context was
// cancelled; every other outcome, including failures and escalations, is
// expressed in the result's status.
func (e *Engine) Process(ctx context.Context, text string, callerContext map[string]string) (*types.Result, error) {
	q := &types.Query{
		Text:          text,
		Context:       callerContext,
		CorrelationID: uuid.NewString(),
		ReceivedAt:    time.Now().UTC(),
	}
	return e.ProcessQuery(ctx, q)
}

// ProcessQuery runs a pre-built query through the workflow.
func (e *Engine) ProcessQuery(ctx context.Context, q *types.Query) (res *types.Result, err error) {
	wc := newWorkflowContext(q)
	log := e.log.With().Str("correlation_id", q.CorrelationID).Logger()

	e.emit(wc, bus.EventRequestReceived, func(ev *bus.Event) {})
	log.Info().Str("query", q.Text).Msg("request received")

	// Guaranteed-release obligation: whatever path exits this function,
	// including cancellation and panics, an acquired domain resource is
	// released exactly once.
	defer func() {
		e.releaseAcquired(wc)
	}()

	// ── Classify ──
	e.enter(wc, StateClassify)
	cctx, cancel := e.callCtx(ctx)
	classification, cerr := e.deps.Router.Classify(cctx, q)
	cancel()
	if cerr != nil {
		if r, rerr := e.checkInterrupt(ctx, wc, cerr, "classification"); r != nil || rerr != nil {
			return r, rerr
		}
		log.Error().Err(cerr).Msg("classification failed")
		return e.fail(ctx, wc, "classification_error", cerr.Error()), nil
	}
	wc.Classification = classification
	log.Debug().Str("domain", classification.Domain).Float64("confidence", classification.Confidence).Bool("cache_hit", classification.CacheHit).Msg("query classified")

	// ── ConfidenceCheck ──
	e.enter(wc, StateConfidenceCheck)
	if classification.Confidence < e.cfg.ConfidenceThreshold {
		e.enter(wc, StateEscalate)
		e.emit(wc, bus.EventEscalated, func(ev *bus.Event) {
			ev.Domain = classification.Domain
			ev.Confidence = classification.Confidence
		})
		log.Info().Float64("confidence", classification.Confidence).Float64("threshold", e.cfg.ConfidenceThreshold).Msg("request escalated")
		msg := fmt.Sprintf("confidence %.2f below threshold %.2f, escalating to fallback handler",
			classification.Confidence, e.cfg.ConfidenceThreshold)
		return e.finalize(ctx, wc, wc.result(types.StatusEscalated, msg)), nil
	}

	domain, ok := e.deps.Router.Domain(classification.Domain)
	if !ok {
		return e.fail(ctx, wc, "unknown_domain", fmt.Sprintf("classified domain %q is not registered", classification.Domain)), nil
	}
	wc.Domain = domain

	// ── LoadDomain ──
	e.enter(wc, StateLoadDomain)
	key := domain.Model.Key()
	lctx, cancel := e.callCtx(ctx)
	resource, aerr := e.deps.Cache.Acquire(lctx, key, func(ctx context.Context) (modelcache.Resource, error) {
		return e.deps.Loader.Load(ctx, domain.Model)
	})
	cancel()
	if aerr != nil {
		if r, rerr := e.checkInterrupt(ctx, wc, aerr, "domain model load"); r != nil || rerr != nil {
			return r, rerr
		}
		reason := "resource_unavailable"
		if errors.Is(aerr, modelcache.ErrCapacity) {
			reason = "cache_capacity"
		}
		log.Error().Err(aerr).Str("key", key).Msg("domain activation failed")
		return e.fail(ctx, wc, reason, aerr.Error()), nil
	}
	wc.acquiredKey = key
	handle, ok := resource.(llm.Handle)
	if !ok {
		return e.fail(ctx, wc, "resource_unavailable", fmt.Sprintf("cached resource %s is not a model handle", key)), nil
	}

	// ── RetrieveContext ──
	e.enter(wc, StateRetrieveContext)
	if domain.RetrievalEnabled && e.deps.Retrieval != nil {
		rctx, cancel := e.callCtx(ctx)
		hits, rerr := e.deps.Retrieval.Retrieve(rctx, domain.ID, q.Text, classification.Embedding)
		cancel()
		if rerr != nil {
			if r, xerr := e.checkInterrupt(ctx, wc, rerr, "retrieval"); r != nil || xerr != nil {
				return r, xerr
			}
			// Retrieval is best-effort; plan with no context.
			log.Warn().Err(rerr).Msg("retrieval failed, continuing without context")
		} else {
			wc.Hits = hits
		}
	}

	// ── Plan / validate / execute loop ──
	for {
		e.enter(wc, StatePlan)
		pctx, cancel := e.callCtx(ctx)
		plan, perr := e.deps.Planner.Plan(pctx, q, domain, wc.Hits, wc.Feedback, wc.Retries, handle)
		cancel()
		if perr != nil {
			if r, xerr := e.checkInterrupt(ctx, wc, perr, "planning"); r != nil || xerr != nil {
				return r, xerr
			}
			return e.fail(ctx, wc, "planning_error", perr.Error()), nil
		}
		wc.Plan = plan

		// Gating stages: schema and rules always, reasoning only for
		// complex plans. Any gate failure is terminal.
		verdict, gerr := e.runGates(ctx, wc)
		if gerr != nil {
			if r, xerr := e.checkInterrupt(ctx, wc, gerr, "validation"); r != nil || xerr != nil {
				return r, xerr
			}
			return e.fail(ctx, wc, "validation_error", gerr.Error()), nil
		}
		if verdict != nil && !verdict.Passed {
			log.Warn().Str("stage", verdict.Stage).Str("reason", verdict.ReasonCode).Msg("gating validation failed")
			return e.fail(ctx, wc, verdict.ReasonCode, verdict.Detail), nil
		}

		// ── Execute ──
		e.enter(wc, StateExecute)
		xctx, cancel := e.callCtx(ctx)
		output, xerr := e.deps.Executor.Execute(xctx, plan, q, wc.Hits, handle)
		cancel()
		if xerr != nil {
			if r, ierr := e.checkInterrupt(ctx, wc, xerr, "execution"); r != nil || ierr != nil {
				return r, ierr
			}
			return e.fail(ctx, wc, "execution_error", xerr.Error()), nil
		}
		wc.Output = output

		// ── ValidateOutput ──
		e.enter(wc, StateValidateOutput)
		outRes, oerr := e.validateStage(ctx, wc, e.deps.Output)
		if oerr != nil {
			if r, ierr := e.checkInterrupt(ctx, wc, oerr, "output validation"); r != nil || ierr != nil {
				return r, ierr
			}
			return e.fail(ctx, wc, "validation_error", oerr.Error()), nil
		}
		if outRes.Passed {
			break
		}

		wc.Retries++
		wc.Feedback = append(wc.Feedback, outRes.ReasonCode+": "+outRes.Detail)
		e.emit(wc, bus.EventValidationFailed, func(ev *bus.Event) {
			ev.Stage = outRes.Stage
			ev.ReasonCode = outRes.ReasonCode
			ev.Attempt = wc.Retries
		})
		if wc.Retries >= e.cfg.MaxRetries {
			log.Warn().Int("retries", wc.Retries).Str("reason", outRes.ReasonCode).Msg("retries exhausted")
			return e.fail(ctx, wc, outRes.ReasonCode, "retries exhausted: "+outRes.Detail), nil
		}

		e.enter(wc, StateRetry)
		e.emit(wc, bus.EventRetry, func(ev *bus.Event) { ev.Attempt = wc.Retries })
		log.Info().Int("attempt", wc.Retries).Str("reason", outRes.ReasonCode).Msg("retrying plan")
	}

	// ── Log / Unload / Return ──
	e.enter(wc, StateLog)
	e.enter(wc, StateUnload)
	e.unload(wc)
	e.enter(wc, StateReturn)
	log.Info().Float64("latency_ms", wc.elapsedMs()).Int("retries", wc.Retries).Msg("request complete")
	return e.finalize(ctx, wc, wc.result(types.StatusSuccess, "request completed")), nil
}

// runGates runs the pre-execution validation stages. A nil verdict with a
// nil error means every gate passed.
func (e *Engine) runGates(ctx context.Context, wc *WorkflowContext) (*validation.Result, error) {
	for _, stage := range e.deps.Gates {
		state, ok := gateState(stage.Name())
		if !ok {
			return nil, fmt.Errorf("unknown gating stage %q", stage.Name())
		}
		if state == StateValidateReasoning && !wc.Plan.Complex(wc.Domain.SensitiveFields) {
			continue
		}
		e.enter(wc, state)
		res, err := e.validateStage(ctx, wc, stage)
		if err != nil {
			return nil, err
		}
		if !res.Passed {
			e.emit(wc, bus.EventValidationFailed, func(ev *bus.Event) {
				ev.Stage = res.Stage
				ev.ReasonCode = res.ReasonCode
			})
			return &res, nil
		}
	}
	return nil, nil
}

// gateState maps a stage name to its workflow state.
func gateState(name string) (State, bool) {
	switch name {
	case "schema":
		return StateValidateSchema, true
	case "rules":
		return StateValidateRules, true
	case "reasoning":
		return StateValidateReasoning, true
	default:
		return "", false
	}
}

// validateStage runs one stage with the external timeout applied and
// records its result on the context.
func (e *Engine) validateStage(ctx context.Context, wc *WorkflowContext, stage validation.Stage) (validation.Result, error) {
	vctx, cancel := e.callCtx(ctx)
	defer cancel()
	res, err := stage.Validate(vctx, &validation.Input{
		Query:  wc.Query,
		Domain: wc.Domain,
		Plan:   wc.Plan,
		Hits:   wc.Hits,
		Output: wc.Output,
	})
	if err != nil {
		return validation.Result{}, err
	}
	wc.StageResults = append(wc.StageResults, res)
	return res, nil
}

// fail routes the workflow to Failed, running Unload first when a resource
// is held, and finalizes the failed result.
func (e *Engine) fail(ctx context.Context, wc *WorkflowContext, reason, message string) *types.Result {
	wc.failureReason = reason
	if wc.acquiredKey != "" && !wc.unloaded {
		e.enter(wc, StateUnload)
		e.unload(wc)
	}
	e.enter(wc, StateFailed)
	return e.finalize(ctx, wc, wc.result(types.StatusFailed, message))
}

// checkInterrupt classifies a collaborator error: caller cancellation ends
// the run with the context error, a deadline hit becomes an
// ExternalTimeoutError and a failed result. Any other error returns
// (nil, nil) and the caller handles it as an ordinary failure.
func (e *Engine) checkInterrupt(ctx context.Context, wc *WorkflowContext, err error, op string) (*types.Result, error) {
	if ctx.Err() != nil {
		wc.failureReason = "cancelled"
		return nil, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		terr := &ExternalTimeoutError{Op: op, Err: err}
		e.log.Error().Str("correlation_id", wc.Query.CorrelationID).Err(terr).Msg("external call timed out")
		return e.fail(ctx, wc, "external_timeout", terr.Error()), nil
	}
	return nil, nil
}

// callCtx derives a context bounded by the external call timeout.
func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.ExternalTimeout)
}

// unload releases the acquired domain resource through the Unload state.
func (e *Engine) unload(wc *WorkflowContext) {
	if wc.acquiredKey == "" || wc.unloaded {
		return
	}
	e.deps.Cache.Release(wc.acquiredKey)
	wc.unloaded = true
}

// releaseAcquired is the deferred safety net for paths that exit without
// reaching the Unload state (cancellation, panic).
func (e *Engine) releaseAcquired(wc *WorkflowContext) {
	if wc.acquiredKey != "" && !wc.unloaded {
		e.deps.Cache.Release(wc.acquiredKey)
		wc.unloaded = true
		e.log.Debug().Str("key", wc.acquiredKey).Msg("resource released by cleanup")
	}
}

// finalize updates stats, records metrics, and emits the completion event.
func (e *Engine) finalize(ctx context.Context, wc *WorkflowContext, res *types.Result) *types.Result {
	e.recordStats(res)

	e.emit(wc, bus.EventRequestComplete, func(ev *bus.Event) {
		ev.Domain = res.Domain
		ev.Confidence = res.Confidence
		ev.LatencyMs = res.LatencyMs
		ev.ReasonCode = res.FailureReason
	})

	if e.deps.Recorder != nil {
		// Metrics survive request cancellation.
		mctx, cancel := logging.DetachContextWithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := e.deps.Recorder.RecordResult(mctx, wc.Query, res); err != nil {
			e.log.Warn().Err(err).Msg("failed to record request metrics")
		}
	}
	return res
}

// recordStats folds a terminal result into the engine counters.
func (e *Engine) recordStats(res *types.Result) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.total++
	e.stats.totalLatencyMs += res.LatencyMs
	switch res.Status {
	case types.StatusSuccess:
		e.stats.success++
	case types.StatusEscalated:
		e.stats.escalated++
	case types.StatusFailed:
		e.stats.failed++
	}
	if res.Domain != "" {
		e.stats.perDomain[res.Domain]++
	}
}

// StatsSnapshot is a point-in-time view of engine counters. Escalations
// are their own category, counted neither as success nor failure.
type StatsSnapshot struct {
	Total        int64            `json:"total"`
	Success      int64            `json:"success"`
	Escalated    int64            `json:"escalated"`
	Failed       int64            `json:"failed"`
	AvgLatencyMs float64          `json:"avg_latency_ms"`
	PerDomain    map[string]int64 `json:"per_domain"`
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() StatsSnapshot {
	e.statsMu.RLock()
	defer e.statsMu.RUnlock()
	snap := StatsSnapshot{
		Total:     e.stats.total,
		Success:   e.stats.success,
		Escalated: e.stats.escalated,
		Failed:    e.stats.failed,
		PerDomain: make(map[string]int64, len(e.stats.perDomain)),
	}
	if e.stats.total > 0 {
		snap.AvgLatencyMs = e.stats.totalLatencyMs / float64(e.stats.total)
	}
	for k, v := range e.stats.perDomain {
		snap.PerDomain[k] = v
	}
	return snap
}

// enter moves the context into state and publishes the transition.
func (e *Engine) enter(wc *WorkflowContext, state State) {
	prev := wc.enter(state)
	e.emit(wc, bus.EventStateChange, func(ev *bus.Event) {
		ev.PrevState = string(prev)
		if wc.Classification != nil {
			ev.Domain = wc.Classification.Domain
			ev.Confidence = wc.Classification.Confidence
		}
	})
}

// emit publishes a bus event for the context's current state.
func (e *Engine) emit(wc *WorkflowContext, t bus.EventType, fill func(*bus.Event)) {
	if e.deps.Bus == nil {
		return
	}
	ev := bus.NewEvent(t)
	ev.CorrelationID = wc.Query.CorrelationID
	ev.State = string(wc.State)
	fill(&ev)
	e.deps.Bus.Publish(ev)
}
