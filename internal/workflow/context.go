package workflow

import (
	"time"

	"github.com/normanking/conductor/internal/validation"
	"github.com/normanking/conductor/pkg/types"
)

// WorkflowContext is the single mutable record threaded through one
// request's lifecycle. It is owned exclusively by the engine goroutine
// processing the request and is never shared across requests; concurrent
// requests interact only through the resource cache and the stores.
type WorkflowContext struct {
	Query          *types.Query
	State          State
	Classification *types.ClassificationResult
	Domain         types.Domain
	Hits           []types.RetrievalHit
	Plan           *types.Plan
	Output         string
	StageResults   []validation.Result
	Retries        int
	Feedback       []string

	// acquiredKey is the cache key of the held domain resource, empty when
	// nothing is held. unloaded flips when the release has run.
	acquiredKey string
	unloaded    bool

	startedAt      time.Time
	stateEnteredAt time.Time
	history        []string
	latencies      map[string]float64

	failureReason string
}

func newWorkflowContext(q *types.Query) *WorkflowContext {
	now := time.Now()
	return &WorkflowContext{
		Query:          q,
		State:          StateInit,
		startedAt:      now,
		stateEnteredAt: now,
		history:        []string{string(StateInit)},
		latencies:      make(map[string]float64),
	}
}

// enter moves the context to state, closing out the previous state's
// latency and appending to the history. Panics on an illegal edge.
func (wc *WorkflowContext) enter(state State) (prev State) {
	prev = wc.State
	if !canTransition(prev, state) {
		panic("workflow: illegal transition " + string(prev) + " -> " + string(state))
	}
	now := time.Now()
	wc.latencies[string(prev)] += float64(now.Sub(wc.stateEnteredAt).Microseconds()) / 1000.0
	wc.State = state
	wc.stateEnteredAt = now
	wc.history = append(wc.history, string(state))
	return prev
}

// closeOut finalizes the latency of the current (terminal) state.
func (wc *WorkflowContext) closeOut() {
	wc.latencies[string(wc.State)] += float64(time.Since(wc.stateEnteredAt).Microseconds()) / 1000.0
}

// elapsedMs is the total wall-clock time since ingress.
func (wc *WorkflowContext) elapsedMs() float64 {
	return float64(time.Since(wc.startedAt).Microseconds()) / 1000.0
}

// result assembles the caller-facing terminal result.
func (wc *WorkflowContext) result(status types.Status, message string) *types.Result {
	wc.closeOut()
	res := &types.Result{
		Status:        status,
		Output:        wc.Output,
		Message:       message,
		Retries:       wc.Retries,
		FailureReason: wc.failureReason,
		CorrelationID: wc.Query.CorrelationID,
		StateHistory:  append([]string(nil), wc.history...),
		LatencyMs:     wc.elapsedMs(),
		StageLatencies: func() map[string]float64 {
			out := make(map[string]float64, len(wc.latencies))
			for k, v := range wc.latencies {
				out[k] = v
			}
			return out
		}(),
	}
	if wc.Classification != nil {
		res.Domain = wc.Classification.Domain
		res.Confidence = wc.Classification.Confidence
	}
	if status != types.StatusSuccess {
		res.Output = ""
	}
	return res
}
