// Package workflow implements the state machine that drives one request
// from ingress to a terminal result. The engine sequences the router, the
// resource cache, retrieval fusion, planning, execution, and the validation
// pipeline, and owns all transition, retry, and escalation logic.
package workflow

// State is one node of the workflow state machine.
type State string

const (
	StateInit              State = "init"
	StateClassify          State = "classify"
	StateConfidenceCheck   State = "confidence_check"
	StateEscalate          State = "escalate"
	StateLoadDomain        State = "load_domain"
	StateRetrieveContext   State = "retrieve_context"
	StatePlan              State = "plan"
	StateValidateSchema    State = "validate_schema"
	StateValidateRules     State = "validate_rules"
	StateValidateReasoning State = "validate_reasoning"
	StateExecute           State = "execute"
	StateValidateOutput    State = "validate_output"
	StateRetry             State = "retry"
	StateLog               State = "log"
	StateUnload            State = "unload"
	StateReturn            State = "return"
	StateFailed            State = "failed"
)

// Terminal reports whether s is an absorbing state.
func (s State) Terminal() bool {
	return s == StateReturn || s == StateEscalate || s == StateFailed
}

// transitions is the legal edge set of the state machine. The engine
// consults it on every transition; an illegal edge is a programming error
// and panics rather than silently corrupting a request's history.
var transitions = map[State][]State{
	StateInit:              {StateClassify},
	StateClassify:          {StateConfidenceCheck, StateFailed},
	StateConfidenceCheck:   {StateEscalate, StateLoadDomain, StateFailed},
	StateLoadDomain:        {StateRetrieveContext, StateUnload, StateFailed},
	StateRetrieveContext:   {StatePlan, StateUnload},
	StatePlan:              {StateValidateSchema, StateUnload},
	StateValidateSchema:    {StateValidateRules, StateUnload},
	StateValidateRules:     {StateValidateReasoning, StateExecute, StateUnload},
	StateValidateReasoning: {StateExecute, StateUnload},
	StateExecute:           {StateValidateOutput, StateUnload},
	StateValidateOutput:    {StateRetry, StateLog, StateUnload},
	StateRetry:             {StatePlan},
	StateLog:               {StateUnload},
	StateUnload:            {StateReturn, StateFailed},
	StateEscalate:          {},
	StateReturn:            {},
	StateFailed:            {},
}

// canTransition reports whether from -> to is a legal edge.
func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
