package validation

import (
	"context"
	"fmt"
	"strings"
)

// MinOutputLength is the minimum useful response size in characters.
const MinOutputLength = 8

// errorMarkers are substrings that indicate the model emitted a failure
// narration instead of an answer.
var errorMarkers = []string{
	"internal error",
	"traceback (most recent call last)",
	"exception:",
	"i cannot process",
	"<error>",
}

// OutputStage validates the executed result: non-empty, long enough to be
// useful, free of error narration, and not leaking the domain's sensitive
// field values verbatim.
type OutputStage struct{}

// NewOutputStage creates the output validation stage.
func NewOutputStage() *OutputStage { return &OutputStage{} }

// Name returns "output".
func (s *OutputStage) Name() string { return "output" }

// Validate checks the generated output.
func (s *OutputStage) Validate(ctx context.Context, in *Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	out := strings.TrimSpace(in.Output)
	if out == "" {
		return fail(s.Name(), ReasonOutputEmpty, "execution produced no output"), nil
	}
	if len(out) < MinOutputLength {
		return fail(s.Name(), ReasonOutputTooShort, fmt.Sprintf("output is %d chars, minimum is %d", len(out), MinOutputLength)), nil
	}

	lower := strings.ToLower(out)
	for _, marker := range errorMarkers {
		if strings.Contains(lower, marker) {
			return fail(s.Name(), ReasonOutputErrorText, fmt.Sprintf("output contains error marker %q", marker)), nil
		}
	}

	// Sensitive context values supplied with the query must not appear
	// verbatim in the response.
	for _, field := range in.Domain.SensitiveFields {
		if val, ok := in.Query.Context[field]; ok && val != "" && strings.Contains(out, val) {
			return fail(s.Name(), ReasonOutputLeak, fmt.Sprintf("output echoes sensitive field %q", field)), nil
		}
	}

	return pass(s.Name()), nil
}
