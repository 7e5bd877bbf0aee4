package pipeline

import (
	"fmt"
	"strings"

	"github.com/avatarforge/api/internal/invoker"
)

// ValidationError is a malformed request, rejected before any network call
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Failure is one failed variant or fallback link
type Failure struct {
	Label string // style tag, or model id in send mode
	Err   error
}

// AggregateFailure means nothing in the run succeeded
type AggregateFailure struct {
	Kind     string
	Failures []Failure
}

func (e *AggregateFailure) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Label, f.Err))
	}
	return fmt.Sprintf("%s run produced nothing (%d failed): %s", e.Kind, len(e.Failures), strings.Join(parts, "; "))
}

func (e *AggregateFailure) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Terminal reports whether every failure was a terminal provider error
func (e *AggregateFailure) Terminal() bool {
	if len(e.Failures) == 0 {
		return false
	}
	for _, f := range e.Failures {
		if !invoker.IsTerminal(f.Err) {
			return false
		}
	}
	return true
}
