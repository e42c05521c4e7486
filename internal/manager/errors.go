package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrDeadlineExceeded is returned when the configured overall deadline for
// a request passes before any provider succeeds.
var ErrDeadlineExceeded = fmt.Errorf("overall request deadline exceeded: %w", context.DeadlineExceeded)

// ProviderFailure explains why one provider did not serve a request.
type ProviderFailure struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
	Err      error  `json:"-"`
}

// AllProvidersExhaustedError lists every provider considered for a request,
// in the order they were considered.
type AllProvidersExhaustedError struct {
	Failures []ProviderFailure
}

func (e *AllProvidersExhaustedError) add(id string, err error) {
	e.Failures = append(e.Failures, ProviderFailure{Provider: id, Reason: err.Error(), Err: err})
}

func (e *AllProvidersExhaustedError) skip(id, reason string) {
	e.Failures = append(e.Failures, ProviderFailure{Provider: id, Reason: reason})
}

func (e *AllProvidersExhaustedError) Error() string {
	if len(e.Failures) == 0 {
		return "all providers exhausted: no providers configured"
	}
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Provider + ": " + f.Reason
	}
	return "all providers exhausted: " + strings.Join(parts, "; ")
}

func (e *AllProvidersExhaustedError) Unwrap() []error {
	var errs []error
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// IsExhausted reports whether err is an AllProvidersExhaustedError.
func IsExhausted(err error) bool {
	var e *AllProvidersExhaustedError
	return errors.As(err, &e)
}
