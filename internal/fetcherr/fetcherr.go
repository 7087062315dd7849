// Package fetcherr classifies provider fetch failures.
//
// The classification decides retry behavior: only KindTransient is retried;
// everything else is terminal for the adapter that raised it, and the
// manager moves on to the next capable provider.
package fetcherr

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	// KindAuth: credential missing or rejected. A configuration problem.
	KindAuth Kind = "auth"
	// KindValidation: malformed request parameters. A caller problem.
	KindValidation Kind = "validation"
	// KindTransient: timeout, connection reset, rate limited, 5xx.
	KindTransient Kind = "transient"
	// KindSchema: the provider response did not match the expected shape.
	KindSchema Kind = "upstream_schema"
)

// Error is a classified provider failure.
type Error struct {
	Kind     Kind
	Provider string
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Provider, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, provider, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: provider, Msg: fmt.Sprintf(format, args...)}
}

func Auth(provider, format string, args ...any) *Error {
	return New(KindAuth, provider, format, args...)
}

func Validation(provider, format string, args ...any) *Error {
	return New(KindValidation, provider, format, args...)
}

func Transient(provider string, err error, format string, args ...any) *Error {
	return &Error{Kind: KindTransient, Provider: provider, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Schema(provider, format string, args ...any) *Error {
	return New(KindSchema, provider, format, args...)
}

// KindOf extracts the classification, or "" for unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsTransient reports whether err should be retried.
// Unclassified errors are treated as transient: network-level failures
// (connection reset, DNS) arrive unwrapped from the HTTP client.
func IsTransient(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == KindTransient
	}
	return err != nil
}

// Exhausted tags the last transient failure once the retry budget is spent.
type Exhausted struct {
	Attempts int
	Err      error
}

func (e *Exhausted) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *Exhausted) Unwrap() error { return e.Err }

// IsExhausted reports whether err is a RetriesExhausted failure.
func IsExhausted(err error) bool {
	var ex *Exhausted
	return errors.As(err, &ex)
}

// Candidate records one provider's terminal failure during failover.
type Candidate struct {
	Provider string
	Err      error
}

// AllFailed aggregates every candidate's terminal error when no provider
// could serve a request.
type AllFailed struct {
	Candidates []Candidate
}

func (e *AllFailed) Error() string {
	parts := make([]string, 0, len(e.Candidates))
	for _, c := range e.Candidates {
		parts = append(parts, fmt.Sprintf("%s: %v", c.Provider, c.Err))
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

func (e *AllFailed) Unwrap() []error {
	errs := make([]error, len(e.Candidates))
	for i, c := range e.Candidates {
		errs[i] = c.Err
	}
	return errs
}
