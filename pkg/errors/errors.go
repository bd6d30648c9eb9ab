// Package errors defines the gateway error taxonomy. Every failure that reaches
// an HTTP caller is one of these kinds.
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

type Kind int

const (
	// Unreachable: upstream could not be contacted (dial, DNS, timeout).
	Unreachable Kind = iota
	// UpstreamBusy: upstream itself reported a slice already running.
	UpstreamBusy
	// Conflict: the local slot is occupied.
	Conflict
	// UpstreamError: upstream answered with a non-2xx or broke its contract.
	UpstreamError
	// RelocationFailed: the slice succeeded but the artifact could not be moved.
	RelocationFailed
	// ConfigurationFatal: startup configuration is unusable.
	ConfigurationFatal
	InvalidRequest
	Internal
)

func (k Kind) String() string {
	switch k {
	case Unreachable:
		return "Unreachable"
	case UpstreamBusy:
		return "UpstreamBusy"
	case Conflict:
		return "Conflict"
	case UpstreamError:
		return "UpstreamError"
	case RelocationFailed:
		return "RelocationFailed"
	case ConfigurationFatal:
		return "ConfigurationFatal"
	case InvalidRequest:
		return "InvalidRequest"
	default:
		return "Internal"
	}
}

type Error struct {
	Kind    Kind
	Message string
	Context map[string]any

	// UpstreamStatus and UpstreamBody are set for pass-through upstream failures.
	UpstreamStatus int
	UpstreamBody   []byte

	Cause error
}

func New(kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Context: make(map[string]any),
	}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.Cause = cause
	return e
}

// FromUpstream builds an UpstreamError that carries the upstream response.
func FromUpstream(status int, body []byte, message string) *Error {
	e := New(UpstreamError, message)
	e.UpstreamStatus = status
	e.UpstreamBody = body
	return e
}

func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Kind, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ctxParts := make([]string, 0, len(keys))
		for _, k := range keys {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(ctxParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var gwErr *Error
	if stderrors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}

// KindOf reports the kind of err, Internal when err is not a gateway error.
func KindOf(err error) Kind {
	if gwErr, ok := As(err); ok {
		return gwErr.Kind
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
