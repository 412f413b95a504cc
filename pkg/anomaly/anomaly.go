// Package anomaly is the error vocabulary shared by every Grain component.
// An Anomaly pairs a category describing retryability and blame with a
// human-readable message; components return it in place of a success value
// and callers either propagate it unchanged or map it at a boundary.
package anomaly

import (
	"errors"
	"fmt"
)

// Category classifies an anomaly.
type Category string

const (
	// Incorrect means the caller's input was invalid. Not retryable.
	Incorrect Category = "incorrect"

	// NotFound means the named thing does not exist.
	NotFound Category = "not-found"

	// Forbidden means the caller is not allowed to do this.
	Forbidden Category = "forbidden"

	// Conflict means the request lost a race or violated an invariant.
	Conflict Category = "conflict"

	// Fault means the system itself failed. Blame the callee.
	Fault Category = "fault"

	// Unavailable means a required collaborator could not be reached.
	Unavailable Category = "unavailable"

	// Busy means the system is saturated; retry with backoff.
	Busy Category = "busy"

	// Interrupted means the operation was cancelled before completion.
	Interrupted Category = "interrupted"
)

// Anomaly is a structured error value. The zero value is not useful;
// construct via New or the helpers below.
type Anomaly struct {
	Category Category
	Message  string

	// Explain carries machine-readable detail for Incorrect anomalies,
	// typically a validation explain map.
	Explain any

	// Extra holds application-specific key/values.
	Extra map[string]any
}

// New creates an anomaly with the given category and message.
func New(category Category, message string) *Anomaly {
	return &Anomaly{Category: category, Message: message}
}

// Newf creates an anomaly with a formatted message.
func Newf(category Category, format string, args ...any) *Anomaly {
	return &Anomaly{Category: category, Message: fmt.Sprintf(format, args...)}
}

// WithExplain attaches machine-readable detail and returns the anomaly.
func (a *Anomaly) WithExplain(explain any) *Anomaly {
	a.Explain = explain
	return a
}

// WithExtra attaches an application-specific key/value and returns the anomaly.
func (a *Anomaly) WithExtra(key string, value any) *Anomaly {
	if a.Extra == nil {
		a.Extra = make(map[string]any)
	}
	a.Extra[key] = value
	return a
}

// Error implements error.
func (a *Anomaly) Error() string {
	return fmt.Sprintf("%s: %s", a.Category, a.Message)
}

// Is reports category equality, so errors.Is(err, &Anomaly{Category: Fault})
// matches any fault.
func (a *Anomaly) Is(target error) bool {
	var other *Anomaly
	if !errors.As(target, &other) {
		return false
	}
	return other.Message == "" && other.Category == a.Category
}

// FromError converts an error into an anomaly. An error that already is (or
// wraps) an Anomaly is returned as-is; anything else becomes a fault.
func FromError(err error) *Anomaly {
	if err == nil {
		return nil
	}
	var a *Anomaly
	if errors.As(err, &a) {
		return a
	}
	return &Anomaly{Category: Fault, Message: err.Error()}
}

// CategoryOf returns the category of err, or "" when err is not an anomaly.
func CategoryOf(err error) Category {
	var a *Anomaly
	if errors.As(err, &a) {
		return a.Category
	}
	return ""
}
