package types

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory drives how the pipeline reacts to a failure.
type ErrorCategory string

const (
	// CategoryTransient errors are retried with backoff up to the cap.
	CategoryTransient ErrorCategory = "Transient"
	// CategoryTerminal errors route the event to the DLQ immediately.
	CategoryTerminal ErrorCategory = "Terminal"
	// CategorySchemaIncompatible is Terminal with a named column and reason.
	CategorySchemaIncompatible ErrorCategory = "SchemaIncompatible"
	// CategoryQuarantine latches a (destination, table) after failed DDL.
	CategoryQuarantine ErrorCategory = "Quarantine"
	// CategoryFatal halts the pipeline rather than risk an invariant.
	CategoryFatal ErrorCategory = "Fatal"
)

// CategorizedError attaches an ErrorCategory to an underlying error.
// Sinks return these; the retry wrapper and orchestrator dispatch on the
// category rather than on concrete error types.
type CategorizedError struct {
	Category ErrorCategory
	// Reason is a short machine-readable tag ("unsupported-type",
	// "key-drop", "ddl-failed", ...). Optional.
	Reason string
	Err    error
}

func (e *CategorizedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s(%s): %v", e.Category, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *CategorizedError) Unwrap() error { return e.Err }

// Transientf builds a retryable error.
func Transientf(format string, args ...any) error {
	return &CategorizedError{Category: CategoryTransient, Err: fmt.Errorf(format, args...)}
}

// Terminalf builds an error that goes straight to the DLQ.
func Terminalf(format string, args ...any) error {
	return &CategorizedError{Category: CategoryTerminal, Err: fmt.Errorf(format, args...)}
}

// SchemaIncompatiblef builds a terminal error naming the offending column.
func SchemaIncompatiblef(reason, column string, format string, args ...any) error {
	return &CategorizedError{
		Category: CategorySchemaIncompatible,
		Reason:   reason,
		Err:      fmt.Errorf("column %q: %s", column, fmt.Sprintf(format, args...)),
	}
}

// Quarantinef builds a quarantine latch error for a (destination, table).
func Quarantinef(format string, args ...any) error {
	return &CategorizedError{Category: CategoryQuarantine, Reason: "ddl-failed", Err: fmt.Errorf(format, args...)}
}

// Fatalf builds a pipeline-halting error.
func Fatalf(format string, args ...any) error {
	return &CategorizedError{Category: CategoryFatal, Err: fmt.Errorf(format, args...)}
}

// CategoryOf extracts the category from an error chain. Uncategorized
// errors default to Transient: unknown failures are retried up to the cap
// and only then converted to Terminal, never silently dropped.
func CategoryOf(err error) ErrorCategory {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Cancellation reflects the caller's context, not the failure
		// itself; the interrupted work is safe to retry on replay.
		return CategoryTransient
	}
	return classifyMessage(err)
}

// ReasonOf extracts the machine-readable reason tag, if any.
func ReasonOf(err error) string {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}

// IsTerminal reports whether the error should stop retrying. Both Terminal
// and SchemaIncompatible qualify.
func IsTerminal(err error) bool {
	switch CategoryOf(err) {
	case CategoryTerminal, CategorySchemaIncompatible, CategoryQuarantine, CategoryFatal:
		return true
	}
	return false
}

var transientFragments = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"broken pipe",
	"too many connections",
	"deadlock",
	"lock",
	"write conflict",
	"serialization failure",
	"temporarily unavailable",
	"network",
	"unreachable",
	"eof",
}

var terminalFragments = []string{
	"permission denied",
	"authentication failed",
	"password authentication",
	"syntax error",
	"violates",
	"constraint",
	"does not exist",
	"invalid input",
}

// classifyMessage tags a raw driver error by message content. Transient
// fragments are checked first so that "lock timeout" style messages retry.
func classifyMessage(err error) ErrorCategory {
	if err == nil {
		return CategoryTransient
	}
	msg := strings.ToLower(err.Error())
	for _, f := range transientFragments {
		if strings.Contains(msg, f) {
			return CategoryTransient
		}
	}
	for _, f := range terminalFragments {
		if strings.Contains(msg, f) {
			return CategoryTerminal
		}
	}
	return CategoryTransient
}
