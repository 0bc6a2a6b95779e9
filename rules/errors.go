package rules

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a rule set id or version is unknown, or the
	// rule set is not ACTIVE where execution requires it
	ErrNotFound = errors.New("rule set not found")

	// ErrContentMissing is returned when the registry knows a rule set but its
	// content has expired or been removed from the content store
	ErrContentMissing = errors.New("rule set content missing")

	// ErrExecution wraps every runtime fault raised while firing rules
	ErrExecution = errors.New("rule execution failed")

	// ErrCompilation is returned by operations that need a compiled rule set
	// and received invalid content
	ErrCompilation = errors.New("rule set compilation failed")

	// ErrDeleted is returned when mutating a rule set in the terminal DELETED state
	ErrDeleted = errors.New("rule set is deleted")

	// ErrAmbiguousVersion is returned when undeploy matches several rule sets
	ErrAmbiguousVersion = errors.New("version matches more than one rule set")

	// ErrVersionRegression is returned when update would lower the version
	ErrVersionRegression = errors.New("version must not decrease")

	// ErrInvalidVersion is returned for an empty version string
	ErrInvalidVersion = errors.New("invalid version")

	// ErrInvalidStatus is returned for status transitions that are not allowed
	ErrInvalidStatus = errors.New("invalid status transition")

	// ErrSessionDisposed is returned when a disposed session is used
	ErrSessionDisposed = errors.New("session disposed")
)

// ExecutionError describes a runtime fault within one rule of a rule set
type ExecutionError struct {
	RuleSetID string
	Rule      string
	Err       error
}

func (e *ExecutionError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("rule set %s: rule %s: %v", e.RuleSetID, e.Rule, e.Err)
	}
	return fmt.Sprintf("rule set %s: %v", e.RuleSetID, e.Err)
}

// Unwrap exposes the underlying cause
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is makes every ExecutionError match ErrExecution
func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecution
}

// CompilationError carries the diagnostics of content that failed to compile
type CompilationError struct {
	RuleSetID   string
	Diagnostics []Diagnostic
}

func (e *CompilationError) Error() string {
	if len(e.Diagnostics) == 0 {
		return fmt.Sprintf("rule set %s: compilation failed", e.RuleSetID)
	}
	first := e.Diagnostics[0]
	return fmt.Sprintf("rule set %s: compilation failed: %s: %s (%d diagnostics)",
		e.RuleSetID, first.Code, first.Message, len(e.Diagnostics))
}

// Is makes every CompilationError match ErrCompilation
func (e *CompilationError) Is(target error) bool {
	return target == ErrCompilation
}

func notFound(id string) error {
	return fmt.Errorf("rule set %s: %w", id, ErrNotFound)
}
