package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDisposed is returned by operations that cannot run on a closed engine.
var ErrDisposed = errors.New("engine disposed")

// -----------------------------
// ValidationError
// -----------------------------

// ValidationError reports a contract violation at construction or call time
// (blank key, blank source, empty source list).
type ValidationError struct {
	Message string
	Cause   error
}

func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

func NewValidationErrorWithCause(message string, cause error) *ValidationError {
	return &ValidationError{
		Message: message,
		Cause:   cause,
	}
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// -----------------------------
// ParseError
// -----------------------------

// ParseError reports a structural or literal problem in flag definition text.
// Line is 1-based; zero means the position is unknown.
type ParseError struct {
	Line    int
	Message string
}

func NewParseError(line int, message string) *ParseError {
	return &ParseError{Line: line, Message: message}
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error at line %d: %s", e.Line, e.Message)
	}
	return fmt.Sprintf("parse error: %s", e.Message)
}

func IsParseError(err error) bool {
	var target *ParseError
	return errors.As(err, &target)
}

// -----------------------------
// SourceError
// -----------------------------

// SourceError wraps a failure raised by a source during Get, GetAll, Refresh or Close.
type SourceError struct {
	Source string
	Op     string
	Err    error
}

func NewSourceError(source, op string, err error) *SourceError {
	return &SourceError{Source: source, Op: op, Err: err}
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %s failed: %v", e.Source, e.Op, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

func IsSourceError(err error) bool {
	var target *SourceError
	return errors.As(err, &target)
}

// -----------------------------
// EvaluatorError
// -----------------------------

// EvaluatorError wraps a failure raised by a rule evaluator.
type EvaluatorError struct {
	FlagKey string
	Err     error
}

func NewEvaluatorError(flagKey string, err error) *EvaluatorError {
	return &EvaluatorError{FlagKey: flagKey, Err: err}
}

func (e *EvaluatorError) Error() string {
	return fmt.Sprintf("evaluator error on flag %s: %v", e.FlagKey, e.Err)
}

func (e *EvaluatorError) Unwrap() error {
	return e.Err
}

func IsEvaluatorError(err error) bool {
	var target *EvaluatorError
	return errors.As(err, &target)
}

// -----------------------------
// AggregateRefreshError
// -----------------------------

// AggregateRefreshError is returned by a refresh in which every source failed.
type AggregateRefreshError struct {
	Errors []error
}

func NewAggregateRefreshError(errs []error) *AggregateRefreshError {
	return &AggregateRefreshError{Errors: errs}
}

func (e *AggregateRefreshError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("all %d sources failed to refresh: %s", len(e.Errors), strings.Join(msgs, "; "))
}

func (e *AggregateRefreshError) Unwrap() []error {
	return e.Errors
}

func IsAggregateRefreshError(err error) bool {
	var target *AggregateRefreshError
	return errors.As(err, &target)
}

// -----------------------------
// CircuitOpenError
// -----------------------------

// CircuitOpenError reports a refresh skipped because the source's breaker is open.
type CircuitOpenError struct {
	Source string
}

func NewCircuitOpenError(source string) *CircuitOpenError {
	return &CircuitOpenError{Source: source}
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open: refresh of source %s skipped", e.Source)
}

func IsCircuitOpen(err error) bool {
	var target *CircuitOpenError
	return errors.As(err, &target)
}
