package pennant

import (
	"fmt"

	"github.com/OrlandoBitencourt/pennant/internal/domain"
)

// Error types that may be returned by Pennant operations.
type (
	ValidationError       = domain.ValidationError
	ParseError            = domain.ParseError
	SourceError           = domain.SourceError
	EvaluatorError        = domain.EvaluatorError
	AggregateRefreshError = domain.AggregateRefreshError
	CircuitOpenError      = domain.CircuitOpenError
)

// ErrDisposed is returned by operations that must report use after Close.
var ErrDisposed = domain.ErrDisposed

// ConfigError indicates invalid configuration.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error [%s]: %s", e.Field, e.Message)
}

// IsValidationError reports whether err is a blank key, blank source name
// or other contract violation.
func IsValidationError(err error) bool { return domain.IsValidationError(err) }

// IsParseError reports whether err came from malformed flag text.
func IsParseError(err error) bool { return domain.IsParseError(err) }

func IsSourceError(err error) bool { return domain.IsSourceError(err) }

func IsEvaluatorError(err error) bool { return domain.IsEvaluatorError(err) }

// IsAggregateRefreshError reports whether every source failed a refresh.
func IsAggregateRefreshError(err error) bool { return domain.IsAggregateRefreshError(err) }

func IsCircuitOpen(err error) bool { return domain.IsCircuitOpen(err) }
