package pipe

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAlreadyBuilt is returned when a configurator is modified or built
	// after Build has succeeded.
	ErrAlreadyBuilt = errors.New("pipe: already built")

	// ErrConfiguration is wrapped by every *ConfigurationError.
	ErrConfiguration = errors.New("pipe: invalid configuration")

	// ErrNextCalledTwice is wrapped by a *UsageError when a filter calls
	// next more than once for the same invocation.
	ErrNextCalledTwice = errors.New("pipe: next called more than once")

	// ErrNextConcurrent is wrapped by a *UsageError when a reentrant filter
	// calls next while a previous call is still running.
	ErrNextConcurrent = errors.New("pipe: next called concurrently")
)

// UsageError reports a filter that violated the filter contract.
type UsageError struct {
	Filter string
	Err    error
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("pipe: usage error in filter %s: %v", e.Filter, e.Err)
}

func (e *UsageError) Unwrap() error {
	return e.Err
}

// ConfigurationError aggregates every validation failure of a configuration.
type ConfigurationError struct {
	Results []ValidationResult
}

// NewConfigurationError returns a *ConfigurationError holding results when
// any of them is a failure, otherwise nil.
func NewConfigurationError(results []ValidationResult) error {
	if !Failed(results) {
		return nil
	}
	return &ConfigurationError{Results: results}
}

func (e *ConfigurationError) Error() string {
	failures := e.Failures()
	parts := make([]string, 0, len(failures))
	for _, r := range failures {
		parts = append(parts, r.String())
	}
	return fmt.Sprintf("%v: %s", ErrConfiguration, strings.Join(parts, "; "))
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// Failures returns only the failing results.
func (e *ConfigurationError) Failures() []ValidationResult {
	var out []ValidationResult
	for _, r := range e.Results {
		if r.Disposition == Failure {
			out = append(out, r)
		}
	}
	return out
}
