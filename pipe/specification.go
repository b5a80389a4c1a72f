package pipe

import (
	"fmt"
)

// Disposition classifies a validation result.
type Disposition int

const (
	Success Disposition = iota
	Warning
	Failure
)

func (d Disposition) String() string {
	switch d {
	case Success:
		return "success"
	case Warning:
		return "warning"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// ValidationResult is a single finding produced while validating a
// specification.
type ValidationResult struct {
	Disposition Disposition
	Key         string
	Value       string
	Message     string
}

// Failuref creates a failing result.
func Failuref(key, format string, args ...any) ValidationResult {
	return ValidationResult{Disposition: Failure, Key: key, Message: fmt.Sprintf(format, args...)}
}

// Warningf creates a warning result.
func Warningf(key, format string, args ...any) ValidationResult {
	return ValidationResult{Disposition: Warning, Key: key, Message: fmt.Sprintf(format, args...)}
}

// WithValue returns a copy of r carrying value.
func (r ValidationResult) WithValue(value any) ValidationResult {
	r.Value = fmt.Sprint(value)
	return r
}

// WithPrefix returns a copy of r with prefix prepended to its key.
func (r ValidationResult) WithPrefix(prefix string) ValidationResult {
	switch {
	case prefix == "":
	case r.Key == "":
		r.Key = prefix
	default:
		r.Key = prefix + "." + r.Key
	}
	return r
}

func (r ValidationResult) String() string {
	s := fmt.Sprintf("[%s] %s: %s", r.Disposition, r.Key, r.Message)
	if r.Value != "" {
		s += fmt.Sprintf(" (%s)", r.Value)
	}
	return s
}

// Failed reports whether any result is a failure.
func Failed(results []ValidationResult) bool {
	for _, r := range results {
		if r.Disposition == Failure {
			return true
		}
	}
	return false
}

// PrefixResults prefixes the key of every result.
func PrefixResults(prefix string, results []ValidationResult) []ValidationResult {
	out := make([]ValidationResult, len(results))
	for i, r := range results {
		out[i] = r.WithPrefix(prefix)
	}
	return out
}

// Builder receives the filters contributed by specifications.
type Builder[C Context] interface {
	AddFilter(f Filter[C])
}

// Specification is a declarative recipe that contributes zero or more
// filters to a pipe. Validate must not have side effects. Apply is called
// once, in registration order, only after every specification of the pipe
// validated without failures.
type Specification[C Context] interface {
	Validate() []ValidationResult
	Apply(b Builder[C])
}

// Role marks specifications whose relative order is constrained.
type Role int

const (
	RoleNone Role = iota
	RoleRetry
	RoleScope
	RoleOutbox
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleRetry:
		return "retry"
	case RoleScope:
		return "scope"
	case RoleOutbox:
		return "outbox"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Ordered is implemented by specifications that have a Role.
type Ordered interface {
	Role() Role
}

// ValidateOrder checks that roles appear in the order retry, scope, outbox.
// A retry registered after a scope would reuse the scope across attempts; a
// scope registered after an outbox would be disposed before the outbox
// flushes.
func ValidateOrder(roles []Role) []ValidationResult {
	var results []ValidationResult
	highest, highestAt := RoleNone, -1
	for i, r := range roles {
		if r == RoleNone {
			continue
		}
		if r < highest {
			results = append(results, Failuref("order",
				"%s must be configured before %s", r, highest).
				WithValue(fmt.Sprintf("%s at %d, %s at %d", highest, highestAt, r, i)))
			continue
		}
		highest, highestAt = r, i
	}
	return results
}

// FilterSpecification contributes a single filter.
type FilterSpecification[C Context] struct {
	Filter     Filter[C]
	FilterRole Role
	Validator  func() []ValidationResult
}

// Validate fails when no filter is set and runs the optional validator.
func (s *FilterSpecification[C]) Validate() []ValidationResult {
	if s.Filter == nil {
		return []ValidationResult{Failuref("filter", "must not be nil")}
	}
	if s.Validator != nil {
		return s.Validator()
	}
	return nil
}

// Apply adds the filter.
func (s *FilterSpecification[C]) Apply(b Builder[C]) {
	b.AddFilter(s.Filter)
}

// Role returns the declared role.
func (s *FilterSpecification[C]) Role() Role {
	return s.FilterRole
}
