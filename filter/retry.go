package filter

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/fxsml/filterbus/pipe"
	"github.com/fxsml/filterbus/probe"
)

var (
	// ErrRetry is wrapped by every error the retry filter returns.
	ErrRetry = errors.New("filterbus retry")

	// ErrRetryMaxAttempts means the last allowed attempt faulted.
	ErrRetryMaxAttempts = fmt.Errorf("%w: max attempts reached", ErrRetry)

	// ErrRetryTimeout means the overall retry budget expired.
	ErrRetryTimeout = fmt.Errorf("%w: timeout reached", ErrRetry)

	// ErrRetryNotRetryable means ShouldRetry rejected the fault.
	ErrRetryNotRetryable = fmt.Errorf("%w: not retryable", ErrRetry)
)

// BackoffFunc returns the pause before retry number attempt, starting at 1.
type BackoffFunc func(attempt int) time.Duration

// ConstantBackoff pauses delay before every retry. A jitter of 0.2 varies
// each pause by up to 20% in either direction.
func ConstantBackoff(delay time.Duration, jitter float64) BackoffFunc {
	spread := jitterer(jitter)
	return func(int) time.Duration {
		return spread(delay)
	}
}

// ExponentialBackoff pauses initialDelay before the first retry and
// multiplies the pause by factor for every further one. A positive maxDelay
// caps the pause before jitter is applied.
func ExponentialBackoff(initialDelay time.Duration, factor float64, maxDelay time.Duration, jitter float64) BackoffFunc {
	spread := jitterer(jitter)
	return func(attempt int) time.Duration {
		d := float64(initialDelay) * math.Pow(factor, float64(attempt-1))
		if maxDelay > 0 && d > float64(maxDelay) {
			d = float64(maxDelay)
		}
		return spread(time.Duration(d))
	}
}

func jitterer(jitter float64) func(time.Duration) time.Duration {
	jitter = min(max(jitter, 0), 1)
	if jitter == 0 {
		return func(d time.Duration) time.Duration { return d }
	}
	return func(d time.Duration) time.Duration {
		return time.Duration(float64(d) * (1 + jitter*(2*rand.Float64()-1)))
	}
}

// ShouldRetryFunc decides whether a fault is worth another attempt.
type ShouldRetryFunc func(error) bool

// ShouldRetry retries only faults matching one of errs. Without errs every
// fault is retried.
func ShouldRetry(errs ...error) ShouldRetryFunc {
	return func(err error) bool {
		return len(errs) == 0 || matchesAny(err, errs)
	}
}

// ShouldNotRetry retries every fault except those matching one of errs.
// Without errs nothing is retried.
func ShouldNotRetry(errs ...error) ShouldRetryFunc {
	return func(err error) bool {
		return len(errs) > 0 && !matchesAny(err, errs)
	}
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// RetryConfig configures the retry filter.
type RetryConfig struct {
	// ShouldRetry filters retryable faults. Default: everything except
	// misuse of next.
	ShouldRetry ShouldRetryFunc

	// Backoff paces the attempts. Default: 1s with 20% jitter.
	Backoff BackoffFunc

	// MaxAttempts counts the first attempt too. Default: 3. A negative
	// value retries until Timeout.
	MaxAttempts int

	// Timeout bounds all attempts together. Default: 1m.
	Timeout time.Duration
}

func (c RetryConfig) parse() RetryConfig {
	if c.ShouldRetry == nil {
		c.ShouldRetry = ShouldNotRetry(pipe.ErrNextCalledTwice, pipe.ErrNextConcurrent)
	}
	if c.Backoff == nil {
		c.Backoff = ConstantBackoff(time.Second, 0.2)
	}
	switch {
	case c.MaxAttempts == 0:
		c.MaxAttempts = 3
	case c.MaxAttempts < 0:
		c.MaxAttempts = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Minute
	}
	return c
}

func (c RetryConfig) validate() []pipe.ValidationResult {
	var results []pipe.ValidationResult
	if c.Timeout < 0 {
		results = append(results, pipe.Failuref("timeout", "must not be negative").WithValue(c.Timeout))
	}
	if c.MaxAttempts == 1 {
		results = append(results, pipe.Warningf("maxAttempts", "a single attempt never retries").WithValue(c.MaxAttempts))
	}
	return results
}

// RetryState is the progress of one retry filter invocation. Filters after
// the retry filter find it with RetryStateFrom.
type RetryState struct {
	Timeout     time.Duration
	MaxAttempts int
	Start       time.Time
	// Attempts counts attempts made so far, the running one included.
	Attempts int
	Duration time.Duration
	// Causes holds the fault of every failed attempt in order.
	Causes []error
	// Err is the retry outcome, e.g. ErrRetryMaxAttempts.
	Err error
}

// RetryStateFrom returns the state of the innermost running retry filter,
// or nil.
func RetryStateFrom(c pipe.Context) *RetryState {
	state, _ := pipe.TryGetPayload[*RetryState](c)
	return state
}

// RetryStateFromError returns the state carried by an error of the retry
// filter, or nil.
func RetryStateFromError(err error) *RetryState {
	var re *retryError
	if errors.As(err, &re) {
		return re.state
	}
	return nil
}

// retryError matches both the outcome and every cause with errors.Is.
type retryError struct {
	state *RetryState
}

func (e *retryError) Error() string {
	if n := len(e.state.Causes); n > 0 {
		return fmt.Sprintf("%s: %s", e.state.Err, e.state.Causes[n-1])
	}
	return e.state.Err.Error()
}

func (e *retryError) Unwrap() []error {
	return append([]error{e.state.Err}, e.state.Causes...)
}

func (s *RetryState) fail(outcome error) error {
	s.Duration = time.Since(s.Start)
	s.Err = outcome
	return &retryError{state: s}
}

// Retry runs the rest of the pipe again when it faults, pausing by Backoff
// between attempts, until an attempt succeeds, ShouldRetry rejects the
// fault, MaxAttempts is used up or Timeout expires. Scope and outbox
// filters after it start over on every attempt.
type Retry[C pipe.Context] struct {
	cfg RetryConfig

	attempts  atomic.Int64
	retries   atomic.Int64
	exhausted atomic.Int64
}

// NewRetry creates a retry filter.
func NewRetry[C pipe.Context](cfg RetryConfig) *Retry[C] {
	return &Retry[C]{cfg: cfg.parse()}
}

// Reentrant allows Retry to call next once per attempt.
func (f *Retry[C]) Reentrant() bool { return true }

func (f *Retry[C]) Send(c C, next pipe.Pipe[C]) error {
	state := &RetryState{
		Timeout:     f.cfg.Timeout,
		MaxAttempts: f.cfg.MaxAttempts,
		Start:       time.Now(),
	}

	// nested retry filters restore the outer state on return
	outer, nested := pipe.TryGetPayload[*RetryState](c)
	pipe.SetPayload(c, state)
	defer func() {
		if nested {
			pipe.SetPayload(c, outer)
		} else {
			pipe.RemovePayload[*RetryState](c)
		}
	}()

	for {
		state.Attempts++
		f.attempts.Add(1)
		err := next.Send(c)
		if err == nil {
			return nil
		}
		state.Duration = time.Since(state.Start)
		state.Causes = append(state.Causes, err)

		if !f.cfg.ShouldRetry(err) {
			return state.fail(ErrRetryNotRetryable)
		}
		if f.cfg.MaxAttempts > 0 && state.Attempts >= f.cfg.MaxAttempts {
			f.exhausted.Add(1)
			return state.fail(ErrRetryMaxAttempts)
		}
		if err := f.wait(c, state); err != nil {
			return state.fail(err)
		}
		f.retries.Add(1)
	}
}

// wait pauses before the next attempt. It returns ErrRetryTimeout when the
// budget runs out first and the context error when c is canceled.
func (f *Retry[C]) wait(c C, state *RetryState) error {
	remaining := f.cfg.Timeout - time.Since(state.Start)
	if remaining <= 0 {
		f.exhausted.Add(1)
		return ErrRetryTimeout
	}
	pause := f.cfg.Backoff(state.Attempts)
	if pause >= remaining {
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-c.Context().Done():
			return c.Context().Err()
		case <-timer.C:
			f.exhausted.Add(1)
			return ErrRetryTimeout
		}
	}
	timer := time.NewTimer(pause)
	defer timer.Stop()
	select {
	case <-c.Context().Done():
		return c.Context().Err()
	case <-timer.C:
		return nil
	}
}

func (f *Retry[C]) Probe(ctx probe.Context) {
	probe.FilterScope(ctx, "retry").Set(map[string]any{
		"maxAttempts": f.cfg.MaxAttempts,
		"timeout":     f.cfg.Timeout.String(),
		"attempts":    f.attempts.Load(),
		"retries":     f.retries.Load(),
		"exhausted":   f.exhausted.Load(),
	})
}

// UseRetry adds a retry filter. It must be configured before scope and
// outbox filters.
func UseRetry[C pipe.Context](cfg *pipe.Configurator[C], c RetryConfig) error {
	return cfg.AddSpecification(&pipe.FilterSpecification[C]{
		Filter:     NewRetry[C](c),
		FilterRole: pipe.RoleRetry,
		Validator:  c.validate,
	})
}
