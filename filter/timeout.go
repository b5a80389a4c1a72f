package filter

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fxsml/filterbus/pipe"
	"github.com/fxsml/filterbus/probe"
)

// ErrTimeout is returned by the timeout filter when its deadline expired
// while the remainder of the pipe was running.
var ErrTimeout = errors.New("filterbus timeout")

// Timeout bounds the remainder of the pipe with a per-invocation timeout.
// The timeout context is derived from the current context, so parent
// cancellation still applies.
type Timeout[C pipe.Context] struct {
	timeout  time.Duration
	timedOut atomic.Int64
}

// NewTimeout creates a timeout filter. A zero or negative duration
// disables the timeout.
func NewTimeout[C pipe.Context](d time.Duration) *Timeout[C] {
	return &Timeout[C]{timeout: d}
}

func (f *Timeout[C]) Send(c C, next pipe.Pipe[C]) error {
	if f.timeout <= 0 {
		return next.Send(c)
	}
	parent := c.Context()
	ctx, cancel := context.WithTimeout(parent, f.timeout)
	c.SetContext(ctx)
	defer func() {
		cancel()
		c.SetContext(parent)
	}()

	err := next.Send(c)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		f.timedOut.Add(1)
		return fmt.Errorf("%w after %s: %w", ErrTimeout, f.timeout, err)
	}
	return err
}

func (f *Timeout[C]) Probe(ctx probe.Context) {
	probe.FilterScope(ctx, "timeout").Set(map[string]any{
		"timeout":  f.timeout.String(),
		"timedOut": f.timedOut.Load(),
	})
}

// UseTimeout adds a timeout filter. d must be positive.
func UseTimeout[C pipe.Context](cfg *pipe.Configurator[C], d time.Duration) error {
	return cfg.AddSpecification(&pipe.FilterSpecification[C]{
		Filter: NewTimeout[C](d),
		Validator: func() []pipe.ValidationResult {
			if d <= 0 {
				return []pipe.ValidationResult{pipe.Failuref("timeout", "must be positive").WithValue(d)}
			}
			return nil
		},
	})
}
