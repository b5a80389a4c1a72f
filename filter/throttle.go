package filter

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/fxsml/filterbus/pipe"
	"github.com/fxsml/filterbus/probe"
)

// ConcurrencyLimit bounds the number of concurrent invocations of the
// remainder of the pipe. Waiting invocations give up when their context is
// done.
type ConcurrencyLimit[C pipe.Context] struct {
	limit    int64
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	rejected atomic.Int64
}

// NewConcurrencyLimit creates a concurrency limit filter.
func NewConcurrencyLimit[C pipe.Context](limit int64) *ConcurrencyLimit[C] {
	if limit <= 0 {
		limit = 1
	}
	return &ConcurrencyLimit[C]{
		limit: limit,
		sem:   semaphore.NewWeighted(limit),
	}
}

func (f *ConcurrencyLimit[C]) Send(c C, next pipe.Pipe[C]) error {
	if err := f.sem.Acquire(c.Context(), 1); err != nil {
		f.rejected.Add(1)
		return fmt.Errorf("concurrency limit: %w", err)
	}
	f.inFlight.Add(1)
	defer func() {
		f.inFlight.Add(-1)
		f.sem.Release(1)
	}()
	return next.Send(c)
}

func (f *ConcurrencyLimit[C]) Probe(ctx probe.Context) {
	probe.FilterScope(ctx, "concurrencyLimit").Set(map[string]any{
		"limit":    f.limit,
		"inFlight": f.inFlight.Load(),
		"rejected": f.rejected.Load(),
	})
}

// UseConcurrencyLimit adds a concurrency limit filter. limit must be
// positive.
func UseConcurrencyLimit[C pipe.Context](cfg *pipe.Configurator[C], limit int64) error {
	return cfg.AddSpecification(&pipe.FilterSpecification[C]{
		Filter: NewConcurrencyLimit[C](limit),
		Validator: func() []pipe.ValidationResult {
			if limit <= 0 {
				return []pipe.ValidationResult{pipe.Failuref("limit", "must be positive").WithValue(limit)}
			}
			return nil
		},
	})
}

// RateLimit admits invocations of the remainder of the pipe at a steady
// rate with bursts. Invocations over the rate wait for their reservation
// and give up when their context is done.
type RateLimit[C pipe.Context] struct {
	limiter *rate.Limiter
	waited  atomic.Int64
}

// NewRateLimit creates a rate limit filter admitting limit invocations per
// second with bursts of up to burst invocations.
func NewRateLimit[C pipe.Context](limit float64, burst int64) *RateLimit[C] {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimit[C]{limiter: rate.NewLimiter(rate.Limit(limit), int(burst))}
}

func (f *RateLimit[C]) Send(c C, next pipe.Pipe[C]) error {
	if err := f.wait(c.Context()); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return next.Send(c)
}

func (f *RateLimit[C]) wait(ctx context.Context) error {
	r := f.limiter.Reserve()
	if !r.OK() {
		<-ctx.Done()
		return ctx.Err()
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	f.waited.Add(1)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (f *RateLimit[C]) Probe(ctx probe.Context) {
	probe.FilterScope(ctx, "rateLimit").Set(map[string]any{
		"rate":   float64(f.limiter.Limit()),
		"burst":  f.limiter.Burst(),
		"waited": f.waited.Load(),
	})
}

// UseRateLimit adds a rate limit filter. limit and burst must be positive.
func UseRateLimit[C pipe.Context](cfg *pipe.Configurator[C], limit float64, burst int64) error {
	return cfg.AddSpecification(&pipe.FilterSpecification[C]{
		Filter: NewRateLimit[C](limit, burst),
		Validator: func() []pipe.ValidationResult {
			var results []pipe.ValidationResult
			if limit <= 0 {
				results = append(results, pipe.Failuref("rate", "must be positive").WithValue(limit))
			}
			if burst <= 0 {
				results = append(results, pipe.Failuref("burst", "must be positive").WithValue(burst))
			}
			return results
		},
	})
}
