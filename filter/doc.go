// Package filter provides generic filters usable in any pipe: counters,
// retry, panic recovery, timeouts, logging and throttling.
//
// Every filter has a Use<X> helper that adds it to a pipe configurator as
// a validated specification:
//
//	cfg := pipe.NewConfigurator[*bus.ConsumeContext]()
//	_ = filter.UseRecover(cfg)
//	_ = filter.UseRetry(cfg, filter.RetryConfig{
//		MaxAttempts: 5,
//		Backoff:     filter.ExponentialBackoff(100*time.Millisecond, 2, 5*time.Second, 0.2),
//	})
//
// Retry re-executes the remainder of the pipe and must therefore be
// configured before scope and outbox filters.
package filter
