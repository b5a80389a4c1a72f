// Package pipe provides the filter chain engine of filterbus.
//
// A [Pipe] is an ordered, immutable chain of [Filter] values built at
// configuration time and executed once per message operation. Each filter
// receives the operation's [Context] and a handle to the remainder of the
// chain:
//
//	type audit struct{}
//
//	func (audit) Send(c *bus.ConsumeContext, next pipe.Pipe[*bus.ConsumeContext]) error {
//		// before
//		err := next.Send(c)
//		// after
//		return err
//	}
//
// Not calling next ends the chain without an error. Calling next twice is a
// usage error reported as [*UsageError]; filters that legitimately re-run
// the remainder of the chain (retry) implement [Reentrant].
//
// # Configuration
//
// Pipes are assembled from [Specification] values registered on a
// [Configurator]. Build validates every specification, aggregates all
// failures into a single [*ConfigurationError], applies the specifications
// exactly once in registration order and freezes the result:
//
//	cfg := pipe.NewConfigurator[*bus.ConsumeContext]()
//	_ = filter.UseRetry(cfg, filter.RetryConfig{MaxAttempts: 3})
//	_ = scope.UseMessageScope(cfg, manager)
//	_ = outbox.UseInMemoryOutbox(cfg, outbox.Config{})
//	p, err := cfg.Build()
//
// Specifications may declare a [Role]; roles must appear in the order
// retry, scope, outbox. A violation is a configuration error.
//
// # Payloads
//
// Each context carries a [PayloadCache] keyed by Go type. Filters attach
// per-operation state there (the dependency scope, retry state) rather than
// in package level or goroutine local storage.
package pipe
