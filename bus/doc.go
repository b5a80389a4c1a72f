// Package bus runs filterbus pipes for consume, send, publish, execute and
// compensate operations.
//
// A bus is configured once. Every Use<X>Filter call adds a specification
// to the pipe of that operation kind; receive endpoints add their own
// consume pipe and one pipe per handled message type:
//
//	b, err := bus.New(bus.Config{Transport: t}, func(c *bus.Configurator) error {
//		if err := filter.UseRetry(c.ConsumePipe(), filter.RetryConfig{MaxAttempts: 3}); err != nil {
//			return err
//		}
//		return c.ReceiveEndpoint("orders", func(e *bus.EndpointConfigurator) error {
//			if err := scope.UseMessageScope(e.Configurator, manager); err != nil {
//				return err
//			}
//			if err := outbox.UseInMemoryOutbox(e.Configurator, outbox.Config{}); err != nil {
//				return err
//			}
//			bus.Handle(e, func(c *bus.ConsumeContext, cmd SubmitOrder) error {
//				return c.Publish(OrderSubmitted{ID: cmd.ID})
//			})
//			return nil
//		})
//	})
//
// A consumed message runs through the bus-wide consume pipe, the endpoint
// pipe, and the pipe of its message type, ending in the handler. Role
// order (retry, scope, outbox) is validated across these segments.
//
// # Configuration observers
//
// [MessageConfigurationObserver] values are notified once per endpoint and
// message type, at configuration time, and may add type-specialized
// filters. Observers connected after types were configured are replayed.
//
// # Activities
//
// Activities registered with [RegisterActivity] run through the execute
// and compensate pipes. [Bus.RunItinerary] executes a sequence of steps and
// compensates completed steps in reverse order when one faults.
package bus
