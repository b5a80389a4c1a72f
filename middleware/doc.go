// Package middleware provides message-aware filters.
//
// The filters in this package read or stamp message headers and can be
// used on any pipe whose context implements [MessageContext]: consume,
// send and publish pipes of a bus.
//
//	bus.New(cfg, func(c *bus.Configurator) error {
//	    _ = middleware.UseDeadline(c.ConsumePipe(), middleware.DeadlineConfig{})
//	    _ = middleware.UseCorrelationID(c.SendPipe())
//	    c.ConnectMessageObserver(middleware.NewSchemaObserver(registry))
//	    ...
//	})
//
// [SchemaRegistry] validates payloads against JSON Schema documents. The
// observer returned by [NewSchemaObserver] adds a validation filter to the
// message pipe of every type that has a registered schema.
package middleware
