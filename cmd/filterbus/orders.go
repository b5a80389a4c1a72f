package main

import (
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"

	"github.com/fxsml/filterbus/bus"
	"github.com/fxsml/filterbus/config"
	"github.com/fxsml/filterbus/filter"
	"github.com/fxsml/filterbus/message"
	"github.com/fxsml/filterbus/middleware"
	"github.com/fxsml/filterbus/outbox"
	"github.com/fxsml/filterbus/scope"
	"github.com/fxsml/filterbus/transport"
)

// SubmitOrder asks for an order to be accepted.
type SubmitOrder struct {
	ID     string  `json:"id"`
	Amount float64 `json:"amount"`
}

// OrderSubmitted is published once an order was accepted.
type OrderSubmitted struct {
	ID     string  `json:"id"`
	Amount float64 `json:"amount"`
}

const submitOrderSchema = `{
	"type": "object",
	"required": ["id", "amount"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"amount": {"type": "number", "exclusiveMinimum": 0}
	}
}`

var messageTypes = []string{
	message.TypeFor(reflect.TypeFor[SubmitOrder](), message.KebabNaming).Name(),
	message.TypeFor(reflect.TypeFor[OrderSubmitted](), message.KebabNaming).Name(),
}

// ledger records the orders accepted within one scope.
type ledger struct {
	logger *slog.Logger

	mu     sync.Mutex
	orders []string
}

func (l *ledger) record(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders = append(l.orders, id)
}

func (l *ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Debug("FILTERBUS: Ledger closed", slog.Any("orders", l.orders))
	return nil
}

type submitOrderHandler struct {
	ledger *ledger
}

func (h *submitOrderHandler) Handle(c *bus.ConsumeContext, msg SubmitOrder) error {
	h.ledger.record(msg.ID)
	return c.Publish(OrderSubmitted(msg))
}

func newContainer(logger *slog.Logger) *scope.Container {
	c := scope.NewContainer()
	scope.RegisterInstance(c, logger)
	scope.Register(c, scope.Scoped, func(s scope.Scope) (*ledger, error) {
		logger, err := scope.Resolve[*slog.Logger](s)
		if err != nil {
			return nil, err
		}
		return &ledger{logger: logger}, nil
	})
	scope.Register(c, scope.Transient, func(s scope.Scope) (*submitOrderHandler, error) {
		l, err := scope.Resolve[*ledger](s)
		if err != nil {
			return nil, err
		}
		return &submitOrderHandler{ledger: l}, nil
	})
	return c
}

// orders is the order processing bus of the CLI.
type orders struct {
	bus      *bus.Bus
	schemas  *middleware.SchemaRegistry
	manager  *scope.Manager
	accepted *filter.Counter[*bus.PublishContext]

	// submitEndpoints consume SubmitOrder.
	submitEndpoints []string
}

// newOrders builds the bus described by cfg on tr.
func newOrders(cfg *config.Config, tr transport.Transport, logger *slog.Logger) (*orders, error) {
	o := &orders{
		schemas: middleware.NewSchemaRegistry(middleware.SchemaConfig{}),
		manager: scope.NewManager(newContainer(logger), scope.ManagerConfig{Logger: logger}),
	}
	if err := o.schemas.RegisterType(SubmitOrder{}, submitOrderSchema); err != nil {
		return nil, err
	}

	endpoints := cfg.Endpoints
	if len(endpoints) == 0 {
		endpoints = []config.Endpoint{{Name: "orders"}}
	}

	b, err := bus.New(bus.Config{
		Name:        cfg.Bus.Name,
		Source:      cfg.Bus.Source,
		Naming:      message.KebabNaming,
		Transport:   tr,
		Concurrency: cfg.Bus.Concurrency,
		Logger:      logger,
	}, func(c *bus.Configurator) error {
		if err := o.configureConsume(c, cfg, logger); err != nil {
			return err
		}
		accepted, err := filter.UseCounter(c.PublishPipe())
		if err != nil {
			return err
		}
		o.accepted = accepted
		if err := middleware.UseCorrelationID(c.SendPipe()); err != nil {
			return err
		}
		c.ConnectMessageObserver(middleware.NewSchemaObserver(o.schemas))

		for _, ep := range endpoints {
			if err := c.ReceiveEndpoint(ep.Name, func(e *bus.EndpointConfigurator) error {
				return o.configureEndpoint(e, cfg, ep, logger)
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.bus = b
	return o, nil
}

func (o *orders) configureConsume(c *bus.Configurator, cfg *config.Config, logger *slog.Logger) error {
	p := c.ConsumePipe()
	if err := filter.UseRecover(p); err != nil {
		return err
	}
	if err := filter.UseLog(p, filter.LogConfig{
		Logger:         logger,
		LevelSuccess:   filter.LogLevelDebug,
		MessageSuccess: "FILTERBUS: Message consumed",
		MessageFailure: "FILTERBUS: Message consume failed",
	}); err != nil {
		return err
	}
	if cfg.Consume.Timeout > 0 {
		if err := filter.UseTimeout(p, cfg.Consume.Timeout); err != nil {
			return err
		}
	}
	if cfg.Consume.ConcurrencyLimit > 0 {
		if err := filter.UseConcurrencyLimit(p, int64(cfg.Consume.ConcurrencyLimit)); err != nil {
			return err
		}
	}
	if err := middleware.UseDeadline(p, middleware.DeadlineConfig{}); err != nil {
		return err
	}
	if len(cfg.Consume.RequiredHeaders) > 0 {
		if err := middleware.UseValidateRequired(p, cfg.Consume.RequiredHeaders...); err != nil {
			return err
		}
	}
	if err := middleware.UseCorrelationID(p); err != nil {
		return err
	}
	if cfg.RetryEnabled() {
		if err := filter.UseRetry(p, cfg.RetryConfig()); err != nil {
			return err
		}
	}
	return nil
}

func (o *orders) configureEndpoint(e *bus.EndpointConfigurator, cfg *config.Config, ep config.Endpoint, logger *slog.Logger) error {
	if ep.Concurrency > 0 {
		e.SetConcurrency(ep.Concurrency)
	}
	if cfg.Consume.Scope {
		if err := scope.UseMessageScope(e.Configurator, o.manager); err != nil {
			return err
		}
	}
	if cfg.Consume.Outbox {
		if err := outbox.UseInMemoryOutbox(e.Configurator, outbox.Config{Logger: logger}); err != nil {
			return err
		}
	}

	handles := func(name string) bool {
		return len(ep.Messages) == 0 || slices.Contains(ep.Messages, name)
	}
	for _, name := range ep.Messages {
		if !slices.Contains(messageTypes, name) {
			return fmt.Errorf("endpoint %s: unknown message type %q", ep.Name, name)
		}
	}

	if handles(messageTypes[0]) {
		o.submitEndpoints = append(o.submitEndpoints, ep.Name)
		bus.HandleScoped[SubmitOrder, *submitOrderHandler](e, o.manager)
	}
	if handles(messageTypes[1]) {
		bus.Handle(e, func(c *bus.ConsumeContext, msg OrderSubmitted) error {
			logger.Info("FILTERBUS: Order submitted",
				slog.String("endpoint", c.EndpointName),
				slog.String("order", msg.ID),
				slog.Float64("amount", msg.Amount))
			return nil
		})
	}
	return nil
}
