package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fxsml/filterbus/bus"
	"github.com/fxsml/filterbus/message"
	"github.com/fxsml/filterbus/pipe"
	"github.com/fxsml/filterbus/probe"
)

type submitOrder struct {
	ID    string `json:"id"`
	Total int    `json:"total"`
}

type cancelOrder struct {
	ID string `json:"id"`
}

const submitOrderSchema = `{
	"type": "object",
	"properties": {
		"id":    { "type": "string", "minLength": 1 },
		"total": { "type": "integer", "minimum": 1 }
	},
	"required": ["id", "total"]
}`

func consumeContext(headers message.Headers) *bus.ConsumeContext {
	msg := message.New[any](submitOrder{ID: "o-1", Total: 1}, headers)
	return bus.NewConsumeContext(context.Background(), "orders", msg, message.TypeOf[submitOrder](), nil)
}

func terminal(called *bool) pipe.Filter[*bus.ConsumeContext] {
	return pipe.Inline("terminal", func(c *bus.ConsumeContext, next pipe.Pipe[*bus.ConsumeContext]) error {
		*called = true
		return next.Send(c)
	})
}

func TestDeadline(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cfg := DeadlineConfig{Now: func() time.Time { return now }}

	t.Run("expired", func(t *testing.T) {
		var called bool
		f := NewDeadline[*bus.ConsumeContext](cfg)
		p := pipe.New[*bus.ConsumeContext](f, terminal(&called))

		err := p.Send(consumeContext(message.Headers{message.HeaderExpiryTime: now.Add(-time.Second)}))
		if !errors.Is(err, ErrMessageExpired) {
			t.Fatalf("expected ErrMessageExpired, got %v", err)
		}
		if called {
			t.Error("expected expired message not to be handled")
		}
		if f.expired.Load() != 1 {
			t.Errorf("expected 1 expired, got %d", f.expired.Load())
		}
	})

	t.Run("sets deadline", func(t *testing.T) {
		expiry := now.Add(time.Hour)
		var deadline time.Time
		var ok bool
		c := consumeContext(message.Headers{message.HeaderExpiryTime: expiry.Format(time.RFC3339Nano)})
		parent := c.Context()
		p := pipe.New[*bus.ConsumeContext](NewDeadline[*bus.ConsumeContext](cfg),
			pipe.Inline("terminal", func(c *bus.ConsumeContext, next pipe.Pipe[*bus.ConsumeContext]) error {
				deadline, ok = c.Context().Deadline()
				return nil
			}))

		if err := p.Send(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok || !deadline.Equal(expiry) {
			t.Errorf("expected deadline %s, got %s (%v)", expiry, deadline, ok)
		}
		if c.Context() != parent {
			t.Error("expected the parent context to be restored")
		}
	})

	t.Run("no expiry", func(t *testing.T) {
		var called bool
		p := pipe.New[*bus.ConsumeContext](NewDeadline[*bus.ConsumeContext](cfg), terminal(&called))
		if err := p.Send(consumeContext(nil)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !called {
			t.Error("expected message to be handled")
		}
	})
}

func TestRequiredHeaders(t *testing.T) {
	tests := []struct {
		name    string
		keys    []string
		headers message.Headers
		missing bool
	}{
		{"defaults present", nil, message.Headers{"id": "1", "type": "submit-order", "source": "/shop"}, false},
		{"defaults missing source", nil, message.Headers{"id": "1", "type": "submit-order"}, true},
		{"empty value", nil, message.Headers{"id": "", "type": "submit-order", "source": "/shop"}, true},
		{"custom key", []string{"tenant"}, message.Headers{"tenant": "acme"}, false},
		{"custom key missing", []string{"tenant"}, message.Headers{"id": "1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var called bool
			p := pipe.New[*bus.ConsumeContext](NewRequiredHeaders[*bus.ConsumeContext](tt.keys...), terminal(&called))
			err := p.Send(consumeContext(tt.headers))
			if tt.missing {
				if !errors.Is(err, ErrMissingHeader) {
					t.Fatalf("expected ErrMissingHeader, got %v", err)
				}
				if called {
					t.Error("expected message not to be handled")
				}
				return
			}
			if err != nil || !called {
				t.Fatalf("expected message to be handled, got %v", err)
			}
		})
	}
}

func TestUseValidateRequired_EmptyKey(t *testing.T) {
	cfg := pipe.NewConfigurator[*bus.ConsumeContext]()
	_ = UseValidateRequired(cfg, "id", "")
	_, err := cfg.Build()

	var cerr *pipe.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if f := cerr.Failures(); len(f) != 1 || f[0].Key != "[0].keys.[1]" {
		t.Errorf("unexpected failures %v", f)
	}
}

func TestCorrelationID(t *testing.T) {
	t.Run("keeps existing", func(t *testing.T) {
		c := consumeContext(message.Headers{message.HeaderID: "m-1", message.HeaderCorrelationID: "c-1"})
		f := NewCorrelationID[*bus.ConsumeContext]()
		if err := pipe.New[*bus.ConsumeContext](f).Send(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id, _ := c.Message.Headers.CorrelationID(); id != "c-1" {
			t.Errorf("expected c-1, got %q", id)
		}
		if f.assigned.Load() != 0 {
			t.Errorf("expected nothing assigned, got %d", f.assigned.Load())
		}
	})

	t.Run("uses message id", func(t *testing.T) {
		c := consumeContext(message.Headers{message.HeaderID: "m-1"})
		if err := pipe.New[*bus.ConsumeContext](NewCorrelationID[*bus.ConsumeContext]()).Send(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id, _ := c.Message.Headers.CorrelationID(); id != "m-1" {
			t.Errorf("expected m-1, got %q", id)
		}
	})

	t.Run("generates id", func(t *testing.T) {
		c := consumeContext(nil)
		if err := pipe.New[*bus.ConsumeContext](NewCorrelationID[*bus.ConsumeContext]()).Send(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id, ok := c.Message.Headers.CorrelationID(); !ok || id == "" {
			t.Errorf("expected generated id, got %q", id)
		}
	})
}

func TestHeader_SendContext(t *testing.T) {
	msg := message.New[any](submitOrder{}, message.Headers{message.HeaderSubject: "old"})
	c := bus.NewSendContext(pipe.NewBaseContext(context.Background(), nil), "billing", msg, message.TypeOf[submitOrder]())

	cfg := pipe.NewConfigurator[*bus.SendContext]()
	if err := UseSubject(cfg, "orders"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := UseHeader(cfg, "tenant", "acme", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := UseHeader(cfg, message.HeaderSubject, "ignored", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, err := cfg.Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Send(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s, _ := msg.Headers.String(message.HeaderSubject); s != "orders" {
		t.Errorf("expected subject orders, got %q", s)
	}
	if s, _ := msg.Headers.String("tenant"); s != "acme" {
		t.Errorf("expected tenant acme, got %q", s)
	}
}

func TestUseHeader_EmptyKey(t *testing.T) {
	cfg := pipe.NewConfigurator[*bus.SendContext]()
	_ = UseHeader(cfg, "", "x", false)
	if _, err := cfg.Build(); err == nil {
		t.Error("expected configuration error")
	}
}

func TestSchemaRegistry(t *testing.T) {
	r := NewSchemaRegistry(SchemaConfig{})
	if err := r.RegisterType(submitOrder{}, submitOrderSchema); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Has("submit-order") || r.Has("cancel-order") {
		t.Error("unexpected Has result")
	}
	if err := r.RegisterType(&submitOrder{}, submitOrderSchema); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if err := r.Register("broken", `{"type":`); err == nil {
		t.Error("expected invalid schema to fail")
	}
	if err := r.Register("", submitOrderSchema); err == nil {
		t.Error("expected empty type name to fail")
	}

	if err := r.Validate("submit-order", []byte(`{"id":"o-1","total":3}`)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := r.Validate("submit-order", []byte(`{"id":"o-1"}`)); !errors.Is(err, ErrSchemaValidation) {
		t.Errorf("expected ErrSchemaValidation, got %v", err)
	}
	if err := r.Validate("submit-order", []byte(`not json`)); !errors.Is(err, ErrSchemaValidation) {
		t.Errorf("expected ErrSchemaValidation, got %v", err)
	}
	if err := r.Validate("cancel-order", []byte(`{}`)); err != nil {
		t.Errorf("expected types without schema to pass, got %v", err)
	}

	if r.Schema("submit-order") == nil || r.Schema("cancel-order") != nil {
		t.Error("unexpected Schema result")
	}
	var doc struct {
		Defs map[string]json.RawMessage `json:"$defs"`
	}
	if err := json.Unmarshal(r.Schemas(), &doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := doc.Defs["submit-order"]; !ok || len(doc.Defs) != 1 {
		t.Errorf("unexpected catalog %v", doc.Defs)
	}
}

func TestSchemaRegistry_SnakeNaming(t *testing.T) {
	r := NewSchemaRegistry(SchemaConfig{Naming: message.SnakeNaming})
	r.MustRegisterType(submitOrder{}, submitOrderSchema)
	if !r.Has("submit_order") {
		t.Error("expected schema registered as submit_order")
	}
}

func TestSchemaObserver(t *testing.T) {
	registry := NewSchemaRegistry(SchemaConfig{})
	registry.MustRegisterType(submitOrder{}, submitOrderSchema)

	var handled []string
	b, err := bus.New(bus.Config{}, func(c *bus.Configurator) error {
		c.ConnectMessageObserver(NewSchemaObserver(registry))
		return c.ReceiveEndpoint("orders", func(e *bus.EndpointConfigurator) error {
			bus.Handle(e, func(c *bus.ConsumeContext, msg submitOrder) error {
				handled = append(handled, msg.ID)
				return nil
			})
			bus.Handle(e, func(c *bus.ConsumeContext, msg cancelOrder) error {
				handled = append(handled, msg.ID)
				return nil
			})
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()
	valid := message.New[any](submitOrder{ID: "o-1", Total: 2}, message.Headers{message.HeaderID: "1"})
	if err := b.Consume(ctx, "orders", valid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	invalid := message.New[any](submitOrder{ID: "o-2"}, message.Headers{message.HeaderID: "2"})
	if err := b.Consume(ctx, "orders", invalid); !errors.Is(err, ErrSchemaValidation) {
		t.Fatalf("expected ErrSchemaValidation, got %v", err)
	}
	other := message.New[any](cancelOrder{ID: "o-3"}, message.Headers{message.HeaderID: "3"})
	if err := b.Consume(ctx, "orders", other); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw := message.NewWithAcking([]byte(`{"id":""}`), message.Headers{
		message.HeaderID:   "4",
		message.HeaderType: "submit-order",
	}, func() {}, func(error) {})
	if err := b.Deliver(ctx, "orders", raw); !errors.Is(err, ErrSchemaValidation) {
		t.Fatalf("expected ErrSchemaValidation for raw delivery, got %v", err)
	}

	if len(handled) != 2 || handled[0] != "o-1" || handled[1] != "o-3" {
		t.Errorf("unexpected handled messages %v", handled)
	}

	tree := probe.NewTree()
	b.Probe(tree)
	found := 0
	tree.Walk(func(path []string, key string, value any) {
		if key == "rejected" && len(path) > 0 && path[len(path)-1] == "schema" {
			found++
			if value != int64(2) {
				t.Errorf("expected 2 rejected, got %v", value)
			}
		}
	})
	if found != 1 {
		t.Errorf("expected one schema filter in the probe tree, got %d", found)
	}
}

func TestSchemaObserver_LateOnBuiltBus(t *testing.T) {
	registry := NewSchemaRegistry(SchemaConfig{})
	registry.MustRegisterType(submitOrder{}, submitOrderSchema)

	var configurator *bus.Configurator
	_, err := bus.New(bus.Config{}, func(c *bus.Configurator) error {
		configurator = c
		return c.ReceiveEndpoint("orders", func(e *bus.EndpointConfigurator) error {
			bus.Handle(e, func(c *bus.ConsumeContext, msg submitOrder) error { return nil })
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	configurator.ConnectMessageObserver(NewSchemaObserver(registry))
	var failures []pipe.ValidationResult
	configurator.ConnectMessageObserver(bus.MessageConfigurationObserverFunc(func(mt message.Type, cfg *bus.MessagePipeConfigurator) {
		failures = append(failures, cfg.Failures()...)
	}))

	if len(failures) != 1 {
		t.Fatalf("expected one recorded failure, got %v", failures)
	}
	if f := failures[0]; f.Key != "schema" || f.Value != "submit-order" || f.Disposition != pipe.Failure {
		t.Errorf("unexpected failure %+v", f)
	}
}
