package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fxsml/filterbus/message"
	"github.com/fxsml/filterbus/pipe"
	"github.com/fxsml/filterbus/probe"
)

var (
	// ErrMessageExpired is returned when a message is consumed after its
	// expiry time.
	ErrMessageExpired = errors.New("filterbus message expired")
	// ErrMissingHeader is returned when a required header is absent.
	ErrMissingHeader = errors.New("filterbus missing header")
)

// MessageContext is a pipe context carrying a message.
type MessageContext interface {
	pipe.Context
	CurrentMessage() *message.Message
}

// DeadlineConfig configures the deadline filter.
type DeadlineConfig struct {
	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

func (c DeadlineConfig) parse() DeadlineConfig {
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Deadline rejects messages whose expirytime header has passed and bounds
// the remainder of the pipe by the expiry time otherwise. Messages without
// an expiry time pass unchanged.
type Deadline[C MessageContext] struct {
	cfg     DeadlineConfig
	expired atomic.Int64
}

// NewDeadline creates a deadline filter.
func NewDeadline[C MessageContext](cfg DeadlineConfig) *Deadline[C] {
	return &Deadline[C]{cfg: cfg.parse()}
}

func (f *Deadline[C]) Send(c C, next pipe.Pipe[C]) error {
	msg := c.CurrentMessage()
	if msg == nil {
		return next.Send(c)
	}
	expiry, ok := msg.Headers.Time(message.HeaderExpiryTime)
	if !ok {
		return next.Send(c)
	}
	if !f.cfg.Now().Before(expiry) {
		f.expired.Add(1)
		return fmt.Errorf("%w: expired at %s", ErrMessageExpired, expiry.Format(time.RFC3339))
	}

	parent := c.Context()
	ctx, cancel := context.WithDeadline(parent, expiry)
	c.SetContext(ctx)
	defer func() {
		cancel()
		c.SetContext(parent)
	}()
	return next.Send(c)
}

func (f *Deadline[C]) Probe(ctx probe.Context) {
	probe.FilterScope(ctx, "deadline").Add("expired", f.expired.Load())
}

// UseDeadline adds a deadline filter.
func UseDeadline[C MessageContext](cfg *pipe.Configurator[C], c DeadlineConfig) error {
	return cfg.UseFilter(NewDeadline[C](c))
}

// DefaultRequiredHeaders are validated when no keys are given.
var DefaultRequiredHeaders = []string{message.HeaderID, message.HeaderType, message.HeaderSource}

// RequiredHeaders rejects messages missing any of its header keys.
type RequiredHeaders[C MessageContext] struct {
	keys     []string
	rejected atomic.Int64
}

// NewRequiredHeaders creates a filter requiring keys.
// DefaultRequiredHeaders is used when keys is empty.
func NewRequiredHeaders[C MessageContext](keys ...string) *RequiredHeaders[C] {
	if len(keys) == 0 {
		keys = DefaultRequiredHeaders
	}
	return &RequiredHeaders[C]{keys: keys}
}

func (f *RequiredHeaders[C]) Send(c C, next pipe.Pipe[C]) error {
	msg := c.CurrentMessage()
	if msg == nil {
		return next.Send(c)
	}
	var missing []string
	for _, key := range f.keys {
		if v, ok := msg.Headers[key]; !ok || v == nil || v == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		f.rejected.Add(1)
		return fmt.Errorf("%w: %s", ErrMissingHeader, strings.Join(missing, ", "))
	}
	return next.Send(c)
}

func (f *RequiredHeaders[C]) Probe(ctx probe.Context) {
	probe.FilterScope(ctx, "requiredHeaders").Set(map[string]any{
		"keys":     strings.Join(f.keys, ","),
		"rejected": f.rejected.Load(),
	})
}

// UseValidateRequired adds a filter requiring keys, see NewRequiredHeaders.
func UseValidateRequired[C MessageContext](cfg *pipe.Configurator[C], keys ...string) error {
	f := NewRequiredHeaders[C](keys...)
	return cfg.AddSpecification(&pipe.FilterSpecification[C]{
		Filter: f,
		Validator: func() []pipe.ValidationResult {
			var results []pipe.ValidationResult
			for i, key := range f.keys {
				if key == "" {
					results = append(results, pipe.Failuref(fmt.Sprintf("keys.[%d]", i), "must not be empty"))
				}
			}
			return results
		},
	})
}

// CorrelationID assigns a correlation ID to messages that carry none. The
// message ID is used when present, a new ID otherwise.
type CorrelationID[C MessageContext] struct {
	assigned atomic.Int64
}

// NewCorrelationID creates a correlation filter.
func NewCorrelationID[C MessageContext]() *CorrelationID[C] {
	return &CorrelationID[C]{}
}

func (f *CorrelationID[C]) Send(c C, next pipe.Pipe[C]) error {
	if msg := c.CurrentMessage(); msg != nil {
		if _, ok := msg.Headers.CorrelationID(); !ok {
			id := msg.Headers.ID()
			if id == "" {
				id = message.DefaultIDGenerator()
			}
			if msg.Headers == nil {
				msg.Headers = make(message.Headers)
			}
			msg.Headers[message.HeaderCorrelationID] = id
			f.assigned.Add(1)
		}
	}
	return next.Send(c)
}

func (f *CorrelationID[C]) Probe(ctx probe.Context) {
	probe.FilterScope(ctx, "correlationId").Add("assigned", f.assigned.Load())
}

// UseCorrelationID adds a correlation filter.
func UseCorrelationID[C MessageContext](cfg *pipe.Configurator[C]) error {
	return cfg.UseFilter(NewCorrelationID[C]())
}

// Header stamps a header on every message passing through. Existing
// values are kept unless overwrite is set.
type Header[C MessageContext] struct {
	key       string
	value     any
	overwrite bool
}

// NewHeader creates a header stamping filter.
func NewHeader[C MessageContext](key string, value any, overwrite bool) *Header[C] {
	return &Header[C]{key: key, value: value, overwrite: overwrite}
}

func (f *Header[C]) Send(c C, next pipe.Pipe[C]) error {
	if msg := c.CurrentMessage(); msg != nil {
		if msg.Headers == nil {
			msg.Headers = make(message.Headers)
		}
		if _, ok := msg.Headers[f.key]; f.overwrite || !ok {
			msg.Headers[f.key] = f.value
		}
	}
	return next.Send(c)
}

func (f *Header[C]) Probe(ctx probe.Context) {
	probe.FilterScope(ctx, "header").Set(map[string]any{
		"key":       f.key,
		"overwrite": f.overwrite,
	})
}

// UseHeader adds a header stamping filter. key must not be empty.
func UseHeader[C MessageContext](cfg *pipe.Configurator[C], key string, value any, overwrite bool) error {
	return cfg.AddSpecification(&pipe.FilterSpecification[C]{
		Filter: NewHeader[C](key, value, overwrite),
		Validator: func() []pipe.ValidationResult {
			if key == "" {
				return []pipe.ValidationResult{pipe.Failuref("key", "must not be empty")}
			}
			return nil
		},
	})
}

// UseSubject stamps the subject header, overwriting existing values.
func UseSubject[C MessageContext](cfg *pipe.Configurator[C], subject string) error {
	return UseHeader(cfg, message.HeaderSubject, subject, true)
}
