package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	jschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fxsml/filterbus/bus"
	"github.com/fxsml/filterbus/message"
	"github.com/fxsml/filterbus/pipe"
	"github.com/fxsml/filterbus/probe"
)

// ErrSchemaValidation is returned when a payload does not conform to the
// schema of its message type.
var ErrSchemaValidation = errors.New("filterbus schema validation")

// SchemaConfig configures a schema registry.
type SchemaConfig struct {
	// Naming derives type names from Go types. Default: message.KebabNaming.
	Naming message.NamingStrategy

	// SchemaURI returns the URI a schema is compiled under. It does not
	// need to be resolvable.
	// Default: urn:filterbus:schema:{typeName}
	SchemaURI func(typeName string) string

	// Marshaler encodes payloads of in-process messages for validation.
	// Default: message.JSONMarshaler.
	Marshaler message.Marshaler
}

func (c SchemaConfig) parse() SchemaConfig {
	if c.Naming == nil {
		c.Naming = message.KebabNaming
	}
	if c.SchemaURI == nil {
		c.SchemaURI = func(typeName string) string {
			return "urn:filterbus:schema:" + typeName
		}
	}
	if c.Marshaler == nil {
		c.Marshaler = message.NewJSONMarshaler()
	}
	return c
}

type schemaEntry struct {
	compiled *jschema.Schema
	raw      json.RawMessage
}

// SchemaRegistry validates message payloads against JSON Schema documents
// keyed by message type name. It is safe for concurrent use.
type SchemaRegistry struct {
	cfg SchemaConfig

	mu       sync.RWMutex
	compiler *jschema.Compiler
	schemas  map[string]*schemaEntry
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry(cfg SchemaConfig) *SchemaRegistry {
	return &SchemaRegistry{
		cfg:      cfg.parse(),
		compiler: jschema.NewCompiler(),
		schemas:  make(map[string]*schemaEntry),
	}
}

// Register compiles schema for typeName. Registering a type twice is an
// error.
func (r *SchemaRegistry) Register(typeName, schema string) error {
	if typeName == "" {
		return fmt.Errorf("jsonschema: type name must not be empty")
	}
	doc, err := jschema.UnmarshalJSON(strings.NewReader(schema))
	if err != nil {
		return fmt.Errorf("jsonschema: parsing schema for %s: %w", typeName, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schemas[typeName]; ok {
		return fmt.Errorf("jsonschema: schema for %s already registered", typeName)
	}
	uri := r.cfg.SchemaURI(typeName)
	if err := r.compiler.AddResource(uri, doc); err != nil {
		return fmt.Errorf("jsonschema: adding resource for %s: %w", typeName, err)
	}
	compiled, err := r.compiler.Compile(uri)
	if err != nil {
		return fmt.Errorf("jsonschema: compiling schema for %s: %w", typeName, err)
	}
	r.schemas[typeName] = &schemaEntry{compiled: compiled, raw: json.RawMessage(schema)}
	return nil
}

// RegisterType registers schema for the type of v, named with the
// registry's naming strategy.
func (r *SchemaRegistry) RegisterType(v any, schema string) error {
	t := reflect.TypeOf(v)
	if t == nil {
		return fmt.Errorf("jsonschema: type must not be nil")
	}
	return r.Register(message.TypeFor(t, r.cfg.Naming).Name(), schema)
}

// MustRegister is like Register but panics on error.
func (r *SchemaRegistry) MustRegister(typeName, schema string) {
	if err := r.Register(typeName, schema); err != nil {
		panic(err)
	}
}

// MustRegisterType is like RegisterType but panics on error.
func (r *SchemaRegistry) MustRegisterType(v any, schema string) {
	if err := r.RegisterType(v, schema); err != nil {
		panic(err)
	}
}

// Has reports whether a schema is registered for typeName.
func (r *SchemaRegistry) Has(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[typeName]
	return ok
}

// Validate validates data against the schema of typeName. Types without a
// schema pass.
func (r *SchemaRegistry) Validate(typeName string, data []byte) error {
	r.mu.RLock()
	e, ok := r.schemas[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	inst, err := jschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSchemaValidation, typeName, err)
	}
	if err := e.compiled.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSchemaValidation, typeName, err)
	}
	return nil
}

// Schema returns the raw schema of typeName, or nil.
func (r *SchemaRegistry) Schema(typeName string) json.RawMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.schemas[typeName]; ok {
		return e.raw
	}
	return nil
}

// Schemas returns a JSON Schema document holding every registered schema
// under $defs, keyed by type name.
func (r *SchemaRegistry) Schemas() json.RawMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make(map[string]json.RawMessage, len(r.schemas))
	for name, e := range r.schemas {
		defs[name] = e.raw
	}
	doc := struct {
		Schema string                     `json:"$schema"`
		Defs   map[string]json.RawMessage `json:"$defs"`
	}{
		Schema: "https://json-schema.org/draft/2020-12/schema",
		Defs:   defs,
	}
	data, _ := json.Marshal(doc)
	return data
}

// SchemaFilter validates consumed messages of one type. The payload of
// transport-delivered messages is validated as received; in-process
// messages are encoded with the registry's marshaler first.
type SchemaFilter struct {
	registry *SchemaRegistry
	typeName string

	validated atomic.Int64
	rejected  atomic.Int64
}

// NewSchemaFilter creates a filter validating messages of typeName.
func NewSchemaFilter(registry *SchemaRegistry, typeName string) *SchemaFilter {
	return &SchemaFilter{registry: registry, typeName: typeName}
}

func (f *SchemaFilter) Send(c *bus.ConsumeContext, next pipe.Pipe[*bus.ConsumeContext]) error {
	var data []byte
	if c.Raw != nil {
		data = c.Raw.Data
	} else if c.Message != nil {
		encoded, err := f.registry.cfg.Marshaler.Marshal(c.Message.Data)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrSchemaValidation, f.typeName, err)
		}
		data = encoded
	}

	f.validated.Add(1)
	if err := f.registry.Validate(f.typeName, data); err != nil {
		f.rejected.Add(1)
		return err
	}
	return next.Send(c)
}

func (f *SchemaFilter) Probe(ctx probe.Context) {
	probe.FilterScope(ctx, "schema").Set(map[string]any{
		"type":      f.typeName,
		"validated": f.validated.Load(),
		"rejected":  f.rejected.Load(),
	})
}

// NewSchemaObserver returns an observer adding a SchemaFilter to the
// message pipe of every type with a registered schema. Types without a
// schema are left unchanged. A message pipe that can no longer take the
// filter records a failure instead.
func NewSchemaObserver(registry *SchemaRegistry) bus.MessageConfigurationObserver {
	return bus.MessageConfigurationObserverFunc(func(mt message.Type, cfg *bus.MessagePipeConfigurator) {
		if !registry.Has(mt.Name()) {
			return
		}
		if err := cfg.UseFilter(NewSchemaFilter(registry, mt.Name())); err != nil {
			cfg.AddFailure(pipe.Failuref("schema", "%v", err).WithValue(mt.Name()))
		}
	})
}
