package message

import (
	"fmt"
	"reflect"
)

// Type identifies a message type. It is comparable and used as a map key.
type Type struct {
	name   string
	goType reflect.Type
}

// TypeOf returns the type of T named with KebabNaming.
func TypeOf[T any]() Type {
	t := reflect.TypeFor[T]()
	return Type{name: KebabNaming.TypeName(t), goType: t}
}

// NamedTypeOf returns the type of T with an explicit name.
func NamedTypeOf[T any](name string) Type {
	return Type{name: name, goType: reflect.TypeFor[T]()}
}

// TypeOfValue returns the type of v named with naming.
// KebabNaming is used when naming is nil.
func TypeOfValue(v any, naming NamingStrategy) Type {
	return TypeFor(reflect.TypeOf(v), naming)
}

// TypeFor returns the type of the Go type t named with naming.
// KebabNaming is used when naming is nil.
func TypeFor(t reflect.Type, naming NamingStrategy) Type {
	if t == nil {
		return Type{}
	}
	if naming == nil {
		naming = KebabNaming
	}
	return Type{name: naming.TypeName(t), goType: t}
}

// Name returns the wire name.
func (t Type) Name() string {
	return t.name
}

// GoType returns the Go type of the payload.
func (t Type) GoType() reflect.Type {
	return t.goType
}

// IsZero reports whether t is the zero Type.
func (t Type) IsZero() bool {
	return t.goType == nil
}

// New returns a pointer to a new zero value of the payload type.
func (t Type) New() any {
	return reflect.New(t.goType).Interface()
}

// Accepts reports whether v is a payload of type t.
func (t Type) Accepts(v any) bool {
	return t.goType != nil && reflect.TypeOf(v) == t.goType
}

func (t Type) String() string {
	if t.goType == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s(%s)", t.name, t.goType)
}
