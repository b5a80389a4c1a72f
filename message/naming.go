package message

import (
	"reflect"
	"strings"
	"unicode"
)

// NamingStrategy maps a Go type to the message type name used on the wire.
type NamingStrategy interface {
	TypeName(t reflect.Type) string
}

var (
	// KebabNaming names OrderCreated "order-created".
	KebabNaming NamingStrategy = separatedNaming('-')

	// DotNaming names OrderCreated "order.created".
	DotNaming NamingStrategy = separatedNaming('.')

	// SnakeNaming names OrderCreated "order_created".
	SnakeNaming NamingStrategy = separatedNaming('_')

	// URNNaming names example.com/orders.OrderCreated
	// "urn:message:example.com:orders:OrderCreated".
	URNNaming NamingStrategy = urnNaming{}
)

// separatedNaming lowercases the type name and puts the separator before
// every upper case letter but the first. Acronyms are not kept together.
type separatedNaming rune

func (sep separatedNaming) TypeName(t reflect.Type) string {
	name := elem(t).Name()
	var b strings.Builder
	b.Grow(len(name) + 4)
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteRune(rune(sep))
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

type urnNaming struct{}

func (urnNaming) TypeName(t reflect.Type) string {
	t = elem(t)
	parts := []string{"urn", "message"}
	if pkg := t.PkgPath(); pkg != "" {
		parts = append(parts, strings.Split(pkg, "/")...)
	}
	return strings.Join(append(parts, t.Name()), ":")
}

func elem(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}
