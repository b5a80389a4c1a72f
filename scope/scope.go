// Package scope manages per-message dependency scopes.
//
// A [Provider] creates [Scope] values. The [Manager] attaches a scope to a
// pipe context as its ambient scope, reusing an existing one when the
// context (or an enclosing context) already carries it, and disposes the
// scope exactly once when the operation that created it completes.
//
// Components that hold on to the scope beyond the filter that created it,
// such as an outbox deferring sends, take a [Lease]. The scope is disposed
// only after the owning handle and every lease have been released.
package scope

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrScopeDisposed is returned when a disposed scope is used.
	ErrScopeDisposed = errors.New("scope: disposed")

	// ErrNotRegistered is returned when resolving an unregistered service.
	ErrNotRegistered = errors.New("scope: service not registered")

	// ErrDisposedWhileInUse is returned when a scope captured for later use
	// was disposed before that use.
	ErrDisposedWhileInUse = errors.New("scope: disposed while in use")
)

// Scope resolves services for the lifetime of an operation.
type Scope interface {
	ID() string
	Resolve(t reflect.Type) (any, error)
	CreateScope(ctx context.Context) (Scope, error)
	Disposed() bool
	Close() error
}

// Provider creates scopes.
type Provider interface {
	CreateScope(ctx context.Context) (Scope, error)
}

// Resolve resolves a service of type T from s.
func Resolve[T any](s Scope) (T, error) {
	var zero T
	v, err := s.Resolve(reflect.TypeFor[T]())
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("scope: resolved %T is not %v", v, reflect.TypeFor[T]())
	}
	return t, nil
}
