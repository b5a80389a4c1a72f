package pipe

import (
	"context"
	"errors"
	"testing"
)

type attempt struct {
	n int
}

func TestPayload_GetOrAdd(t *testing.T) {
	c := newContext()
	created := 0
	factory := func() (*attempt, error) {
		created++
		return &attempt{n: 1}, nil
	}

	a, err := GetOrAddPayload(c, factory)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := GetOrAddPayload(c, factory)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Error("expected the same payload instance")
	}
	if created != 1 {
		t.Errorf("expected factory to run once, got %d", created)
	}
}

func TestPayload_FactoryError(t *testing.T) {
	c := newContext()
	boom := errors.New("boom")

	_, err := GetOrAddPayload(c, func() (*attempt, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if HasPayload[*attempt](c) {
		t.Error("expected nothing stored on factory error")
	}
}

func TestPayload_ParentFallThrough(t *testing.T) {
	parent := newContext()
	SetPayload(parent, &attempt{n: 7})

	child := NewBaseContext(context.Background(), parent.Payloads())
	got, ok := TryGetPayload[*attempt](child)
	if !ok || got.n != 7 {
		t.Fatalf("expected parent payload, got %v %v", got, ok)
	}

	SetPayload(child, &attempt{n: 8})
	got, _ = TryGetPayload[*attempt](child)
	if got.n != 8 {
		t.Errorf("expected child payload to shadow parent, got %d", got.n)
	}

	RemovePayload[*attempt](child)
	got, _ = TryGetPayload[*attempt](child)
	if got.n != 7 {
		t.Errorf("expected parent payload after remove, got %d", got.n)
	}
	if _, ok := TryGetPayload[*attempt](parent); !ok {
		t.Error("expected parent payload untouched")
	}
}

func TestPayload_KeyedByType(t *testing.T) {
	c := newContext()
	SetPayload(c, "text")
	SetPayload(c, 42)

	s, _ := TryGetPayload[string](c)
	n, _ := TryGetPayload[int](c)
	if s != "text" || n != 42 {
		t.Errorf("unexpected payloads %q %d", s, n)
	}
	if _, ok := TryGetPayload[float64](c); ok {
		t.Error("expected missing payload")
	}
}

func TestBaseContext_NilContext(t *testing.T) {
	//nolint:staticcheck
	c := NewBaseContext(nil, nil)
	if c.Context() == nil {
		t.Error("expected background context")
	}
}
