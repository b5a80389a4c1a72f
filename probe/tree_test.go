package probe

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestTree_Map(t *testing.T) {
	tree := NewTree()
	tree.Add("name", "orders")
	filters := tree.CreateScope("filters")
	c1 := FilterScope(filters, "counter")
	c1.Set(map[string]any{"attempted": 3, "faulted": 1})
	c2 := FilterScope(filters, "counter")
	c2.Add("attempted", 5)
	FilterScope(filters, "retry").Add("limit", 3)

	m := tree.Map()
	if m["name"] != "orders" {
		t.Fatalf("expected name=orders, got %v", m["name"])
	}
	fm, ok := m["filters"].(map[string]any)
	if !ok {
		t.Fatalf("expected filters map, got %T", m["filters"])
	}
	counters, ok := fm["counter"].([]any)
	if !ok || len(counters) != 2 {
		t.Fatalf("expected two counter scopes, got %v", fm["counter"])
	}
	first := counters[0].(map[string]any)
	if first["attempted"] != 3 || first["filterType"] != "counter" {
		t.Errorf("unexpected first counter: %v", first)
	}
	retry := fm["retry"].(map[string]any)
	if retry["limit"] != 3 {
		t.Errorf("expected retry limit 3, got %v", retry["limit"])
	}
}

func TestTree_AddOverwrites(t *testing.T) {
	tree := NewTree()
	tree.Add("n", 1)
	tree.Add("n", 2)

	var got []any
	tree.Walk(func(_ []string, key string, value any) {
		if key == "n" {
			got = append(got, value)
		}
	})
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("expected single value 2, got %v", got)
	}
}

func TestTree_WalkDisambiguatesSiblings(t *testing.T) {
	tree := NewTree()
	f := tree.CreateScope("filters")
	f.CreateScope("counter").Add("attempted", 1)
	f.CreateScope("counter").Add("attempted", 2)

	paths := map[string]any{}
	tree.Walk(func(path []string, key string, value any) {
		paths[strings.Join(path, "/")+"#"+key] = value
	})
	if paths["filters/counter#attempted"] != 1 {
		t.Errorf("expected first counter, got %v", paths)
	}
	if paths["filters/counter[1]#attempted"] != 2 {
		t.Errorf("expected second counter, got %v", paths)
	}
}

func TestTree_JSON(t *testing.T) {
	tree := NewTree()
	tree.CreateScope("outbox").Add("flushed", 2)

	data, err := tree.JSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]map[string]float64
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if decoded["outbox"]["flushed"] != 2 {
		t.Errorf("expected flushed=2, got %v", decoded)
	}
}

func TestTree_YAML(t *testing.T) {
	tree := NewTree()
	tree.CreateScope("scope").Add("provider", "container")

	data, err := tree.YAML()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(data), "provider: container") {
		t.Errorf("unexpected yaml: %s", data)
	}
}

func TestDiscard(t *testing.T) {
	s := Discard.CreateScope("x")
	s.Add("a", 1)
	s.Set(map[string]any{"b": 2})
}

func TestCollector(t *testing.T) {
	source := func(ctx Context) {
		f := ctx.CreateScope("filters")
		c := FilterScope(f, "counter")
		c.Set(map[string]any{"attempted": int64(3), "succeeded": int64(0)})
		FilterScope(f, "counter").Add("attempted", int64(7))
		FilterScope(f, "concurrencyLimit").Add("inFlight", int64(2))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector("filterbus", source))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(families) != 2 {
		t.Fatalf("expected 2 metric families, got %d", len(families))
	}
	byName := map[string]*dto.MetricFamily{}
	for _, f := range families {
		byName[f.GetName()] = f
	}

	total := byName["filterbus_probe_total"]
	if total == nil || total.GetType() != dto.MetricType_COUNTER {
		t.Fatalf("expected a counter family filterbus_probe_total, got %v", total)
	}
	if got := len(total.GetMetric()); got != 3 {
		t.Errorf("expected 3 counters, got %d", got)
	}

	value := byName["filterbus_probe_value"]
	if value == nil || value.GetType() != dto.MetricType_GAUGE {
		t.Fatalf("expected a gauge family filterbus_probe_value, got %v", value)
	}
	if got := len(value.GetMetric()); got != 1 {
		t.Errorf("expected 1 gauge, got %d", got)
	}
}
