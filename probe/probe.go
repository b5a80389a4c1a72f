// Package probe provides the diagnostic tree that pipes and filters describe
// themselves into.
//
// A probe is write-only from the pipeline's point of view: filters add named
// scopes and key/value pairs (counters, limits, configuration) and never read
// anything back. The resulting [Tree] can be exported as a map, JSON, YAML or
// scraped by Prometheus through a [Collector].
//
//	tree := probe.NewTree()
//	bus.Probe(tree)
//	out, _ := tree.YAML()
package probe

// Context receives diagnostic values from a pipe or filter.
type Context interface {
	// Add sets a single key/value pair on the current scope.
	Add(key string, value any)
	// Set adds all key/value pairs on the current scope.
	Set(values map[string]any)
	// CreateScope creates a named child scope.
	// Creating the same name twice yields two sibling scopes.
	CreateScope(name string) Context
}

// FilterScope creates a child scope for a filter and records its type.
func FilterScope(ctx Context, filterType string) Context {
	s := ctx.CreateScope(filterType)
	s.Add("filterType", filterType)
	return s
}

// Discard is a Context that drops all values.
var Discard Context = discard{}

type discard struct{}

func (discard) Add(string, any)            {}
func (discard) Set(map[string]any)         {}
func (discard) CreateScope(string) Context { return discard{} }
