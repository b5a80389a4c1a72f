package probe

import (
	"encoding/json"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// Tree is an in-memory probe result. It implements Context for its root
// scope and is safe for concurrent use.
type Tree struct {
	mu   sync.Mutex
	root *node
}

type node struct {
	values   []entry
	children []child
}

type entry struct {
	key   string
	value any
}

type child struct {
	name string
	node *node
}

// NewTree creates an empty probe tree.
func NewTree() *Tree {
	return &Tree{root: &node{}}
}

// Add sets a key/value pair on the root scope.
func (t *Tree) Add(key string, value any) {
	t.scope(t.root).Add(key, value)
}

// Set adds key/value pairs on the root scope.
func (t *Tree) Set(values map[string]any) {
	t.scope(t.root).Set(values)
}

// CreateScope creates a named child of the root scope.
func (t *Tree) CreateScope(name string) Context {
	return t.scope(t.root).CreateScope(name)
}

func (t *Tree) scope(n *node) *treeScope {
	return &treeScope{tree: t, node: n}
}

type treeScope struct {
	tree *Tree
	node *node
}

func (s *treeScope) Add(key string, value any) {
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	s.node.set(key, value)
}

func (s *treeScope) Set(values map[string]any) {
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	for k, v := range values {
		s.node.set(k, v)
	}
}

func (s *treeScope) CreateScope(name string) Context {
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	n := &node{}
	s.node.children = append(s.node.children, child{name: name, node: n})
	return &treeScope{tree: s.tree, node: n}
}

func (n *node) set(key string, value any) {
	for i := range n.values {
		if n.values[i].key == key {
			n.values[i].value = value
			return
		}
	}
	n.values = append(n.values, entry{key: key, value: value})
}

// Map returns the tree as nested maps. Sibling scopes sharing a name are
// returned as a slice in creation order.
func (t *Tree) Map() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root.toMap()
}

func (n *node) toMap() map[string]any {
	m := make(map[string]any, len(n.values)+len(n.children))
	for _, e := range n.values {
		m[e.key] = e.value
	}
	for _, c := range n.children {
		v := c.node.toMap()
		switch existing := m[c.name].(type) {
		case nil:
			m[c.name] = v
		case []any:
			m[c.name] = append(existing, v)
		default:
			m[c.name] = []any{existing, v}
		}
	}
	return m
}

// JSON returns the tree as indented JSON.
func (t *Tree) JSON() ([]byte, error) {
	return json.MarshalIndent(t.Map(), "", "  ")
}

// YAML returns the tree as YAML.
func (t *Tree) YAML() ([]byte, error) {
	return yaml.Marshal(t.Map())
}

// Walk visits every key/value pair depth-first in insertion order.
// The path holds the names of the enclosing scopes; repeated sibling names
// are disambiguated with an index suffix, e.g. "counter[1]".
func (t *Tree) Walk(fn func(path []string, key string, value any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.root.walk(nil, fn)
}

func (n *node) walk(path []string, fn func([]string, string, any)) {
	for _, e := range n.values {
		fn(path, e.key, e.value)
	}
	seen := make(map[string]int, len(n.children))
	for _, c := range n.children {
		name := c.name
		if i := seen[c.name]; i > 0 {
			name = fmt.Sprintf("%s[%d]", c.name, i)
		}
		seen[c.name]++
		c.node.walk(append(path[:len(path):len(path)], name), fn)
	}
}
