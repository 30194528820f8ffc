package flatten

import (
	"iter"
	"sort"
	"strings"
)

// Properties is an insertion-ordered mapping of dotted paths to string values.
// Setting an existing key replaces its value and keeps its position.
type Properties struct {
	keys   []string
	values map[string]string
}

// NewProperties returns an empty property set.
func NewProperties() *Properties {
	return &Properties{values: make(map[string]string)}
}

// PropertiesFromMap copies m into a new property set in sorted key order.
func PropertiesFromMap(m map[string]string) *Properties {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	p := NewProperties()
	for _, k := range keys {
		p.Set(k, m[k])
	}
	return p
}

func (p *Properties) Set(key, value string) {
	if p.values == nil {
		p.values = make(map[string]string)
	}
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

func (p *Properties) Get(key string) (string, bool) {
	if p == nil {
		return "", false
	}
	v, ok := p.values[key]
	return v, ok
}

func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Keys returns a copy of the keys in insertion order.
func (p *Properties) Keys() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// All iterates entries in insertion order.
func (p *Properties) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		if p == nil {
			return
		}
		for _, k := range p.keys {
			if !yield(k, p.values[k]) {
				return
			}
		}
	}
}

// Merge copies every entry of other into p, overwriting existing keys.
func (p *Properties) Merge(other *Properties) {
	for k, v := range other.All() {
		p.Set(k, v)
	}
}

func (p *Properties) Clone() *Properties {
	out := NewProperties()
	out.Merge(p)
	return out
}

// Map returns an unordered copy.
func (p *Properties) Map() map[string]string {
	out := make(map[string]string, p.Len())
	for k, v := range p.All() {
		out[k] = v
	}
	return out
}

// Equal reports whether both sets hold the same entries in the same order.
func (p *Properties) Equal(other *Properties) bool {
	if p.Len() != other.Len() {
		return false
	}
	if p.Len() == 0 {
		return true
	}
	for i, k := range p.keys {
		if other.keys[i] != k || other.values[k] != p.values[k] {
			return false
		}
	}
	return true
}

// Tree rebuilds a nested structure by splitting keys on ".". When a key is both
// a leaf and a parent, the nested branch wins.
func (p *Properties) Tree() map[string]any {
	root := make(map[string]any)
	for k, v := range p.All() {
		parts := strings.Split(k, ".")
		node := root
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
		last := parts[len(parts)-1]
		if _, isBranch := node[last].(map[string]any); !isBranch {
			node[last] = v
		}
	}
	return root
}
