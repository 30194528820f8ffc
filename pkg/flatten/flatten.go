// Package flatten turns nested configuration documents (YAML or JSON) into a
// flat, insertion-ordered property space keyed by dotted paths, resolving
// %NAME% placeholders in string values along the way.
package flatten

import (
	"encoding/json"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/eugenenazirov/kapeta-config/pkg/env"
)

// DocumentKey holds the value of a document whose root is not a mapping.
const DocumentKey = "document"

// Flatten walks doc depth-first and returns one entry per leaf scalar.
//
// Nested mappings extend the path with ".key"; non-string mapping keys and
// sequence indexes use "parent[key]". String leaves have their placeholders
// resolved through lookup, other scalars are stored verbatim and null leaves
// become "". A later entry with the same generated path overwrites an earlier
// one.
func Flatten(doc Document, lookup env.Lookup) *Properties {
	out := NewProperties()
	if doc.IsNull() {
		return out
	}

	root := deref(doc.root)
	if root.Kind != yaml.MappingNode {
		out.Set(DocumentKey, renderRoot(root))
		return out
	}

	flattenNode("", root, lookup, out)
	return out
}

func flattenNode(path string, node *yaml.Node, lookup env.Lookup, out *Properties) {
	node = deref(node)

	switch node.Kind {
	case yaml.MappingNode:
		// Merged entries first so explicit sibling keys overwrite them.
		for i := 0; i+1 < len(node.Content); i += 2 {
			if isMergeKey(deref(node.Content[i])) {
				flattenMerge(path, node.Content[i+1], lookup, out)
			}
		}
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := deref(node.Content[i])
			if isMergeKey(key) {
				continue
			}
			flattenNode(childPath(path, key), node.Content[i+1], lookup, out)
		}
	case yaml.SequenceNode:
		for i, item := range node.Content {
			flattenNode(path+"["+strconv.Itoa(i)+"]", item, lookup, out)
		}
	case yaml.ScalarNode:
		out.Set(path, scalarValue(node, lookup))
	}
}

// flattenMerge inlines the mapping (or sequence of mappings) behind a "<<"
// key at path. In a sequence the first mapping wins.
func flattenMerge(path string, value *yaml.Node, lookup env.Lookup, out *Properties) {
	value = deref(value)
	switch value.Kind {
	case yaml.MappingNode:
		flattenNode(path, value, lookup, out)
	case yaml.SequenceNode:
		for i := len(value.Content) - 1; i >= 0; i-- {
			if item := deref(value.Content[i]); item.Kind == yaml.MappingNode {
				flattenNode(path, item, lookup, out)
			}
		}
	}
}

func isMergeKey(key *yaml.Node) bool {
	return key.Kind == yaml.ScalarNode && key.ShortTag() == "!!merge"
}

func childPath(parent string, key *yaml.Node) string {
	if !isStringKey(key) {
		return parent + "[" + key.Value + "]"
	}
	if parent == "" {
		return key.Value
	}
	return parent + "." + key.Value
}

func isStringKey(key *yaml.Node) bool {
	return key.Kind == yaml.ScalarNode && (key.Tag == "!!str" || key.Tag == "")
}

func scalarValue(node *yaml.Node, lookup env.Lookup) string {
	switch node.Tag {
	case "!!null":
		return ""
	case "!!str", "":
		return ResolvePlaceholders(node.Value, lookup)
	default:
		return node.Value
	}
}

func renderRoot(root *yaml.Node) string {
	if root.Kind == yaml.ScalarNode {
		return root.Value
	}

	var v any
	if err := root.Decode(&v); err != nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// ResolvePlaceholders replaces every %TOKEN% in value with the variable TOKEN
// from lookup. Tokens are case-sensitive. Blank tokens and tokens lookup does
// not know are left untouched, and scanning resumes at their closing % so a
// literal percent sign never hides the placeholder after it.
func ResolvePlaceholders(value string, lookup env.Lookup) string {
	if lookup == nil || !strings.Contains(value, "%") {
		return value
	}

	var b strings.Builder
	b.Grow(len(value))
	rest := value
	for {
		start := strings.IndexByte(rest, '%')
		if start < 0 {
			break
		}
		end := strings.IndexByte(rest[start+1:], '%')
		if end < 0 {
			break
		}
		end += start + 1

		token := rest[start+1 : end]
		if strings.TrimSpace(token) != "" {
			if resolved, ok := lookup(token); ok {
				b.WriteString(rest[:start])
				b.WriteString(resolved)
				rest = rest[end+1:]
				continue
			}
		}
		b.WriteString(rest[:end])
		rest = rest[end:]
	}
	b.WriteString(rest)
	return b.String()
}
