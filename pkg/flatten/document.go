package flatten

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Document is a parsed structured configuration document. It keeps the
// source node tree so sibling keys are walked in their original order.
// The zero value is a null document.
type Document struct {
	root *yaml.Node
}

// Parse reads a single YAML or JSON document. Blank input yields a null
// document.
func Parse(data []byte) (Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Document{}, nil
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		// Some JSON (tab indentation for one) is not valid YAML. Key order is
		// lost on this path.
		var v any
		if jsonErr := json.Unmarshal(data, &v); jsonErr == nil {
			return FromValue(v)
		}
		return Document{}, fmt.Errorf("parse document: %w", err)
	}
	return fromNode(&node), nil
}

// ParseAll reads every document of a multi-document YAML stream. Null
// documents are dropped.
func ParseAll(r io.Reader) ([]Document, error) {
	dec := yaml.NewDecoder(r)

	var docs []Document
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			return docs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse document stream: %w", err)
		}
		doc := fromNode(&node)
		if doc.IsNull() {
			continue
		}
		docs = append(docs, doc)
	}
}

// FromValue builds a document from an in-memory Go value such as a
// map[string]any. Map keys are ordered the way yaml.v3 encodes them (sorted).
func FromValue(v any) (Document, error) {
	if v == nil {
		return Document{}, nil
	}
	var node yaml.Node
	if err := node.Encode(v); err != nil {
		return Document{}, fmt.Errorf("encode document: %w", err)
	}
	return fromNode(&node), nil
}

// Empty returns a document holding an empty mapping.
func Empty() Document {
	return Document{root: &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}}
}

func fromNode(node *yaml.Node) Document {
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return Document{}
		}
		node = node.Content[0]
	}
	return Document{root: node}
}

// IsNull reports whether the document has no value at all.
func (d Document) IsNull() bool {
	if d.root == nil {
		return true
	}
	root := deref(d.root)
	return root.Kind == 0 || (root.Kind == yaml.ScalarNode && root.Tag == "!!null")
}

// IsEmpty reports whether the document is null or an empty mapping.
func (d Document) IsEmpty() bool {
	if d.IsNull() {
		return true
	}
	root := deref(d.root)
	return root.Kind == yaml.MappingNode && len(root.Content) == 0
}

// Decode unmarshals the document into v.
func (d Document) Decode(v any) error {
	if d.IsNull() {
		return nil
	}
	return d.root.Decode(v)
}

func deref(n *yaml.Node) *yaml.Node {
	for n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	return n
}
