package vault

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const fmDelim = "---"

// Document is a markdown file with YAML frontmatter. Meta keeps key order so
// vault-only keys survive a rewrite in place.
type Document struct {
	Meta *yaml.Node
	Body string
}

// ParseDocument splits content into frontmatter and body. Content without a
// frontmatter block yields an empty mapping and the whole content as body.
func ParseDocument(content string) (*Document, error) {
	doc := &Document{Meta: newMapping(), Body: content}
	rest, ok := strings.CutPrefix(content, fmDelim)
	if !ok {
		return doc, nil
	}
	rest = strings.TrimLeft(rest, " \t")
	rest, ok = strings.CutPrefix(rest, "\n")
	if !ok {
		return doc, nil
	}
	end := strings.Index(rest, "\n"+fmDelim)
	var raw string
	switch {
	case strings.HasPrefix(rest, fmDelim):
		raw, rest = "", rest[len(fmDelim):]
	case end >= 0:
		raw, rest = rest[:end], rest[end+1+len(fmDelim):]
	default:
		return doc, nil
	}
	// Drop the remainder of the closing delimiter line.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		rest = ""
	}

	if strings.TrimSpace(raw) != "" {
		var node yaml.Node
		if err := yaml.Unmarshal([]byte(raw), &node); err != nil {
			return nil, fmt.Errorf("parse frontmatter: %w", err)
		}
		if len(node.Content) == 1 && node.Content[0].Kind == yaml.MappingNode {
			doc.Meta = node.Content[0]
		} else if len(node.Content) > 0 {
			return nil, fmt.Errorf("frontmatter is not a mapping")
		}
	}
	doc.Body = rest
	return doc, nil
}

// Render serializes the document as "---\n<yaml>---\n\n<body>\n".
func (d *Document) Render() (string, error) {
	var buf bytes.Buffer
	buf.WriteString(fmDelim + "\n")
	if len(d.Meta.Content) > 0 {
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(d.Meta); err != nil {
			return "", fmt.Errorf("encode frontmatter: %w", err)
		}
		if err := enc.Close(); err != nil {
			return "", fmt.Errorf("encode frontmatter: %w", err)
		}
	}
	buf.WriteString(fmDelim + "\n\n")
	buf.WriteString(strings.TrimSpace(d.Body))
	buf.WriteString("\n")
	return buf.String(), nil
}

// Get returns the value node for key, or nil.
func (d *Document) Get(key string) *yaml.Node {
	for i := 0; i+1 < len(d.Meta.Content); i += 2 {
		if d.Meta.Content[i].Value == key {
			return d.Meta.Content[i+1]
		}
	}
	return nil
}

// Set replaces key's value in place, or appends the key.
func (d *Document) Set(key string, value *yaml.Node) {
	for i := 0; i+1 < len(d.Meta.Content); i += 2 {
		if d.Meta.Content[i].Value == key {
			d.Meta.Content[i+1] = value
			return
		}
	}
	d.Meta.Content = append(d.Meta.Content, strNode(key), value)
}

func (d *Document) Delete(key string) {
	for i := 0; i+1 < len(d.Meta.Content); i += 2 {
		if d.Meta.Content[i].Value == key {
			d.Meta.Content = append(d.Meta.Content[:i], d.Meta.Content[i+2:]...)
			return
		}
	}
}

func newMapping() *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
}

func strNode(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

func intNode(v int) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: fmt.Sprint(v)}
}

func boolNode(v bool) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: fmt.Sprint(v)}
}

func listNode(vs []string) *yaml.Node {
	n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, v := range vs {
		n.Content = append(n.Content, strNode(v))
	}
	return n
}

// sameValue compares two value nodes by shape and scalar text, ignoring tags
// and quoting style so a parsed file compares equal to the nodes it was
// rendered from.
func sameValue(a, b *yaml.Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind == yaml.AliasNode {
		a = a.Alias
	}
	if b.Kind == yaml.AliasNode {
		b = b.Alias
	}
	if a.Kind != b.Kind || len(a.Content) != len(b.Content) {
		return false
	}
	if a.Kind == yaml.ScalarNode {
		return a.Value == b.Value
	}
	for i := range a.Content {
		if !sameValue(a.Content[i], b.Content[i]) {
			return false
		}
	}
	return true
}
