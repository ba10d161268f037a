// Package content models the portable JSON content tree stored alongside
// each document's CRDT snapshot.
package content

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Node is a node in the ProseMirror-shaped document tree.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Mark is a text mark (formatting).
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Empty returns a doc node with no blocks.
func Empty() Node {
	return Node{Type: "doc"}
}

// FromText builds a doc with one paragraph per line.
func FromText(text string) Node {
	doc := Empty()
	if text == "" {
		return doc
	}
	for _, line := range strings.Split(text, "\n") {
		paragraph := Node{Type: "paragraph"}
		if line != "" {
			paragraph.Content = []Node{{Type: "text", Text: line}}
		}
		doc.Content = append(doc.Content, paragraph)
	}
	return doc
}

// PlainText flattens the tree: block texts joined by newlines.
func PlainText(doc Node) string {
	if doc.Type != "doc" {
		return inlineText(doc)
	}
	lines := make([]string, 0, len(doc.Content))
	for _, block := range doc.Content {
		lines = appendBlockLines(lines, block)
	}
	return strings.Join(lines, "\n")
}

func appendBlockLines(lines []string, block Node) []string {
	switch block.Type {
	case "bulletList", "orderedList", "listItem", "blockquote", "table", "tableRow":
		for _, child := range block.Content {
			lines = appendBlockLines(lines, child)
		}
		return lines
	case "horizontalRule":
		return append(lines, "")
	default:
		return append(lines, inlineText(block))
	}
}

func inlineText(node Node) string {
	switch node.Type {
	case "text":
		return node.Text
	case "hardBreak":
		return " "
	}
	var b strings.Builder
	for _, child := range node.Content {
		b.WriteString(inlineText(child))
	}
	return b.String()
}

// Parse decodes a stored tree. Empty input yields an empty doc.
func Parse(raw []byte) (Node, error) {
	if len(strings.TrimSpace(string(raw))) == 0 || string(raw) == "null" {
		return Empty(), nil
	}
	var node Node
	if err := json.Unmarshal(raw, &node); err != nil {
		return Node{}, fmt.Errorf("decode content tree: %w", err)
	}
	if node.Type != "doc" {
		return Node{}, fmt.Errorf("decode content tree: root type %q, want doc", node.Type)
	}
	return node, nil
}

// Marshal encodes the tree for storage.
func Marshal(doc Node) ([]byte, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode content tree: %w", err)
	}
	return payload, nil
}
