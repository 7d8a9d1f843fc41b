package tree

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrEmptyDocument = errors.New("tree: empty document")

// ParseXML reads the textual form of the dialect into a document tree.
// Namespace qualification is preserved; callers run Normalize before
// interpreting tag names.
func ParseXML(data []byte) (*Node, error) {
	dec := xml.NewDecoder(strings.NewReader(string(data)))

	var root *Node
	var stack []*Node

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tree: parse xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			name := t.Name.Local
			if t.Name.Space != "" {
				name = "{" + t.Name.Space + "}" + t.Name.Local
			}
			node := &Node{Name: name}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("tree: parse xml: multiple roots")
				}
				root = node
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, node)
			}
			stack = append(stack, node)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("tree: parse xml: unbalanced end element")
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				text := strings.TrimSpace(string(t))
				if text != "" {
					stack[len(stack)-1].Text += text
				}
			}
		}
	}

	if root == nil {
		return nil, ErrEmptyDocument
	}
	return root, nil
}

// MarshalXML renders the tree as the textual form of the dialect. The root
// element carries the dialect namespace.
func MarshalXML(root *Node, xmlns string) []byte {
	var b strings.Builder
	b.WriteString(xml.Header)
	writeXML(&b, root, xmlns)
	return []byte(b.String())
}

func writeXML(b *strings.Builder, n *Node, xmlns string) {
	b.WriteByte('<')
	b.WriteString(n.Name)
	if xmlns != "" {
		b.WriteString(` xmlns="`)
		b.WriteString(xmlns)
		b.WriteByte('"')
	}
	if n.Text == "" && len(n.Children) == 0 {
		b.WriteString("/>")
		return
	}
	b.WriteByte('>')
	if n.Text != "" {
		xml.EscapeText(b, []byte(n.Text))
	}
	for _, c := range n.Children {
		writeXML(b, c, "")
	}
	b.WriteString("</")
	b.WriteString(n.Name)
	b.WriteByte('>')
}
