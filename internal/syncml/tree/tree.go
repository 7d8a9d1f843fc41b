// Package tree is the generic tagged document model shared by the WBXML
// codec and the message parser/builder. A node has a name, ordered
// children, and optional text; the dialect carries no attributes.
package tree

import "strings"

// Node is one element of a document tree.
type Node struct {
	Name     string
	Text     string
	Children []*Node
}

// New constructs an element node with the given children.
func New(name string, children ...*Node) *Node {
	return &Node{Name: name, Children: children}
}

// Leaf constructs an element node holding only text content.
func Leaf(name, text string) *Node {
	return &Node{Name: name, Text: text}
}

// Append adds children and returns the node for chaining.
func (n *Node) Append(children ...*Node) *Node {
	n.Children = append(n.Children, children...)
	return n
}

// Child returns the first direct child with the given name.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChildText returns the text of the first direct child with the given
// name, or the empty string when absent.
func (n *Node) ChildText(name string) string {
	if c := n.Child(name); c != nil {
		return c.Text
	}
	return ""
}

// Has reports whether a direct child with the given name exists.
func (n *Node) Has(name string) bool {
	return n.Child(name) != nil
}

// Normalize strips XML namespace qualification from every tag name in the
// subtree, in place, and returns the node. Both prefix form ("ns:Tag")
// and Clark form ("{uri}Tag") are reduced to the local name. Runs once at
// the parse boundary so the rest of the pipeline sees bare names.
func (n *Node) Normalize() *Node {
	n.Name = localName(n.Name)
	for _, c := range n.Children {
		c.Normalize()
	}
	return n
}

func localName(name string) string {
	if i := strings.LastIndexByte(name, '}'); i >= 0 {
		return name[i+1:]
	}
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// Equal reports structural equality of two subtrees: same names, same
// text, same ordered children.
func Equal(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Name != b.Name || a.Text != b.Text || len(a.Children) != len(b.Children) {
		return false
	}
	for i := range a.Children {
		if !Equal(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}
