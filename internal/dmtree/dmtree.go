// Package dmtree is the server-side view of the device management
// namespace: device-reported facts plus server-side constants, addressed
// by the ./-prefixed paths the fleet uses.
package dmtree

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("dmtree: path not found")

// Kind is the value format of a leaf node.
type Kind string

const (
	KindChr  Kind = "chr"
	KindInt  Kind = "int"
	KindBool Kind = "bool"
	KindNode Kind = "node"
	KindNull Kind = "null"
)

type node struct {
	value    string
	kind     Kind
	children map[string]*node
}

// Tree is a sparse management tree. Reads and writes go through Get and
// Set; interior nodes are created on demand.
type Tree struct {
	mu   sync.RWMutex
	root *node
}

// New returns a tree pre-seeded with the standard skeleton the fleet
// addresses: DevInfo identity leaves, Software build/package metadata,
// download operations, and download progress.
func New() *Tree {
	t := &Tree{root: &node{kind: KindNode, children: make(map[string]*node)}}

	for _, path := range []string{
		"./DevInfo/DevId",
		"./DevInfo/Man",
		"./DevInfo/Mod",
		"./DevInfo/DmV",
		"./DevInfo/Lang",
		"./DevInfo/FwV",
		"./DevInfo/SwV",
		"./DevInfo/HwV",
		"./Software/Build",
		"./Software/Carrier",
		"./Software/Package/PkgName",
		"./Software/Package/PkgVersion",
		"./Software/Package/PkgURL",
		"./Software/Package/PkgSize",
		"./Software/Package/PkgDesc",
		"./Software/Package/PkgChecksum",
		"./Software/Package/PkgInstallNotify",
		"./Software/Operations/Download",
		"./Software/Operations/DownloadAndInstall",
		"./Software/Operations/Install",
		"./Download/Status",
		"./Download/Progress",
	} {
		t.set(path, "", KindChr)
	}
	return t
}

// Get returns the value at path.
func (t *Tree) Get(path string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.lookup(path)
	if n == nil {
		return "", ErrNotFound
	}
	return n.value, nil
}

// Exists reports whether the path is present.
func (t *Tree) Exists(path string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lookup(path) != nil
}

// Set writes a chr leaf at path, creating interior nodes as needed.
func (t *Tree) Set(path, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.set(path, value, KindChr)
}

// Delete removes the node at path, with its subtree.
func (t *Tree) Delete(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	parts := splitPath(path)
	if len(parts) == 0 {
		return ErrNotFound
	}
	cur := t.root
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur.children[part]
		if !ok {
			return ErrNotFound
		}
		cur = next
	}
	leaf := parts[len(parts)-1]
	if _, ok := cur.children[leaf]; !ok {
		return ErrNotFound
	}
	delete(cur.children, leaf)
	return nil
}

// List returns the sorted child names under path.
func (t *Tree) List(path string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.lookup(path)
	if n == nil {
		return nil, ErrNotFound
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DevInfoPaths are the identity leaves queried from every device at
// session start.
func DevInfoPaths() []string {
	return []string{
		"./DevInfo/DevId",
		"./DevInfo/Man",
		"./DevInfo/Mod",
		"./DevInfo/FwV",
		"./DevInfo/SwV",
		"./DevInfo/HwV",
		"./Software/Build",
	}
}

func (t *Tree) lookup(path string) *node {
	cur := t.root
	for _, part := range splitPath(path) {
		next, ok := cur.children[part]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

func (t *Tree) set(path, value string, kind Kind) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return
	}
	cur := t.root
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur.children[part]
		if !ok {
			next = &node{kind: KindNode, children: make(map[string]*node)}
			cur.children[part] = next
		}
		cur = next
	}
	leaf := parts[len(parts)-1]
	if existing, ok := cur.children[leaf]; ok {
		existing.value = value
		existing.kind = kind
		return
	}
	cur.children[leaf] = &node{value: value, kind: kind, children: make(map[string]*node)}
}

func splitPath(path string) []string {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "./")
	path = strings.TrimPrefix(path, ".")
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
