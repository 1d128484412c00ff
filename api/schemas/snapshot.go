// File: api/schemas/snapshot.go
package schemas

import (
	"fmt"
	"strings"
	"time"
)

// ContextKind identifies the kind of nested rendering context a host node opens.
type ContextKind string

const (
	ContextFrame  ContextKind = "frame"
	ContextShadow ContextKind = "shadow"
)

// Option is one selectable value of a choice control.
type Option struct {
	Value    string `json:"value"`
	Label    string `json:"label,omitempty"`
	Selected bool   `json:"selected,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

// RawContext is a nested document or shadow tree captured below a host element.
type RawContext struct {
	Kind ContextKind `json:"kind"`
	// Accessible is false for cross-origin frames whose content cannot be read.
	Accessible bool       `json:"accessible"`
	Children   []*RawNode `json:"children,omitempty"`
}

// RawNode is an element as captured by a driver, before normalization.
type RawNode struct {
	Tag        string            `json:"tag"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Text       string            `json:"text,omitempty"`
	Label      string            `json:"label,omitempty"` // Text of an associated <label>, if the driver resolved one.
	Value      string            `json:"value,omitempty"`
	Checked    bool              `json:"checked,omitempty"`
	Visible    bool              `json:"visible"`
	Options    []Option          `json:"options,omitempty"`
	Children   []*RawNode        `json:"children,omitempty"`
	Context    *RawContext       `json:"context,omitempty"`
}

// RawDocument is the driver's capture of a scope, including nested contexts.
type RawDocument struct {
	URL        string    `json:"url"`
	Title      string    `json:"title,omitempty"`
	Root       *RawNode  `json:"root"`
	CapturedAt time.Time `json:"capturedAt"`
}

// Node is a normalized element of a Snapshot.
type Node struct {
	ID          string            `json:"id"`
	Tag         string            `json:"tag"`
	Role        string            `json:"role,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Label       string            `json:"label,omitempty"`
	Text        string            `json:"text,omitempty"`
	Value       string            `json:"value,omitempty"`
	Checked     bool              `json:"checked,omitempty"`
	Options     []Option          `json:"options,omitempty"`
	Visible     bool              `json:"visible"`
	Interactive bool              `json:"interactive"`
	FramePath   []string          `json:"framePath,omitempty"`
	Locator     string            `json:"locator"`
	ContextID   string            `json:"contextId,omitempty"`
	ContextKind ContextKind       `json:"contextKind,omitempty"`
	ContentHash string            `json:"contentHash"`
	Children    []*Node           `json:"children,omitempty"`
}

// Attr returns an attribute value or the empty string.
func (n *Node) Attr(key string) string {
	if n == nil || n.Attributes == nil {
		return ""
	}
	return n.Attributes[key]
}

// Snapshot is the normalized structural capture of the rendered document.
type Snapshot struct {
	URL        string    `json:"url"`
	Title      string    `json:"title,omitempty"`
	Scope      []string  `json:"scope,omitempty"`
	Root       *Node     `json:"root"`
	Truncated  bool      `json:"truncated,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
}

// Walk visits every node in document order. Returning false stops the walk.
func (s *Snapshot) Walk(fn func(n *Node) bool) {
	if s == nil || s.Root == nil {
		return
	}
	var visit func(n *Node) bool
	visit = func(n *Node) bool {
		if !fn(n) {
			return false
		}
		for _, c := range n.Children {
			if !visit(c) {
				return false
			}
		}
		return true
	}
	visit(s.Root)
}

// Nodes flattens the tree in document order.
func (s *Snapshot) Nodes() []*Node {
	var out []*Node
	s.Walk(func(n *Node) bool {
		out = append(out, n)
		return true
	})
	return out
}

// VisibleInteractive returns the nodes an interpretation can act on.
func (s *Snapshot) VisibleInteractive() []*Node {
	var out []*Node
	s.Walk(func(n *Node) bool {
		if n.Visible && n.Interactive {
			out = append(out, n)
		}
		return true
	})
	return out
}

// IsEmpty reports whether the snapshot has no body content, which usually means a blank or broken page.
func (s *Snapshot) IsEmpty() bool {
	if s == nil || s.Root == nil {
		return true
	}
	count := 0
	s.Walk(func(n *Node) bool {
		switch n.Tag {
		case "html", "head", "body", "title", "meta", "script", "style", "link":
		default:
			count++
		}
		return count == 0
	})
	return count == 0
}

// Validate checks that every node's frame path extends its parent's consistently.
func (s *Snapshot) Validate() error {
	if s == nil || s.Root == nil {
		return nil
	}
	var check func(parent, n *Node) error
	check = func(parent, n *Node) error {
		if parent != nil {
			want := parent.FramePath
			if parent.ContextID != "" {
				want = append(append([]string(nil), parent.FramePath...), parent.ContextID)
			}
			if !PathEqual(want, n.FramePath) {
				return fmt.Errorf("node %s: frame path %v does not extend parent path %v", n.ID, n.FramePath, want)
			}
		}
		for _, c := range n.Children {
			if err := check(n, c); err != nil {
				return err
			}
		}
		return nil
	}
	return check(nil, s.Root)
}

// PathEqual compares two frame paths; nil and empty are equal.
func PathEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// PathString renders a frame path for logs and keys.
func PathString(p []string) string {
	if len(p) == 0 {
		return "/"
	}
	return "/" + strings.Join(p, "/")
}

// ClonePath copies a frame path, keeping nil for the top document.
func ClonePath(p []string) []string {
	if len(p) == 0 {
		return nil
	}
	return append([]string(nil), p...)
}
