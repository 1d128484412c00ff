// internal/snapshot/elements.go
package snapshot

import (
	"strings"

	"github.com/xkilldash9x/formmapper/api/schemas"
)

// placeholderOptions are option labels that stand for "nothing chosen".
var placeholderOptions = map[string]bool{
	"select":        true,
	"choose":        true,
	"select one":    true,
	"please select": true,
	"--":            true,
}

// IsPlaceholderOption reports whether an option is a prompt rather than a real choice.
func IsPlaceholderOption(o schemas.Option) bool {
	if strings.TrimSpace(o.Value) == "" {
		return true
	}
	label := strings.ToLower(strings.TrimSpace(o.Label))
	if label == "" {
		return false
	}
	if label != "--" {
		label = strings.TrimRight(label, ".…:")
	}
	return placeholderOptions[label]
}

// RealOptions returns the enabled, non-placeholder option values.
func RealOptions(n *schemas.Node) []string {
	var out []string
	for _, o := range n.Options {
		if o.Disabled || IsPlaceholderOption(o) {
			continue
		}
		out = append(out, o.Value)
	}
	return out
}

// DefaultAction infers how a field is operated from its element.
func DefaultAction(n *schemas.Node) schemas.ActionType {
	if n == nil {
		return ""
	}
	if n.ContextID != "" {
		return schemas.ActionEnterContext
	}
	switch n.Tag {
	case "select":
		return schemas.ActionChooseOption
	case "textarea":
		return schemas.ActionEnterText
	case "input":
		switch strings.ToLower(n.Attr("type")) {
		case "checkbox", "radio":
			return schemas.ActionToggle
		case "submit", "button", "reset", "image":
			return schemas.ActionClick
		default:
			return schemas.ActionEnterText
		}
	}
	if _, ok := n.Attributes["aria-haspopup"]; ok {
		return schemas.ActionHover
	}
	switch n.Role {
	case "checkbox", "radio", "switch":
		return schemas.ActionToggle
	case "combobox", "listbox":
		return schemas.ActionChooseOption
	case "textbox":
		return schemas.ActionEnterText
	}
	return schemas.ActionClick
}

// Describe returns the human-facing description of a node: label, then
// placeholder, aria-label, name and text.
func Describe(n *schemas.Node) string {
	if n == nil {
		return ""
	}
	for _, s := range []string{n.Label, n.Attr("placeholder"), n.Attr("aria-label"), n.Attr("name"), n.Text} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// FieldName picks the identifier used for a node in the artifact.
func FieldName(n *schemas.Node) string {
	for _, s := range []string{n.Attr("name"), n.Attr("id"), n.Attr("aria-label"), n.Label, n.Text} {
		if s = strings.TrimSpace(s); s != "" && s != "__VOLATILE__" {
			return s
		}
	}
	return n.Locator
}

// Find returns the first node with the given locator in the given frame.
func Find(snap *schemas.Snapshot, framePath []string, locator string) *schemas.Node {
	var found *schemas.Node
	snap.Walk(func(n *schemas.Node) bool {
		if n.Locator == locator && schemas.PathEqual(n.FramePath, framePath) {
			found = n
			return false
		}
		return true
	})
	return found
}

// InFrame returns every node that lives directly in the given frame.
func InFrame(snap *schemas.Snapshot, framePath []string) []*schemas.Node {
	var out []*schemas.Node
	snap.Walk(func(n *schemas.Node) bool {
		if schemas.PathEqual(n.FramePath, framePath) {
			out = append(out, n)
		}
		return true
	})
	return out
}

// Host returns the node hosting contextID inside framePath, if present.
func Host(snap *schemas.Snapshot, framePath []string, contextID string) *schemas.Node {
	var found *schemas.Node
	snap.Walk(func(n *schemas.Node) bool {
		if n.ContextID == contextID && schemas.PathEqual(n.FramePath, framePath) {
			found = n
			return false
		}
		return true
	})
	return found
}
