// internal/snapshot/locator.go
package snapshot

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/formmapper/api/schemas"
)

// IDLocator returns the anchor locator for an element id.
func IDLocator(id string) string {
	return fmt.Sprintf(`//*[@id='%s']`, id)
}

// locatorBuilder produces XPath locators relative to the root of one rendering
// context. Elements with a unique, stable id anchor the path, as do their
// descendants; everything else gets an indexed path from the nearest anchor.
type locatorBuilder struct {
	idCounts map[string]int
	volatile func(string) bool
}

func newLocatorBuilder(children []*schemas.RawNode, volatile func(string) bool) *locatorBuilder {
	b := &locatorBuilder{idCounts: make(map[string]int), volatile: volatile}
	var count func(nodes []*schemas.RawNode)
	count = func(nodes []*schemas.RawNode) {
		for _, n := range nodes {
			if n == nil {
				continue
			}
			if id := n.Attributes["id"]; id != "" {
				b.idCounts[id]++
			}
			// Ids inside nested contexts live in a different document.
			count(n.Children)
		}
	}
	count(children)
	return b
}

// anchorable reports whether the id can stand in for the full path.
func (b *locatorBuilder) anchorable(id string) bool {
	return id != "" && b.idCounts[id] == 1 && !strings.ContainsAny(id, `'"`) && !b.volatile(id)
}

// child computes the locator of node given its parent's locator and its sibling index.
func (b *locatorBuilder) child(parent string, node *schemas.RawNode, index int) string {
	if id := node.Attributes["id"]; b.anchorable(id) {
		return IDLocator(id)
	}
	return fmt.Sprintf("%s/%s[%d]", parent, strings.ToLower(node.Tag), index)
}

// siblingIndexes returns the 1-based XPath position of each node among same-tag siblings.
func siblingIndexes(nodes []*schemas.RawNode) []int {
	seen := make(map[string]int, len(nodes))
	out := make([]int, len(nodes))
	for i, n := range nodes {
		if n == nil {
			continue
		}
		tag := strings.ToLower(n.Tag)
		seen[tag]++
		out[i] = seen[tag]
	}
	return out
}

// IsXPathContextID reports whether a context id is a locator rather than an id or name.
func IsXPathContextID(contextID string) bool {
	return strings.HasPrefix(contextID, "/") || strings.HasPrefix(contextID, ".")
}
