package static

import (
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/formmapper/api/schemas"
)

var now = time.Now

func attr(n *html.Node, key string) string {
	return htmlquery.SelectAttr(n, key)
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != key {
			out = append(out, a)
		}
	}
	n.Attr = out
}

func attrMap(n *html.Node) map[string]string {
	if len(n.Attr) == 0 {
		return nil
	}
	m := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		m[a.Key] = a.Val
	}
	return m
}

func elementChildren(n *html.Node) []*html.Node {
	if n == nil {
		return nil
	}
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, c)
		}
	}
	return out
}

// ownText joins the element's direct text children with collapsed whitespace.
func ownText(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
			sb.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// labelFor resolves the accessible label of a control: aria-label, a
// <label for>, a wrapping <label>, placeholder, then title.
func labelFor(root, n *html.Node) string {
	if v := strings.TrimSpace(attr(n, "aria-label")); v != "" {
		return v
	}
	if id := attr(n, "id"); id != "" {
		for _, l := range htmlquery.Find(root, "//label[@for]") {
			if attr(l, "for") == id {
				if t := collapse(htmlquery.InnerText(l)); t != "" {
					return t
				}
			}
		}
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == "label" {
			if t := ownText(p); t != "" {
				return t
			}
			break
		}
	}
	if v := strings.TrimSpace(attr(n, "placeholder")); v != "" {
		return v
	}
	return strings.TrimSpace(attr(n, "title"))
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func optionValue(o *html.Node) string {
	if hasAttr(o, "value") {
		return attr(o, "value")
	}
	return collapse(htmlquery.InnerText(o))
}

func options(sel *html.Node) []schemas.Option {
	var out []schemas.Option
	for _, o := range htmlquery.Find(sel, ".//option") {
		out = append(out, schemas.Option{
			Value:    optionValue(o),
			Label:    collapse(htmlquery.InnerText(o)),
			Selected: hasAttr(o, "selected"),
			Disabled: hasAttr(o, "disabled"),
		})
	}
	return out
}

// selectedValue mirrors browser behavior: the selected option, else the first enabled one.
func selectedValue(sel *html.Node) string {
	opts := htmlquery.Find(sel, ".//option")
	for _, o := range opts {
		if hasAttr(o, "selected") {
			return optionValue(o)
		}
	}
	for _, o := range opts {
		if !hasAttr(o, "disabled") {
			return optionValue(o)
		}
	}
	return ""
}
