package static

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/formmapper/api/schemas"
)

// target resolves locator in the driver's current context, which must be scope.
func (d *Driver) target(scope []string, locator string) (*frameDoc, *html.Node, error) {
	if !schemas.PathEqual(scope, d.ids) {
		return nil, nil, fmt.Errorf("driver is in %s, not %s: %w", schemas.PathString(d.ids), schemas.PathString(scope), schemas.ErrContextNotOpened)
	}
	fd := d.current()
	n, err := htmlquery.Query(fd.root, locator)
	if err != nil {
		return nil, nil, fmt.Errorf("locator %q: %w: %w", locator, schemas.ErrElementNotFound, err)
	}
	if n == nil {
		return nil, nil, fmt.Errorf("locator %q in %s: %w", locator, schemas.PathString(scope), schemas.ErrElementNotFound)
	}
	return fd, n, nil
}

func (d *Driver) interactable(fd *frameDoc, n *html.Node, locator string) error {
	if hasAttr(n, "disabled") {
		return fmt.Errorf("%q is disabled: %w", locator, schemas.ErrNotInteractable)
	}
	if !d.effectiveVisible(fd, n) {
		return fmt.Errorf("%q is not visible: %w", locator, schemas.ErrNotInteractable)
	}
	return nil
}

// actionable is target plus the interactability check, behind the fault hook.
func (d *Driver) actionable(op Op, scope []string, locator string) (*frameDoc, *html.Node, error) {
	if err := d.check(op, scope, locator); err != nil {
		return nil, nil, err
	}
	fd, n, err := d.target(scope, locator)
	if err != nil {
		return nil, nil, err
	}
	if err := d.interactable(fd, n, locator); err != nil {
		return nil, nil, err
	}
	return fd, n, nil
}

// Click activates an element: checkboxes and radios toggle, links navigate and
// data-reveals targets are shown.
func (d *Driver) Click(ctx context.Context, scope []string, locator string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	fd, n, err := d.actionable(OpClick, scope, locator)
	if err != nil {
		return err
	}

	if isCheckable(n) {
		return d.setChecked(fd, n, !hasAttr(n, "checked"))
	}
	if ids := strings.Fields(attr(n, "data-reveals")); len(ids) > 0 {
		for _, id := range ids {
			for _, t := range htmlquery.Find(fd.root, "//*[@id]") {
				if attr(t, "id") == id {
					removeAttr(t, "hidden")
				}
			}
		}
	}
	if n.Data == "a" {
		href := strings.TrimSpace(attr(n, "href"))
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			return nil
		}
		base, err := url.Parse(fd.url)
		if err != nil || fd.url == "about:srcdoc" {
			base, _ = url.Parse(d.url)
		}
		ref, err := url.Parse(href)
		if err != nil {
			return fmt.Errorf("bad href %q: %w", href, schemas.ErrNotInteractable)
		}
		return d.loadLocked(ctx, base.ResolveReference(ref).String())
	}
	return nil
}

// Type replaces the value of a text control.
func (d *Driver) Type(_ context.Context, scope []string, locator, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, n, err := d.actionable(OpType, scope, locator)
	if err != nil {
		return err
	}
	switch {
	case n.Data == "textarea":
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			n.RemoveChild(c)
			c = next
		}
		n.AppendChild(&html.Node{Type: html.TextNode, Data: value})
	case n.Data == "input" && isTextInput(n):
		setAttr(n, "value", value)
	case strings.EqualFold(attr(n, "contenteditable"), "true"), attr(n, "role") == "textbox":
		setAttr(n, "data-value", value)
	default:
		return fmt.Errorf("%q does not accept text: %w", locator, schemas.ErrNotInteractable)
	}
	return nil
}

// Choose selects an option of a select element, or the member of a radio or
// checkbox group whose value is option.
func (d *Driver) Choose(_ context.Context, scope []string, locator, option string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	fd, n, err := d.actionable(OpChoose, scope, locator)
	if err != nil {
		return err
	}

	if n.Data == "select" {
		var match *html.Node
		for _, o := range htmlquery.Find(n, ".//option") {
			if hasAttr(o, "disabled") {
				continue
			}
			if optionValue(o) == option || strings.TrimSpace(htmlquery.InnerText(o)) == option {
				match = o
				break
			}
		}
		if match == nil {
			return fmt.Errorf("%q has no option %q: %w", locator, option, schemas.ErrOptionNotFound)
		}
		for _, o := range htmlquery.Find(n, ".//option") {
			removeAttr(o, "selected")
		}
		setAttr(match, "selected", "")
		return nil
	}

	if isCheckable(n) {
		for _, m := range groupMembers(fd, n) {
			if attr(m, "value") == option {
				if err := d.interactable(fd, m, locator); err != nil {
					return err
				}
				return d.setChecked(fd, m, true)
			}
		}
		return fmt.Errorf("group of %q has no member %q: %w", locator, option, schemas.ErrOptionNotFound)
	}
	return fmt.Errorf("%q is not a choice control: %w", locator, schemas.ErrNotInteractable)
}

// Toggle sets a checkable element. An empty value flips it.
func (d *Driver) Toggle(_ context.Context, scope []string, locator, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	fd, n, err := d.actionable(OpToggle, scope, locator)
	if err != nil {
		return err
	}

	var want bool
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true":
		want = true
	case "false":
		want = false
	case "":
		want = !isChecked(n)
	default:
		return fmt.Errorf("toggle value %q: %w", value, schemas.ErrOptionNotFound)
	}

	if isCheckable(n) {
		return d.setChecked(fd, n, want)
	}
	switch attr(n, "role") {
	case "checkbox", "switch", "radio":
		setAttr(n, "aria-checked", fmt.Sprint(want))
		return nil
	}
	return fmt.Errorf("%q cannot be toggled: %w", locator, schemas.ErrNotInteractable)
}

// Hover marks the element as hovered, revealing data-reveal-on-hover elements that name its id.
func (d *Driver) Hover(_ context.Context, scope []string, locator string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, n, err := d.actionable(OpHover, scope, locator)
	if err != nil {
		return err
	}
	d.hovered = attr(n, "id")
	if d.hovered == "" {
		d.hovered = locator
	}
	return nil
}

// ReadValue returns the live value: text, selected option value, or "true"/"false" for checkables.
func (d *Driver) ReadValue(_ context.Context, scope []string, locator string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(OpRead, scope, locator); err != nil {
		return "", err
	}
	_, n, err := d.target(scope, locator)
	if err != nil {
		return "", err
	}
	switch {
	case isCheckable(n):
		return fmt.Sprint(hasAttr(n, "checked")), nil
	case n.Data == "select":
		return selectedValue(n), nil
	case n.Data == "textarea":
		return htmlquery.InnerText(n), nil
	case n.Data == "input":
		return attr(n, "value"), nil
	case hasAttr(n, "aria-checked"):
		return attr(n, "aria-checked"), nil
	case hasAttr(n, "data-value"):
		return attr(n, "data-value"), nil
	}
	return strings.TrimSpace(htmlquery.InnerText(n)), nil
}

func (d *Driver) setChecked(fd *frameDoc, n *html.Node, on bool) error {
	if !on {
		removeAttr(n, "checked")
		return nil
	}
	if strings.EqualFold(attr(n, "type"), "radio") {
		for _, m := range groupMembers(fd, n) {
			removeAttr(m, "checked")
		}
	}
	setAttr(n, "checked", "")
	return nil
}

// groupMembers returns the inputs of the same type sharing n's name in its context.
func groupMembers(fd *frameDoc, n *html.Node) []*html.Node {
	name, typ := attr(n, "name"), strings.ToLower(attr(n, "type"))
	if name == "" {
		return []*html.Node{n}
	}
	var out []*html.Node
	for _, m := range htmlquery.Find(fd.root, "//input") {
		if attr(m, "name") == name && strings.ToLower(attr(m, "type")) == typ {
			out = append(out, m)
		}
	}
	return out
}

func isCheckable(n *html.Node) bool {
	if n.Data != "input" {
		return false
	}
	t := strings.ToLower(attr(n, "type"))
	return t == "checkbox" || t == "radio"
}

func isChecked(n *html.Node) bool {
	if isCheckable(n) {
		return hasAttr(n, "checked")
	}
	return attr(n, "aria-checked") == "true"
}

func isTextInput(n *html.Node) bool {
	switch strings.ToLower(attr(n, "type")) {
	case "checkbox", "radio", "submit", "button", "reset", "image", "hidden", "file":
		return false
	}
	return true
}
