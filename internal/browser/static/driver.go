// Package static implements the mapper's driver over parsed HTML, without a browser.
//
// Nested contexts come from iframe srcdoc (or same-origin src) documents and
// declarative shadow roots (<template shadowrootmode>). Visibility follows the
// hidden attribute, inline display/visibility styles, data-visible-when CEL
// predicates over the current field values and data-reveal-on-hover markers.
// Clicking an element with data-reveals="id ..." un-hides those elements, and
// clicking a link navigates.
package static

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/antchfx/htmlquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/formmapper/api/schemas"
	"github.com/xkilldash9x/formmapper/internal/condition"
	"github.com/xkilldash9x/formmapper/internal/snapshot"
)

// maxNesting bounds context materialization for self-referencing documents.
const maxNesting = 16

// Op names a driver operation for fault injection.
type Op string

const (
	OpCapture Op = "capture"
	OpClick   Op = "click"
	OpType    Op = "type"
	OpChoose  Op = "choose"
	OpToggle  Op = "toggle"
	OpHover   Op = "hover"
	OpRead    Op = "read"
	OpEnter   Op = "enter-context"
	OpExit    Op = "exit-context"
	OpReset   Op = "reset"
)

// FaultFunc runs before every operation. A non-nil error is returned from the
// operation unchanged. It may call Mutate to change the page.
type FaultFunc func(op Op, scope []string, target string) error

// Option configures a Driver.
type Option func(*Driver)

// WithFault installs a fault hook.
func WithFault(f FaultFunc) Option {
	return func(d *Driver) { d.fault = f }
}

// WithEvaluator shares a predicate evaluator.
func WithEvaluator(ev *condition.Evaluator) Option {
	return func(d *Driver) { d.eval = ev }
}

// frameDoc is one rendering context: the top document, a frame document or a shadow tree.
type frameDoc struct {
	kind       schemas.ContextKind
	root       *html.Node
	host       *html.Node
	parent     *frameDoc
	children   []*frameDoc
	accessible bool
	url        string
}

// Driver is a schemas.Driver over static HTML.
type Driver struct {
	logger *zap.Logger
	load   Loader
	eval   *condition.Evaluator
	fault  FaultFunc

	mu       sync.Mutex
	url      string
	top      *frameDoc
	contexts map[*html.Node]*frameDoc
	stack    []*frameDoc
	ids      []string
	hovered  string
	closed   bool
}

var _ schemas.Driver = (*Driver)(nil)

// New creates a driver. No page is loaded until ResetToCheckpoint.
func New(logger *zap.Logger, load Loader, opts ...Option) (*Driver, error) {
	d := &Driver{logger: logger.Named("static_driver"), load: load}
	for _, opt := range opts {
		opt(d)
	}
	if d.eval == nil {
		ev, err := condition.NewEvaluator()
		if err != nil {
			return nil, err
		}
		d.eval = ev
	}
	return d, nil
}

// Mutate runs fn against the root of the context at scope, under the driver lock
// when called from outside a fault hook.
func (d *Driver) Mutate(scope []string, fn func(root *html.Node)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mutateLocked(scope, fn)
}

func (d *Driver) mutateLocked(scope []string, fn func(root *html.Node)) error {
	fd, err := d.contextAtLocked(scope)
	if err != nil {
		return err
	}
	fn(fd.root)
	return nil
}

// MutateInHook is Mutate for use inside a FaultFunc, where the lock is already held.
func (d *Driver) MutateInHook(scope []string, fn func(root *html.Node)) error {
	return d.mutateLocked(scope, fn)
}

func (d *Driver) check(op Op, scope []string, target string) error {
	if d.closed {
		return fmt.Errorf("driver closed: %w", schemas.ErrPageUnavailable)
	}
	if d.top == nil && op != OpReset {
		return fmt.Errorf("no page loaded: %w", schemas.ErrPageUnavailable)
	}
	if d.fault != nil {
		return d.fault(op, scope, target)
	}
	return nil
}

// -- Loading --

func (d *Driver) loadLocked(ctx context.Context, rawURL string) error {
	src, err := d.load(ctx, rawURL)
	if err != nil {
		return fmt.Errorf("load %s: %w: %w", rawURL, schemas.ErrPageUnavailable, err)
	}
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return fmt.Errorf("parse %s: %w: %w", rawURL, schemas.ErrPageUnavailable, err)
	}
	d.url = rawURL
	d.contexts = make(map[*html.Node]*frameDoc)
	d.top = &frameDoc{kind: schemas.ContextFrame, root: root, accessible: true, url: rawURL}
	d.stack, d.ids, d.hovered = nil, nil, ""
	d.materialize(ctx, d.top, 0)
	d.logger.Debug("Page loaded.", zap.String("url", rawURL), zap.Int("contexts", len(d.contexts)))
	return nil
}

func (d *Driver) materialize(ctx context.Context, fd *frameDoc, depth int) {
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if tpl := shadowTemplate(n); tpl != nil {
				d.attachShadow(ctx, fd, n, tpl, depth)
			}
			if n.Data == "iframe" || n.Data == "frame" {
				d.attachFrame(ctx, fd, n, depth)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(fd.root)
}

func shadowTemplate(n *html.Node) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "template" && (hasAttr(c, "shadowrootmode") || hasAttr(c, "shadowroot")) {
			return c
		}
	}
	return nil
}

func (d *Driver) attachShadow(ctx context.Context, fd *frameDoc, host, tpl *html.Node, depth int) {
	mode := attr(tpl, "shadowrootmode")
	if mode == "" {
		mode = attr(tpl, "shadowroot")
	}
	frag := &html.Node{Type: html.DocumentNode}
	for c := tpl.FirstChild; c != nil; {
		next := c.NextSibling
		tpl.RemoveChild(c)
		frag.AppendChild(c)
		c = next
	}
	host.RemoveChild(tpl)

	child := &frameDoc{kind: schemas.ContextShadow, root: frag, host: host, parent: fd, accessible: strings.EqualFold(mode, "open"), url: fd.url}
	d.register(fd, child)
	if child.accessible && depth < maxNesting {
		d.materialize(ctx, child, depth+1)
	}
}

func (d *Driver) attachFrame(ctx context.Context, fd *frameDoc, host *html.Node, depth int) {
	child := &frameDoc{kind: schemas.ContextFrame, host: host, parent: fd}
	d.register(fd, child)
	if depth >= maxNesting {
		return
	}

	var src string
	if hasAttr(host, "srcdoc") {
		src = attr(host, "srcdoc")
		child.url = "about:srcdoc"
	} else if ref := attr(host, "src"); ref != "" {
		target, ok := sameOrigin(fd.url, ref)
		if !ok {
			return
		}
		body, err := d.load(ctx, target)
		if err != nil {
			d.logger.Debug("Frame source unavailable.", zap.String("src", target), zap.Error(err))
			return
		}
		src, child.url = body, target
	} else {
		return
	}

	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return
	}
	child.root = root
	child.accessible = true
	d.materialize(ctx, child, depth+1)
}

func (d *Driver) register(parent, child *frameDoc) {
	d.contexts[child.host] = child
	parent.children = append(parent.children, child)
}

func sameOrigin(base, ref string) (string, bool) {
	b, err := url.Parse(base)
	if err != nil {
		return "", false
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	abs := b.ResolveReference(r)
	return abs.String(), abs.Scheme == b.Scheme && abs.Host == b.Host
}

// -- Contexts --

// hostFor finds the context with contextID directly inside fd. The id is
// matched the way snapshots name contexts: id attribute, name attribute, or
// the host's locator.
func hostFor(fd *frameDoc, contextID string) *frameDoc {
	for _, c := range fd.children {
		if snapshot.ContextID(attrMap(c.host), "") == contextID {
			return c
		}
	}
	if snapshot.IsXPathContextID(contextID) && fd.root != nil {
		n, err := htmlquery.Query(fd.root, contextID)
		if err == nil && n != nil {
			for _, c := range fd.children {
				if c.host == n {
					return c
				}
			}
		}
	}
	return nil
}

func (d *Driver) contextAtLocked(scope []string) (*frameDoc, error) {
	fd := d.top
	if fd == nil {
		return nil, fmt.Errorf("no page loaded: %w", schemas.ErrPageUnavailable)
	}
	for _, id := range scope {
		next := hostFor(fd, id)
		if next == nil || !next.accessible {
			return nil, fmt.Errorf("context %q under %s: %w", id, fd.url, schemas.ErrContextNotFound)
		}
		fd = next
	}
	return fd, nil
}

func (d *Driver) current() *frameDoc {
	if len(d.stack) == 0 {
		return d.top
	}
	return d.stack[len(d.stack)-1]
}

// EnterContext descends into the context hosted in the current scope.
func (d *Driver) EnterContext(_ context.Context, contextID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(OpEnter, d.ids, contextID); err != nil {
		return err
	}
	child := hostFor(d.current(), contextID)
	if child == nil {
		return fmt.Errorf("no context %q in %s: %w", contextID, schemas.PathString(d.ids), schemas.ErrContextNotFound)
	}
	if !child.accessible {
		return fmt.Errorf("context %q is not accessible: %w", contextID, schemas.ErrContextNotFound)
	}
	d.stack = append(d.stack, child)
	d.ids = append(schemas.ClonePath(d.ids), contextID)
	return nil
}

// ExitContext returns to the parent scope.
func (d *Driver) ExitContext(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(OpExit, d.ids, ""); err != nil {
		return err
	}
	if len(d.stack) == 0 {
		return schemas.ErrContextNotOpened
	}
	d.stack = d.stack[:len(d.stack)-1]
	d.ids = schemas.ClonePath(d.ids[:len(d.ids)-1])
	return nil
}

// CurrentScope returns the ids of the contexts entered, outermost first.
func (d *Driver) CurrentScope(context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return schemas.ClonePath(d.ids), nil
}

// CurrentURL returns the URL of the top document.
func (d *Driver) CurrentURL(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.top == nil {
		return "", schemas.ErrPageUnavailable
	}
	return d.url, nil
}

// ResetToCheckpoint reloads url from its source, discarding all page state.
func (d *Driver) ResetToCheckpoint(ctx context.Context, rawURL string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(OpReset, nil, rawURL); err != nil {
		return err
	}
	return d.loadLocked(ctx, rawURL)
}

// Close releases the page. Later calls fail with ErrPageUnavailable.
func (d *Driver) Close(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.top, d.contexts, d.stack, d.ids = nil, nil, nil, nil
	return nil
}

// -- Capture --

var skippedTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"meta": true, "link": true, "option": true, "optgroup": true,
}

// Capture renders the context at scope, including nested contexts, as a RawDocument.
func (d *Driver) Capture(_ context.Context, scope []string) (*schemas.RawDocument, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(OpCapture, scope, ""); err != nil {
		return nil, err
	}
	fd, err := d.contextAtLocked(scope)
	if err != nil {
		return nil, err
	}

	doc := &schemas.RawDocument{URL: d.url, CapturedAt: now()}
	if t := htmlquery.FindOne(d.top.root, "//title"); t != nil {
		doc.Title = strings.TrimSpace(htmlquery.InnerText(t))
	}
	roots := elementChildren(fd.root)
	if len(roots) == 0 {
		return doc, nil
	}
	if len(roots) > 1 {
		d.logger.Debug("Scoped capture of a multi-root shadow tree keeps the first root.", zap.Strings("scope", scope))
	}
	fields := d.fieldValuesLocked()
	doc.Root = d.raw(fd, roots[0], fields)
	return doc, nil
}

func (d *Driver) raw(fd *frameDoc, n *html.Node, fields map[string]string) *schemas.RawNode {
	tag := strings.ToLower(n.Data)
	r := &schemas.RawNode{
		Tag:        tag,
		Attributes: attrMap(n),
		Text:       ownText(n),
		Visible:    d.visibleLocked(n, fields),
	}
	switch tag {
	case "input":
		r.Value = attr(n, "value")
		r.Checked = hasAttr(n, "checked")
		r.Label = labelFor(fd.root, n)
	case "textarea":
		r.Value = htmlquery.InnerText(n)
		r.Label = labelFor(fd.root, n)
	case "select":
		r.Options = options(n)
		r.Value = selectedValue(n)
		r.Label = labelFor(fd.root, n)
	default:
		if attr(n, "role") != "" {
			r.Label = labelFor(fd.root, n)
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || skippedTags[strings.ToLower(c.Data)] {
			continue
		}
		r.Children = append(r.Children, d.raw(fd, c, fields))
	}

	if child := d.contexts[n]; child != nil {
		r.Context = &schemas.RawContext{Kind: child.kind, Accessible: child.accessible}
		if child.accessible {
			for _, c := range elementChildren(child.root) {
				r.Context.Children = append(r.Context.Children, d.raw(child, c, fields))
			}
		}
	}
	return r
}

// visibleLocked reports the element's own visibility; ancestors are not consulted.
func (d *Driver) visibleLocked(n *html.Node, fields map[string]string) bool {
	if hasAttr(n, "hidden") {
		return false
	}
	style := strings.ReplaceAll(strings.ToLower(attr(n, "style")), " ", "")
	if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
		return false
	}
	if n.Data == "input" && strings.EqualFold(attr(n, "type"), "hidden") {
		return false
	}
	if expr := attr(n, "data-visible-when"); expr != "" {
		ok, err := d.eval.Eval(expr, fields)
		if err != nil || !ok {
			return false
		}
	}
	if h := attr(n, "data-reveal-on-hover"); h != "" && h != d.hovered {
		return false
	}
	return true
}

// effectiveVisible checks the element, its ancestors and the hosts of every enclosing context.
func (d *Driver) effectiveVisible(fd *frameDoc, n *html.Node) bool {
	fields := d.fieldValuesLocked()
	for {
		for p := n; p != nil; p = p.Parent {
			if p.Type == html.ElementNode && !d.visibleLocked(p, fields) {
				return false
			}
		}
		if fd.host == nil {
			return true
		}
		n, fd = fd.host, fd.parent
	}
}

// fieldValuesLocked maps every control's name (or id) to its current value
// across all accessible contexts.
func (d *Driver) fieldValuesLocked() map[string]string {
	out := make(map[string]string)
	var collect func(fd *frameDoc)
	collect = func(fd *frameDoc) {
		if !fd.accessible || fd.root == nil {
			return
		}
		for _, n := range htmlquery.Find(fd.root, "//input|//select|//textarea") {
			key := attr(n, "name")
			if key == "" {
				key = attr(n, "id")
			}
			if key == "" {
				continue
			}
			switch n.Data {
			case "select":
				out[key] = selectedValue(n)
			case "textarea":
				out[key] = htmlquery.InnerText(n)
			default:
				switch strings.ToLower(attr(n, "type")) {
				case "checkbox":
					if hasAttr(n, "checked") {
						out[key] = checkedValue(n)
					} else if _, set := out[key]; !set {
						out[key] = "false"
					}
				case "radio":
					if hasAttr(n, "checked") {
						out[key] = attr(n, "value")
					}
				default:
					out[key] = attr(n, "value")
				}
			}
		}
		for _, c := range fd.children {
			collect(c)
		}
	}
	collect(d.top)
	return out
}

func checkedValue(n *html.Node) string {
	if v := attr(n, "value"); v != "" && v != "on" {
		return v
	}
	return "true"
}
