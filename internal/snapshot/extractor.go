// internal/snapshot/extractor.go
package snapshot

import (
	"context"
	"fmt"
	"hash"
	"hash/fnv"
	"html"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formmapper/api/schemas"
	"github.com/xkilldash9x/formmapper/internal/config"
	"github.com/xkilldash9x/formmapper/internal/normalize"
)

var hasherPool = sync.Pool{
	New: func() interface{} { return fnv.New64a() },
}

// Extractor turns a driver capture into a normalized Snapshot.
type Extractor struct {
	logger          *zap.Logger
	normalizer      *normalize.Normalizer
	sanitizer       *bluemonday.Policy
	maxContextDepth int
	maxTextLength   int
}

// NewExtractor builds an extractor from the snapshot configuration.
func NewExtractor(logger *zap.Logger, cfg config.SnapshotConfig) (*Extractor, error) {
	rules, err := normalize.CompileRules(cfg.VolatileAttributes, cfg.VolatileValues)
	if err != nil {
		return nil, err
	}
	depth := cfg.MaxContextDepth
	if depth <= 0 {
		depth = 8
	}
	return &Extractor{
		logger:          logger.Named("snapshot"),
		normalizer:      normalize.NewNormalizer(rules),
		sanitizer:       bluemonday.StrictPolicy(),
		maxContextDepth: depth,
		maxTextLength:   cfg.MaxTextLength,
	}, nil
}

// Normalizer exposes the attribute normalizer shared with the diff engine.
func (e *Extractor) Normalizer() *normalize.Normalizer { return e.normalizer }

// Capture reads the current document from the driver, rooted at scope.
func (e *Extractor) Capture(ctx context.Context, d schemas.Driver, scope []string) (*schemas.Snapshot, error) {
	raw, err := d.Capture(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("capture at %s: %w", schemas.PathString(scope), err)
	}
	snap := e.Build(raw, scope)
	if snap.Truncated {
		e.logger.Warn("Nested context depth limit reached; deeper contexts were not captured.",
			zap.String("scope", schemas.PathString(scope)), zap.Int("limit", e.maxContextDepth))
	}
	return snap, nil
}

// Build normalizes a raw capture. It never fails: malformed nodes are skipped.
func (e *Extractor) Build(raw *schemas.RawDocument, scope []string) *schemas.Snapshot {
	snap := &schemas.Snapshot{Scope: schemas.ClonePath(scope), CapturedAt: time.Now()}
	if raw == nil {
		return snap
	}
	snap.URL = raw.URL
	snap.Title = e.text(raw.Title)
	snap.CapturedAt = raw.CapturedAt
	if raw.Root == nil {
		return snap
	}

	w := &walk{e: e, snap: snap}
	lb := newLocatorBuilder([]*schemas.RawNode{raw.Root}, e.normalizer.IsVolatileValue)
	snap.Root = w.node(raw.Root, lb, "", 1, schemas.ClonePath(scope), len(scope), true)
	return snap
}

type walk struct {
	e    *Extractor
	snap *schemas.Snapshot
	seq  int
}

func (w *walk) node(r *schemas.RawNode, lb *locatorBuilder, parentLocator string, index int, framePath []string, depth int, parentVisible bool) *schemas.Node {
	e := w.e
	tag := strings.ToLower(r.Tag)
	attrs := e.normalizer.Attributes(tag, r.Attributes)

	n := &schemas.Node{
		ID:         "n" + strconv.Itoa(w.seq),
		Tag:        tag,
		Attributes: attrs,
		Label:      e.text(r.Label),
		Text:       e.text(r.Text),
		Value:      r.Value,
		Checked:    r.Checked,
		Visible:    r.Visible && parentVisible,
		FramePath:  schemas.ClonePath(framePath),
		Locator:    lb.child(parentLocator, r, index),
	}
	w.seq++
	n.Role = roleOf(tag, attrs)
	n.Interactive = isInteractive(tag, attrs)
	for _, o := range r.Options {
		o.Label = e.text(o.Label)
		n.Options = append(n.Options, o)
	}
	n.ContentHash = contentHash(n)

	idx := siblingIndexes(r.Children)
	for i, c := range r.Children {
		if c == nil || c.Tag == "" {
			continue
		}
		n.Children = append(n.Children, w.node(c, lb, n.Locator, idx[i], framePath, depth, n.Visible))
	}

	if r.Context != nil {
		n.ContextKind = r.Context.Kind
		n.ContextID = ContextID(r.Attributes, n.Locator)
		if !r.Context.Accessible {
			return n
		}
		if depth >= e.maxContextDepth {
			w.snap.Truncated = true
			return n
		}
		inner := append(schemas.ClonePath(framePath), n.ContextID)
		innerLB := newLocatorBuilder(r.Context.Children, e.normalizer.IsVolatileValue)
		cidx := siblingIndexes(r.Context.Children)
		for i, c := range r.Context.Children {
			if c == nil || c.Tag == "" {
				continue
			}
			n.Children = append(n.Children, w.node(c, innerLB, "", cidx[i], inner, depth+1, n.Visible))
		}
	}
	return n
}

// ContextID names the context hosted by an element: its id, else its name,
// else its locator.
func ContextID(attrs map[string]string, locator string) string {
	if id := strings.TrimSpace(attrs["id"]); id != "" {
		return id
	}
	if name := strings.TrimSpace(attrs["name"]); name != "" {
		return name
	}
	return locator
}

func (e *Extractor) text(s string) string {
	if s == "" {
		return ""
	}
	clean := html.UnescapeString(e.sanitizer.Sanitize(s))
	return normalize.Text(clean, e.maxTextLength)
}

// contentHash fingerprints the structural tuple of a single node.
func contentHash(n *schemas.Node) string {
	var sb strings.Builder
	sb.WriteString(n.Tag)
	keys := make([]string, 0, len(n.Attributes))
	for k := range n.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf(`[%s="%s"]`, k, n.Attributes[k]))
	}
	for _, o := range n.Options {
		sb.WriteString("{" + o.Value + "}")
	}
	if n.Visible {
		sb.WriteString("+v")
	}
	sb.WriteString("@" + schemas.PathString(n.FramePath))

	hasher := hasherPool.Get().(hash.Hash64)
	defer func() {
		hasher.Reset()
		hasherPool.Put(hasher)
	}()
	_, _ = hasher.Write([]byte(sb.String()))
	return strconv.FormatUint(hasher.Sum64(), 16)
}

var interactiveRoles = map[string]bool{
	"button": true, "checkbox": true, "radio": true, "combobox": true, "listbox": true,
	"option": true, "switch": true, "tab": true, "menuitem": true, "textbox": true, "link": true,
}

func isInteractive(tag string, attrs map[string]string) bool {
	if _, disabled := attrs["disabled"]; disabled {
		return false
	}
	switch tag {
	case "input":
		return !strings.EqualFold(attrs["type"], "hidden")
	case "select", "textarea", "button":
		return true
	case "a":
		return attrs["href"] != ""
	}
	if _, popup := attrs["aria-haspopup"]; popup {
		return true
	}
	return interactiveRoles[strings.ToLower(attrs["role"])]
}

func roleOf(tag string, attrs map[string]string) string {
	if r := attrs["role"]; r != "" {
		return strings.ToLower(r)
	}
	switch tag {
	case "select":
		return "combobox"
	case "textarea":
		return "textbox"
	case "button":
		return "button"
	case "a":
		if attrs["href"] != "" {
			return "link"
		}
	case "input":
		switch strings.ToLower(attrs["type"]) {
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "submit", "button", "reset", "image":
			return "button"
		case "hidden":
			return ""
		default:
			return "textbox"
		}
	case "iframe", "frame":
		return "document"
	}
	return ""
}
