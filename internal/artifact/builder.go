// Package artifact assembles the mapping document of a run.
package artifact

import (
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formmapper/api/schemas"
	"github.com/xkilldash9x/formmapper/internal/condition"
	"github.com/xkilldash9x/formmapper/internal/frames"
)

type fieldKey struct {
	name  string
	frame string
}

func keyOf(name string, frame []string) fieldKey {
	return fieldKey{name: name, frame: schemas.PathString(frame)}
}

// observation records the states a field was seen in.
type observation struct {
	base     bool
	branches []string
}

type entry struct {
	schemas.MappingEntry
	key      fieldKey
	explicit string
	// transition marks enter/exit entries inserted by the builder.
	transition bool
}

// Builder is the append-only owner of a run's mapping document.
type Builder struct {
	logger *zap.Logger
	eval   *condition.Evaluator

	mu      sync.Mutex
	entries []entry
	index   map[fieldKey]int
	obs     map[fieldKey]*observation
	// path is the frame path the document is in after its last entry.
	path []string
}

// NewBuilder creates an empty builder.
func NewBuilder(logger *zap.Logger, eval *condition.Evaluator) *Builder {
	return &Builder{
		logger: logger.Named("artifact"),
		eval:   eval,
		index:  make(map[fieldKey]int),
		obs:    make(map[fieldKey]*observation),
	}
}

// Append adds an accepted step to the document. Context switches are not
// appended directly; the builder inserts them when an entry's frame context
// differs from the document's current path. A field already present (same
// name and frame context) is not appended again, but the branch it was seen
// on is recorded. It reports whether a new entry was added.
func (b *Builder) Append(rec schemas.FieldRecord, value string, branch []schemas.BranchChoice) bool {
	if rec.ActionType.IsContextSwitch() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	k := keyOf(rec.Name, rec.FrameContext)
	b.observeLocked(k, branch)
	if _, ok := b.index[k]; ok {
		return false
	}

	explicit := rec.VisibilityCondition
	if explicit != "" && b.eval != nil {
		if err := b.eval.Validate(explicit); err != nil {
			b.logger.Warn("Dropping invalid visibility condition.", zap.String("field", rec.Name), zap.Error(err))
			explicit = ""
		}
	}

	b.alignLocked(rec.FrameContext)
	b.index[k] = len(b.entries)
	b.entries = append(b.entries, entry{
		MappingEntry: schemas.MappingEntry{
			Name:         rec.Name,
			FrameContext: schemas.ClonePath(rec.FrameContext),
			Locator:      rec.Locator,
			ActionType:   rec.ActionType,
			Value:        value,
		},
		key:      k,
		explicit: explicit,
	})
	return true
}

// Observe records that a field is visible in the state reached by branch,
// without appending anything.
func (b *Builder) Observe(name string, frame []string, branch []schemas.BranchChoice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observeLocked(keyOf(name, frame), branch)
}

func (b *Builder) observeLocked(k fieldKey, branch []schemas.BranchChoice) {
	o, ok := b.obs[k]
	if !ok {
		o = &observation{}
		b.obs[k] = o
	}
	if len(branch) == 0 {
		o.base = true
		return
	}
	clauses := make([]string, 0, len(branch))
	for _, c := range branch {
		clauses = append(clauses, condition.Equals(c.Control, c.Option))
	}
	o.branches = append(o.branches, condition.All(clauses...))
}

// alignLocked inserts exit and enter entries moving the document to target.
func (b *Builder) alignLocked(target []string) {
	common := frames.Common(b.path, target)
	for len(b.path) > common {
		b.entries = append(b.entries, exitEntry(b.path))
		b.path = b.path[:len(b.path)-1]
	}
	for _, id := range target[common:] {
		b.entries = append(b.entries, enterEntry(b.path, id))
		b.path = append(schemas.ClonePath(b.path), id)
	}
}

func enterEntry(parent []string, id string) entry {
	return entry{transition: true, MappingEntry: schemas.MappingEntry{
		Name:         id,
		FrameContext: schemas.ClonePath(parent),
		Locator:      id,
		ActionType:   schemas.ActionEnterContext,
	}}
}

func exitEntry(inside []string) entry {
	id := inside[len(inside)-1]
	return entry{transition: true, MappingEntry: schemas.MappingEntry{
		Name:         id,
		FrameContext: schemas.ClonePath(inside),
		Locator:      id,
		ActionType:   schemas.ActionExitContext,
	}}
}

// CorrectLocator replaces the locator of an appended field after a stale-locator recovery.
func (b *Builder) CorrectLocator(name string, frame []string, locator string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.index[keyOf(name, frame)]
	if !ok {
		return false
	}
	b.logger.Debug("Correcting locator.", zap.String("field", name),
		zap.String("from", b.entries[i].Locator), zap.String("to", locator))
	b.entries[i].Locator = locator
	return true
}

// Len is the number of field entries, excluding context switches.
func (b *Builder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.index)
}

// Tail returns the last n entries of the document as it stands, for oracle context.
func (b *Builder) Tail(n int) []schemas.MappingEntry {
	doc := b.Document().Entries
	if n <= 0 {
		return nil
	}
	if len(doc) > n {
		doc = doc[len(doc)-n:]
	}
	return doc
}

// Document renders the mapping document. Open contexts are closed and
// visibility conditions are resolved; the builder itself is not modified.
func (b *Builder) Document() schemas.MappingDocument {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]schemas.MappingEntry, 0, len(b.entries)+len(b.path))
	for _, e := range b.entries {
		me := e.MappingEntry
		me.FrameContext = schemas.ClonePath(me.FrameContext)
		if !e.transition {
			me.VisibilityCondition = b.conditionLocked(e)
		}
		out = append(out, me)
	}
	path := schemas.ClonePath(b.path)
	for len(path) > 0 {
		out = append(out, exitEntry(path).MappingEntry)
		path = path[:len(path)-1]
	}
	return schemas.MappingDocument{Entries: out}
}

func (b *Builder) conditionLocked(e entry) *string {
	if e.explicit != "" {
		c := e.explicit
		return &c
	}
	o := b.obs[e.key]
	if o == nil || o.base || len(o.branches) == 0 {
		return nil
	}
	c := condition.Any(o.branches...)
	return &c
}
