package orchestrator

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formmapper/api/schemas"
	"github.com/xkilldash9x/formmapper/internal/config"
	"github.com/xkilldash9x/formmapper/internal/diff"
	"github.com/xkilldash9x/formmapper/internal/snapshot"
)

// branchPoint is a control whose options are explored as separate branches.
type branchPoint struct {
	key     string
	control string
	frame   []string
	locator string
	action  schemas.ActionType
	options []string
	// members maps an option to the locator of its radio or checkbox group member.
	members map[string]string
}

func branchKey(control string, frame []string) string {
	return control + "@" + schemas.PathString(frame)
}

func (bp *branchPoint) choice(option string) schemas.BranchChoice {
	c := schemas.BranchChoice{
		Control:      bp.control,
		Locator:      bp.locator,
		FrameContext: schemas.ClonePath(bp.frame),
		ActionType:   bp.action,
		Option:       option,
	}
	if loc, ok := bp.members[option]; ok {
		c.Locator = loc
		c.ActionType = schemas.ActionToggle
	}
	return c
}

func pathSignature(path []schemas.BranchChoice) string {
	if len(path) == 0 {
		return "(root)"
	}
	parts := make([]string, len(path))
	for i, c := range path {
		parts[i] = c.Control + "=" + c.Option
	}
	return strings.Join(parts, "/")
}

// pop takes the next task: the oldest for breadth-first, the newest for depth-first.
func (r *run) pop() *task {
	var t *task
	if r.o.exploration.Strategy == config.StrategyDFS {
		t = r.frontier[len(r.frontier)-1]
		r.frontier = r.frontier[:len(r.frontier)-1]
	} else {
		t = r.frontier[0]
		r.frontier = r.frontier[1:]
	}
	return t
}

// fromOracle completes an oracle branch point with what the snapshot knows
// about the control.
func (r *run) fromOracle(p schemas.BranchPoint, snap *schemas.Snapshot) *branchPoint {
	bp := &branchPoint{
		control: p.Name,
		frame:   schemas.ClonePath(p.FrameContext),
		locator: p.Locator,
		action:  p.ActionType,
		options: p.Options,
	}
	node := snapshot.Find(snap, p.FrameContext, p.Locator)
	if node != nil {
		if bp.control == "" {
			bp.control = snapshot.FieldName(node)
		}
		switch {
		case node.Tag == "select":
			bp.action = schemas.ActionChooseOption
			bp.options = realOptions(node, p.Options)
		case isCheckable(node):
			bp.action = schemas.ActionChooseOption
			bp.members = groupMembers(snap, node)
		}
	}
	if bp.control == "" {
		bp.control = p.Locator
	}
	if bp.action == "" {
		bp.action = schemas.ActionChooseOption
	}
	bp.key = branchKey(bp.control, bp.frame)
	return bp
}

// realOptions filters placeholder prompts out of the offered options, using
// the select's own labels where it has them.
func realOptions(node *schemas.Node, offered []string) []string {
	labels := make(map[string]schemas.Option, len(node.Options))
	for _, o := range node.Options {
		labels[o.Value] = o
	}
	var out []string
	for _, v := range offered {
		o, ok := labels[v]
		if !ok {
			o = schemas.Option{Value: v, Label: v}
		}
		if o.Disabled || snapshot.IsPlaceholderOption(o) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func isCheckable(n *schemas.Node) bool {
	if n.Tag != "input" {
		return false
	}
	t := strings.ToLower(n.Attr("type"))
	return t == "checkbox" || t == "radio"
}

// groupMembers maps the values of n's radio or checkbox group to member locators.
func groupMembers(snap *schemas.Snapshot, n *schemas.Node) map[string]string {
	name, typ := n.Attr("name"), strings.ToLower(n.Attr("type"))
	if name == "" {
		return nil
	}
	members := make(map[string]string)
	for _, m := range snapshot.InFrame(snap, n.FramePath) {
		if m.Tag == "input" && m.Attr("name") == name && strings.ToLower(m.Attr("type")) == typ {
			if v := m.Attr("value"); v != "" {
				if _, dup := members[v]; !dup {
					members[v] = m.Locator
				}
			}
		}
	}
	return members
}

// discover finds branch points in the snapshot itself: selects with a few
// real options, radio groups and checkbox groups.
func (r *run) discover(snap *schemas.Snapshot, t *task) {
	type group struct {
		first  *schemas.Node
		values []string
	}
	groups := make(map[string]*group)
	var order []string

	for _, n := range snap.VisibleInteractive() {
		switch {
		case n.Tag == "select":
			name := snapshot.FieldName(n)
			r.register(&branchPoint{
				key:     branchKey(name, n.FramePath),
				control: name,
				frame:   schemas.ClonePath(n.FramePath),
				locator: n.Locator,
				action:  schemas.ActionChooseOption,
				options: snapshot.RealOptions(n),
			}, t)
		case isCheckable(n) && n.Attr("name") != "":
			k := branchKey(n.Attr("name"), n.FramePath) + "|" + strings.ToLower(n.Attr("type"))
			g, ok := groups[k]
			if !ok {
				g = &group{first: n}
				groups[k] = g
				order = append(order, k)
			}
			if v := n.Attr("value"); v != "" {
				g.values = append(g.values, v)
			}
		}
	}

	for _, k := range order {
		g := groups[k]
		if len(g.values) < 2 {
			continue
		}
		name := g.first.Attr("name")
		r.register(&branchPoint{
			key:     branchKey(name, g.first.FramePath),
			control: name,
			frame:   schemas.ClonePath(g.first.FramePath),
			locator: g.first.Locator,
			action:  schemas.ActionChooseOption,
			options: g.values,
			members: groupMembers(snap, g.first),
		}, t)
	}
}

// register records a branch point once and queues one task per option.
func (r *run) register(bp *branchPoint, t *task) {
	if _, ok := r.branches[bp.key]; ok {
		return
	}
	options := dedupe(bp.options)
	log := r.logger.With(zap.String("branch_point", bp.key))
	if len(options) < 2 {
		log.Debug("Ignoring branch point with fewer than two options.", zap.Strings("options", options))
		return
	}
	if limit := r.o.exploration.MaxBranchOptions; limit > 0 && len(options) > limit {
		log.Debug("Too many options; treating control as a data field.", zap.Int("options", len(options)))
		return
	}
	bp.options = options
	r.branches[bp.key] = bp

	depth := t.depth + 1
	if depth > r.o.exploration.MaxDepth {
		r.stats.PrunedBranches += len(options)
		log.Info("Depth bound reached; branch point not expanded.", zap.Int("depth", depth))
		return
	}

	ordered := r.order(options)
	tasks := make([]*task, len(ordered))
	for i, opt := range ordered {
		path := append(clonePath(t.path), bp.choice(opt))
		tasks[i] = &task{path: path, bp: bp.key, depth: depth}
	}
	if r.o.exploration.Strategy == config.StrategyDFS {
		for i := len(tasks) - 1; i >= 0; i-- {
			r.frontier = append(r.frontier, tasks[i])
		}
	} else {
		r.frontier = append(r.frontier, tasks...)
	}
	log.Debug("Queued branch options.", zap.Strings("options", ordered), zap.Int("depth", depth))
}

// order applies the selection policy to a branch point's options.
func (r *run) order(options []string) []string {
	out := append([]string(nil), options...)
	if r.rng != nil {
		r.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	return out
}

// isBranchControl reports whether a step operates a registered branch point.
func (r *run) isBranchControl(rec schemas.FieldRecord) bool {
	if _, ok := r.branches[branchKey(rec.Name, rec.FrameContext)]; ok {
		return true
	}
	for _, bp := range r.branches {
		if !schemas.PathEqual(bp.frame, rec.FrameContext) {
			continue
		}
		if bp.locator == rec.Locator {
			return true
		}
		for _, loc := range bp.members {
			if loc == rec.Locator {
				return true
			}
		}
	}
	return false
}

// equivalent applies the sibling tie-break: an option whose field set matches
// one a sibling already produced drops the rest of the branch point.
func (r *run) equivalent(t *task, fields []diff.FieldKey) bool {
	option := t.path[len(t.path)-1].Option
	h := diff.FieldSetHash(fields)
	seen := r.siblings[t.bp]
	if seen == nil {
		seen = make(map[string]string)
		r.siblings[t.bp] = seen
	}
	if other, ok := seen[h]; ok && other != option {
		r.dropped[t.bp] = true
		r.logger.Info("Sibling options lead to the same fields; dropping the remaining options.",
			zap.String("branch_point", t.bp), zap.String("option", option), zap.String("sibling", other))
		return true
	}
	seen[h] = option
	return false
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// sortedKeys lists registered branch points in a stable order.
func sortedKeys(m map[string]*branchPoint) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
