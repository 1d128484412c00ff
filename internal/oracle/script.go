package oracle

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/formmapper/api/schemas"
	"github.com/xkilldash9x/formmapper/internal/snapshot"
)

// Script is the YAML rule file of a ScriptedOracle.
type Script struct {
	// Auto derives an answer from the snapshot when no rule matches.
	Auto bool `yaml:"auto"`
	// Values are the text values typed into fields by name.
	Values    map[string]string `yaml:"values"`
	Interpret []InterpretRule   `yaml:"interpret"`
	Analyze   []AnalyzeRule     `yaml:"analyze"`
}

// Match selects the requests a rule applies to. Empty members match anything.
type Match struct {
	URL     string   `yaml:"url"`
	Branch  string   `yaml:"branch"`
	Visible []string `yaml:"visible"`
}

// ScriptField is a field in script form.
type ScriptField struct {
	Name        string   `yaml:"name"`
	Locator     string   `yaml:"locator"`
	Frame       []string `yaml:"frame"`
	Action      string   `yaml:"action"`
	Description string   `yaml:"description"`
	Condition   string   `yaml:"condition"`
}

// ScriptAction is a step in script form.
type ScriptAction struct {
	Field   string   `yaml:"field"`
	Locator string   `yaml:"locator"`
	Frame   []string `yaml:"frame"`
	Action  string   `yaml:"action"`
	Value   string   `yaml:"value"`
}

// ScriptBranch is a branch point in script form.
type ScriptBranch struct {
	Name    string   `yaml:"name"`
	Locator string   `yaml:"locator"`
	Frame   []string `yaml:"frame"`
	Options []string `yaml:"options"`
}

// InterpretRule answers interpretation requests matching When.
type InterpretRule struct {
	Name string `yaml:"name"`
	When Match  `yaml:"when"`
	// Auto starts from the derived answer and adds the rule's content.
	Auto     bool           `yaml:"auto"`
	Complete *bool          `yaml:"complete"`
	Fields   []ScriptField  `yaml:"fields"`
	Actions  []ScriptAction `yaml:"actions"`
	Branches []ScriptBranch `yaml:"branches"`
}

// AnalyzeRule answers error analysis requests for a field and signal.
type AnalyzeRule struct {
	Field         string         `yaml:"field"`
	Signal        string         `yaml:"signal"`
	Hint          string         `yaml:"hint"`
	Corrected     *ScriptAction  `yaml:"corrected"`
	Prerequisites []ScriptAction `yaml:"prerequisites"`
}

type compiledRule struct {
	InterpretRule
	url, branch glob.Glob
}

// ScriptedOracle answers from a rule file instead of a model. It is
// deterministic and used for offline runs and fixtures.
type ScriptedOracle struct {
	logger *zap.Logger
	script Script
	rules  []compiledRule

	mu   sync.Mutex
	hits map[string]int
}

// LoadScript reads a rule file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read oracle script: %w", err)
	}
	return ParseScript(data)
}

// ParseScript decodes a rule file.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse oracle script: %w", err)
	}
	return &s, nil
}

// NewScriptedOracle validates the script and compiles its patterns.
func NewScriptedOracle(logger *zap.Logger, s *Script) (*ScriptedOracle, error) {
	if s == nil {
		s = &Script{Auto: true}
	}
	o := &ScriptedOracle{logger: logger.Named("scripted_oracle"), script: *s, hits: make(map[string]int)}
	for i, r := range s.Interpret {
		c := compiledRule{InterpretRule: r}
		if c.Name == "" {
			c.Name = fmt.Sprintf("rule-%d", i+1)
		}
		var err error
		if r.When.URL != "" {
			if c.url, err = glob.Compile(r.When.URL); err != nil {
				return nil, fmt.Errorf("rule %s: bad url pattern: %w", c.Name, err)
			}
		}
		if r.When.Branch != "" {
			if c.branch, err = glob.Compile(r.When.Branch); err != nil {
				return nil, fmt.Errorf("rule %s: bad branch pattern: %w", c.Name, err)
			}
		}
		for _, f := range r.Fields {
			if f.Name == "" || !schemas.ActionType(f.Action).Valid() {
				return nil, fmt.Errorf("rule %s: field %q needs a name and a valid action", c.Name, f.Name)
			}
		}
		o.rules = append(o.rules, c)
	}
	for _, r := range s.Analyze {
		switch schemas.Classification(r.Hint) {
		case schemas.LocatorStale, schemas.TransientPageError, schemas.StructuralChange, schemas.StepLogicError:
		default:
			return nil, fmt.Errorf("analyze rule for %q: unknown hint %q", r.Field, r.Hint)
		}
	}
	return o, nil
}

// Hits reports how often each rule answered.
func (o *ScriptedOracle) Hits() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]int, len(o.hits))
	for k, v := range o.hits {
		out[k] = v
	}
	return out
}

// Interpret answers with the first matching rule, or the derived answer when
// the script allows it.
func (o *ScriptedOracle) Interpret(ctx context.Context, req schemas.OracleRequest) (*schemas.Interpretation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Snapshot == nil {
		return nil, fmt.Errorf("%w: no snapshot", schemas.ErrInvalidResponse)
	}
	visible := visibleNames(req.Snapshot)
	signature := branchSignature(req.BranchContext)

	for _, r := range o.rules {
		if !r.matches(req.Snapshot.URL, signature, visible) {
			continue
		}
		o.hit(r.Name)
		o.logger.Debug("Rule matched.", zap.String("rule", r.Name), zap.String("branch", signature))
		out := &schemas.Interpretation{}
		if r.Auto {
			out = o.derive(req.Snapshot)
		}
		o.apply(out, r.InterpretRule)
		return out, nil
	}
	if o.script.Auto {
		o.hit("auto")
		return o.derive(req.Snapshot), nil
	}
	return nil, fmt.Errorf("%w: no rule matches %s on branch %s", schemas.ErrInvalidResponse, req.Snapshot.URL, signature)
}

// AnalyzeError answers with the first rule for the failed field and signal.
// Without one the failure is left to local classification.
func (o *ScriptedOracle) AnalyzeError(ctx context.Context, req schemas.ErrorAnalysisRequest) (*schemas.ErrorAnalysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, r := range o.script.Analyze {
		if r.Field != "" && r.Field != req.FailedStep.Field.Name {
			continue
		}
		if r.Signal != "" && schemas.SignalCode(r.Signal) != req.Signal {
			continue
		}
		o.hit("analyze:" + r.Field)
		out := &schemas.ErrorAnalysis{ClassificationHint: schemas.Classification(r.Hint)}
		if r.Corrected != nil {
			a := r.Corrected.spec()
			out.CorrectedStep = &a
		}
		for _, p := range r.Prerequisites {
			out.PrerequisiteSteps = append(out.PrerequisiteSteps, p.spec())
		}
		return out, nil
	}
	return &schemas.ErrorAnalysis{ClassificationHint: req.Classification}, nil
}

func (o *ScriptedOracle) hit(name string) {
	o.mu.Lock()
	o.hits[name]++
	o.mu.Unlock()
}

func (r compiledRule) matches(url, branch string, visible map[string]bool) bool {
	if r.url != nil && !r.url.Match(url) {
		return false
	}
	if r.branch != nil && !r.branch.Match(branch) {
		return false
	}
	for _, name := range r.When.Visible {
		if !visible[name] {
			return false
		}
	}
	return true
}

func (o *ScriptedOracle) apply(out *schemas.Interpretation, r InterpretRule) {
	for _, f := range r.Fields {
		out.Fields = append(out.Fields, schemas.FieldSpec{
			Name:                f.Name,
			Locator:             f.Locator,
			FrameContext:        f.Frame,
			ActionType:          schemas.ActionType(f.Action),
			Description:         f.Description,
			VisibilityCondition: f.Condition,
		})
	}
	for _, a := range r.Actions {
		spec := a.spec()
		if spec.Value == "" {
			spec.Value = o.script.Values[spec.Field]
		}
		out.NextActions = append(out.NextActions, spec)
	}
	for _, b := range r.Branches {
		out.BranchOptions = append(out.BranchOptions, schemas.BranchPoint{
			Name: b.Name, Locator: b.Locator, FrameContext: b.Frame,
			ActionType: schemas.ActionChooseOption, Options: b.Options,
		})
	}
	if r.Complete != nil {
		out.Complete = *r.Complete
	}
}

func (a ScriptAction) spec() schemas.ActionSpec {
	return schemas.ActionSpec{
		Field:        a.Field,
		Locator:      a.Locator,
		FrameContext: a.Frame,
		ActionType:   schemas.ActionType(a.Action),
		Value:        a.Value,
	}
}

// derive reads the form off the snapshot: every visible control is a field,
// text controls get a value and choice controls become branch points.
func (o *ScriptedOracle) derive(snap *schemas.Snapshot) *schemas.Interpretation {
	out := &schemas.Interpretation{}
	seen := make(map[string]bool)
	groups := make(map[string]*schemas.BranchPoint)

	for _, n := range snap.VisibleInteractive() {
		if n.ContextID != "" {
			continue
		}
		name := snapshot.FieldName(n)
		action := snapshot.DefaultAction(n)
		key := name + "@" + schemas.PathString(n.FramePath)

		if action == schemas.ActionToggle && strings.EqualFold(n.Attr("type"), "radio") {
			if g, ok := groups[key]; ok {
				g.Options = append(g.Options, n.Attr("value"))
				continue
			}
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out.Fields = append(out.Fields, schemas.FieldSpec{
			Name: name, Locator: n.Locator, FrameContext: n.FramePath,
			ActionType: action, Description: snapshot.Describe(n),
		})

		switch action {
		case schemas.ActionEnterText:
			out.NextActions = append(out.NextActions, schemas.ActionSpec{Field: name, Value: o.valueFor(name, n)})
		case schemas.ActionChooseOption:
			if opts := snapshot.RealOptions(n); len(opts) > 0 {
				out.BranchOptions = append(out.BranchOptions, schemas.BranchPoint{
					Name: name, Locator: n.Locator, FrameContext: n.FramePath,
					ActionType: action, Options: opts,
				})
			}
		case schemas.ActionToggle:
			if strings.EqualFold(n.Attr("type"), "radio") {
				groups[key] = &schemas.BranchPoint{
					Name: name, Locator: n.Locator, FrameContext: n.FramePath,
					ActionType: schemas.ActionChooseOption, Options: []string{n.Attr("value")},
				}
			}
		}
	}
	for _, f := range out.Fields {
		if g, ok := groups[f.Name+"@"+schemas.PathString(f.FrameContext)]; ok && len(g.Options) > 1 {
			out.BranchOptions = append(out.BranchOptions, *g)
		}
	}
	return out
}

func (o *ScriptedOracle) valueFor(name string, n *schemas.Node) string {
	if v, ok := o.script.Values[name]; ok {
		return v
	}
	if n.Tag == "textarea" {
		return "Sample text"
	}
	switch strings.ToLower(n.Attr("type")) {
	case "email":
		return "user@example.com"
	case "tel":
		return "+15555550100"
	case "number":
		return "42"
	case "date":
		return "2024-01-15"
	case "url":
		return "https://example.com"
	case "password":
		return "Passw0rd!"
	}
	return "test"
}

func visibleNames(snap *schemas.Snapshot) map[string]bool {
	out := make(map[string]bool)
	for _, n := range snap.VisibleInteractive() {
		out[snapshot.FieldName(n)] = true
	}
	return out
}

// branchSignature renders a branch as control=option pairs joined by slashes.
func branchSignature(bc *schemas.BranchContext) string {
	if bc == nil || len(bc.Path) == 0 {
		return ""
	}
	parts := make([]string, len(bc.Path))
	for i, c := range bc.Path {
		parts[i] = c.Control + "=" + c.Option
	}
	return strings.Join(parts, "/")
}
