package oracle

import (
	"fmt"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/formmapper/api/schemas"
	"github.com/xkilldash9x/formmapper/internal/snapshot"
)

const interpretSystemPrompt = `You map web forms. You receive a structural snapshot of the page as a flat list of
elements and decide what the form contains and what to do next.

Rules:
- Report every form field you can see in "fields". Use the element's "locator" and "frameContext" exactly as given.
- "actionType" is one of: enter-text, choose-option, toggle, click, hover, enter-context, exit-context.
- Propose "nextActions" in the order a person would fill the form. Give realistic test values.
  Refer to a field by its "name"; add "locator" only for elements you did not list as fields.
- Use "hover" or "click" for elements that reveal more fields (menus, tabs, "add another" buttons).
- Put controls whose options change which fields appear (plan pickers, country selects, radio
  groups) in "branchOptions" with every meaningful option value. Do not choose those options yourself.
- Never submit the form or click buttons that leave the page.
- Set "complete" to true once every visible field has been filled and nothing else can be revealed.

Respond with a single JSON object:
{"fields": [{"name", "locator", "frameContext", "actionType", "description", "visibilityCondition"}],
 "nextActions": [{"field", "locator", "actionType", "value"}],
 "branchOptions": [{"name", "locator", "frameContext", "options"}],
 "complete": false}`

const analyzeSystemPrompt = `You diagnose failed interactions with web forms. You receive the failed step, the
failure signal, the steps executed so far and a snapshot taken at the failure.

Classify the failure as one of: LocatorStale (the element moved), TransientPageError (the page was
not ready), StructuralChange (the element no longer exists), StepLogicError (a prerequisite is missing,
such as opening a tab, hovering a menu or ticking a checkbox).

For StepLogicError, list the "prerequisiteSteps" that make the step possible and, if the step itself
was wrong, a "correctedStep".

Respond with a single JSON object:
{"classificationHint": "...", "correctedStep": {"field", "locator", "actionType", "value"},
 "prerequisiteSteps": [{"field", "locator", "actionType", "value"}]}`

// promptNode is the compact form of a snapshot node shown to the model.
type promptNode struct {
	Name         string   `json:"name"`
	Tag          string   `json:"tag"`
	Type         string   `json:"type,omitempty"`
	Role         string   `json:"role,omitempty"`
	Label        string   `json:"label,omitempty"`
	Text         string   `json:"text,omitempty"`
	Value        string   `json:"value,omitempty"`
	Checked      bool     `json:"checked,omitempty"`
	Options      []string `json:"options,omitempty"`
	Visible      bool     `json:"visible"`
	Locator      string   `json:"locator"`
	FrameContext []string `json:"frameContext,omitempty"`
	Hosts        string   `json:"hostsContext,omitempty"`
	Suggested    string   `json:"suggestedAction,omitempty"`
}

type promptSnapshot struct {
	URL       string       `json:"url"`
	Elements  []promptNode `json:"elements"`
	Omitted   int          `json:"omittedElements,omitempty"`
	Truncated bool         `json:"truncated,omitempty"`
}

func compactNode(n *schemas.Node) promptNode {
	p := promptNode{
		Name:         snapshot.FieldName(n),
		Tag:          n.Tag,
		Type:         n.Attr("type"),
		Role:         n.Role,
		Label:        n.Label,
		Text:         n.Text,
		Value:        n.Value,
		Checked:      n.Checked,
		Visible:      n.Visible,
		Locator:      n.Locator,
		FrameContext: n.FramePath,
		Hosts:        n.ContextID,
	}
	for _, o := range n.Options {
		if !o.Disabled {
			p.Options = append(p.Options, o.Value)
		}
	}
	if n.ContextID == "" {
		p.Suggested = string(snapshot.DefaultAction(n))
	}
	return p
}

// compactSnapshot keeps interactive elements and context hosts. When the
// rendering exceeds maxTokens, hidden elements go first, then elements from
// the end of the document.
func compactSnapshot(snap *schemas.Snapshot, counter TokenCounter, maxTokens int) (promptSnapshot, string, error) {
	if snap == nil {
		return promptSnapshot{}, "{}", nil
	}
	out := promptSnapshot{URL: snap.URL, Truncated: snap.Truncated}
	var visible, hidden []promptNode
	for _, n := range snap.Nodes() {
		if !n.Interactive && n.ContextID == "" {
			continue
		}
		if n.Visible {
			visible = append(visible, compactNode(n))
		} else {
			hidden = append(hidden, compactNode(n))
		}
	}

	render := func(elems []promptNode, omitted int) (string, error) {
		out.Elements, out.Omitted = elems, omitted
		b, err := json.Marshal(out)
		return string(b), err
	}
	all := append(append([]promptNode(nil), visible...), hidden...)
	text, err := render(all, 0)
	if err != nil || maxTokens <= 0 || counter.Count(text) <= maxTokens {
		return out, text, err
	}
	kept := visible
	for {
		text, err = render(kept, len(all)-len(kept))
		if err != nil || len(kept) == 0 || counter.Count(text) <= maxTokens {
			return out, text, err
		}
		cut := len(kept) / 8
		if cut < 1 {
			cut = 1
		}
		kept = kept[:len(kept)-cut]
	}
}

func marshalSection(title string, v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(fmt.Sprintf("%q", err.Error()))
	}
	return "## " + title + "\n" + string(b) + "\n\n"
}

func (o *LLMOracle) interpretPrompt(req schemas.OracleRequest) (string, error) {
	_, snap, err := compactSnapshot(req.Snapshot, o.counter, o.maxSnapshotTokens)
	if err != nil {
		return "", fmt.Errorf("failed to render snapshot: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("## Snapshot\n" + snap + "\n\n")
	sb.WriteString(marshalSection("Current frame path", nonNilPath(req.FramePath)))
	if req.BranchContext != nil {
		sb.WriteString(marshalSection("Branch being explored", req.BranchContext))
	}
	if len(req.PriorArtifactTail) > 0 {
		sb.WriteString(marshalSection("Recently mapped fields", req.PriorArtifactTail))
	}
	if req.PriorInterpretation != nil {
		sb.WriteString(marshalSection("Your previous answer", req.PriorInterpretation))
	}
	sb.WriteString(marshalSection("Remaining budget", req.ExplorationBudgetRemaining))
	return sb.String(), nil
}

func (o *LLMOracle) analyzePrompt(req schemas.ErrorAnalysisRequest) (string, error) {
	_, snap, err := compactSnapshot(req.Snapshot, o.counter, o.maxSnapshotTokens)
	if err != nil {
		return "", fmt.Errorf("failed to render snapshot: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(marshalSection("Failed step", req.FailedStep))
	fmt.Fprintf(&sb, "## Failure\nsignal=%s attempt=%d local_classification=%s\n%s\n\n", req.Signal, req.Attempt, req.Classification, req.Message)
	sb.WriteString(marshalSection("Executed steps", req.ExecutedSteps))
	sb.WriteString("## Snapshot at failure\n" + snap + "\n")
	return sb.String(), nil
}

func nonNilPath(p []string) []string {
	if p == nil {
		return []string{}
	}
	return p
}
