// Package recovery classifies failed steps and bounds how often each class is retried.
package recovery

import (
	"strings"

	"github.com/xkilldash9x/formmapper/api/schemas"
	"github.com/xkilldash9x/formmapper/internal/snapshot"
)

// Verdict is the outcome of classifying one failure.
type Verdict struct {
	Class schemas.Classification
	// Ambiguous means the rules could not decide; the caller should ask the oracle for a hint.
	Ambiguous bool
	// Match is the element believed to be the intended target, when one was found.
	Match *schemas.Node
	// Reason is a short explanation for logs and error records.
	Reason string
}

// Classify maps a failure to a recovery class using the failure snapshot.
func Classify(f *schemas.Failure) Verdict {
	step := f.Step
	snap := f.Snapshot

	switch f.Signal {
	case schemas.SignalUnexpectedNavigation, schemas.SignalPageUnavailable, schemas.SignalTimeout, schemas.SignalContextMismatch:
		return Verdict{Class: schemas.TransientPageError, Reason: string(f.Signal)}
	case schemas.SignalPostConditionMismatch, schemas.SignalInvalidValue:
		return Verdict{Class: schemas.StepLogicError, Reason: string(f.Signal)}
	case schemas.SignalDriverError:
		return Verdict{Class: schemas.StructuralChange, Ambiguous: true, Reason: "driver error"}
	}

	if snap.IsEmpty() {
		return Verdict{Class: schemas.TransientPageError, Reason: "page rendered nothing"}
	}

	switch f.Signal {
	case schemas.SignalContextSwitchFailed:
		contextID := step.Field.Locator
		if contextID == "" {
			contextID = step.Field.Name
		}
		if snapshot.Host(snap, step.Field.FrameContext, contextID) != nil {
			return Verdict{Class: schemas.TransientPageError, Reason: "context host present but not ready"}
		}
		return Verdict{Class: schemas.StructuralChange, Reason: "context host is gone"}

	case schemas.SignalElementNotFound, schemas.SignalNotInteractable:
		match := SemanticMatch(snap, step.Field)
		if match == nil {
			return Verdict{Class: schemas.StructuralChange, Reason: "no element matches the field description"}
		}
		if match.Locator != step.Field.Locator {
			return Verdict{Class: schemas.LocatorStale, Match: match, Reason: "field moved to " + match.Locator}
		}
		if f.Signal == schemas.SignalNotInteractable {
			return Verdict{Class: schemas.StepLogicError, Match: match, Reason: "field present but not interactable"}
		}
		return Verdict{Class: schemas.TransientPageError, Match: match, Reason: "field present after lookup failed"}
	}

	return Verdict{Class: schemas.StructuralChange, Ambiguous: true, Reason: "unrecognized signal " + string(f.Signal)}
}

// SemanticMatch finds the element in the field's frame that best matches its
// identity: id or name equal to the field name, or a label, placeholder or
// aria-label equal to its description. The element must suit the action.
func SemanticMatch(snap *schemas.Snapshot, field schemas.FieldRecord) *schemas.Node {
	var best *schemas.Node
	bestScore := 0
	for _, n := range snapshot.InFrame(snap, field.FrameContext) {
		if !compatible(n, field.ActionType) {
			continue
		}
		score := matchScore(n, field)
		if n.Visible {
			score *= 2
		}
		if score > bestScore {
			best, bestScore = n, score
		}
	}
	return best
}

func matchScore(n *schemas.Node, field schemas.FieldRecord) int {
	name := strings.TrimSpace(field.Name)
	desc := strings.ToLower(strings.TrimSpace(field.Description))
	score := 0
	if n.Locator == field.Locator {
		score += 1
	}
	if name != "" && (n.Attr("id") == name || n.Attr("name") == name) {
		score += 4
	}
	if desc != "" {
		for _, s := range []string{n.Label, n.Attr("placeholder"), n.Attr("aria-label"), snapshot.Describe(n)} {
			if strings.ToLower(strings.TrimSpace(s)) == desc {
				score += 3
				break
			}
		}
	}
	// A locator match alone is not a semantic match.
	if score <= 1 {
		return 0
	}
	return score
}

func compatible(n *schemas.Node, action schemas.ActionType) bool {
	if !n.Interactive {
		return false
	}
	got := snapshot.DefaultAction(n)
	switch action {
	case schemas.ActionEnterText, schemas.ActionChooseOption, schemas.ActionToggle:
		return got == action
	case "", schemas.ActionClick, schemas.ActionHover:
		return true
	}
	return false
}
