// File: api/schemas/mapping.go
package schemas

import (
	"time"

	json "github.com/json-iterator/go"
)

// MappingEntry is one entry of the produced mapping document. The JSON shape is
// the contract with the replayer: null frameContext means the top document and
// null visibilityCondition means always visible.
type MappingEntry struct {
	Name                string     `json:"name"`
	FrameContext        []string   `json:"frameContext"`
	Locator             string     `json:"locator"`
	ActionType          ActionType `json:"actionType"`
	Value               string     `json:"value"`
	VisibilityCondition *string    `json:"visibilityCondition"`
}

// MappingDocument is the ordered, append-only artifact of a run.
type MappingDocument struct {
	Entries []MappingEntry
}

// MarshalJSON encodes the document as a bare array.
func (d MappingDocument) MarshalJSON() ([]byte, error) {
	if d.Entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(d.Entries)
}

// UnmarshalJSON decodes a bare array.
func (d *MappingDocument) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &d.Entries)
}

// Fields returns the entries that are not context switches.
func (d MappingDocument) Fields() []MappingEntry {
	out := make([]MappingEntry, 0, len(d.Entries))
	for _, e := range d.Entries {
		if !e.ActionType.IsContextSwitch() {
			out = append(out, e)
		}
	}
	return out
}

// Reason is the terminal reason of a run.
type Reason string

const (
	// ReasonComplete means the oracle signalled completion and nothing was left to explore.
	ReasonComplete Reason = "Complete"
	// ReasonExplorationExhausted means every queued branch was explored.
	ReasonExplorationExhausted Reason = "ExplorationExhausted"
	ReasonBudgetExhausted      Reason = Reason(BudgetExhausted)
	ReasonOracleTimeout        Reason = Reason(OracleTimeout)
	ReasonFrameDivergence      Reason = "FrameDivergence"
	ReasonCanceled             Reason = "Canceled"
	ReasonUnrecoverable        Reason = "Unrecoverable"
)

// IsComplete reports whether a run ending for this reason covered the form.
func (r Reason) IsComplete() bool {
	return r == ReasonComplete || r == ReasonExplorationExhausted
}

// RunRecord is a finished run as persisted.
type RunRecord struct {
	RunID     string          `json:"runId"`
	FormName  string          `json:"formName"`
	StartURL  string          `json:"startUrl"`
	Complete  bool            `json:"complete"`
	Reason    Reason          `json:"reason"`
	Document  MappingDocument `json:"document"`
	CreatedAt time.Time       `json:"createdAt"`
}
