// File: api/schemas/oracle.go
package schemas

// BudgetRemaining tells the oracle how much exploration is left.
type BudgetRemaining struct {
	Depth      int `json:"depth"`
	States     int `json:"states"`
	Iterations int `json:"iterations"`
}

// BranchChoice is one option chosen on a branch point while reaching the current state.
type BranchChoice struct {
	Control      string     `json:"control"`
	Locator      string     `json:"locator"`
	FrameContext []string   `json:"frameContext,omitempty"`
	ActionType   ActionType `json:"actionType"`
	Option       string     `json:"option"`
}

// BranchContext describes the branch being explored.
type BranchContext struct {
	Depth int            `json:"depth"`
	Path  []BranchChoice `json:"path"`
}

// OracleRequest is the interpretation request.
type OracleRequest struct {
	Snapshot                   *Snapshot       `json:"snapshot"`
	FramePath                  []string        `json:"framePath"`
	PriorArtifactTail          []MappingEntry  `json:"priorArtifactTail"`
	PriorInterpretation        *Interpretation `json:"priorInterpretation,omitempty"`
	ExplorationBudgetRemaining BudgetRemaining `json:"explorationBudgetRemaining"`
	BranchContext              *BranchContext  `json:"branchContext,omitempty"`
}

// FieldSpec is a field as interpreted by the oracle.
type FieldSpec struct {
	Name                string     `json:"name"`
	Locator             string     `json:"locator"`
	FrameContext        []string   `json:"frameContext,omitempty"`
	ActionType          ActionType `json:"actionType"`
	Value               string     `json:"value,omitempty"`
	VisibilityCondition string     `json:"visibilityCondition,omitempty"`
	Description         string     `json:"description,omitempty"`
}

// Record converts a FieldSpec into a FieldRecord.
func (f FieldSpec) Record() FieldRecord {
	return FieldRecord{
		Name:                f.Name,
		Locator:             f.Locator,
		FrameContext:        ClonePath(f.FrameContext),
		VisibilityCondition: f.VisibilityCondition,
		ActionType:          f.ActionType,
		Description:         f.Description,
	}
}

// ActionSpec is a proposed step. Field refers to a FieldSpec by name; the
// remaining members override or replace it.
type ActionSpec struct {
	Field        string     `json:"field"`
	Locator      string     `json:"locator,omitempty"`
	FrameContext []string   `json:"frameContext,omitempty"`
	ActionType   ActionType `json:"actionType,omitempty"`
	Value        string     `json:"value,omitempty"`
}

// BranchPoint is a control whose options may reveal different structure.
type BranchPoint struct {
	Name         string     `json:"name"`
	Locator      string     `json:"locator"`
	FrameContext []string   `json:"frameContext,omitempty"`
	ActionType   ActionType `json:"actionType"`
	Options      []string   `json:"options"`
}

// Interpretation is the oracle's answer to an OracleRequest.
type Interpretation struct {
	Fields        []FieldSpec   `json:"fields"`
	NextActions   []ActionSpec  `json:"nextActions"`
	BranchOptions []BranchPoint `json:"branchOptions,omitempty"`
	Complete      bool          `json:"complete"`
}

// ErrorAnalysisRequest asks the oracle to explain a failed step.
type ErrorAnalysisRequest struct {
	FailedStep     InteractionStep   `json:"failedStep"`
	Signal         SignalCode        `json:"signal"`
	Message        string            `json:"message,omitempty"`
	Classification Classification    `json:"classification,omitempty"`
	Snapshot       *Snapshot         `json:"snapshot"`
	ExecutedSteps  []InteractionStep `json:"executedSteps"`
	Attempt        int               `json:"attempt"`
}

// ErrorAnalysis is the oracle's error-analysis answer.
type ErrorAnalysis struct {
	ClassificationHint Classification `json:"classificationHint"`
	CorrectedStep      *ActionSpec    `json:"correctedStep,omitempty"`
	PrerequisiteSteps  []ActionSpec   `json:"prerequisiteSteps,omitempty"`
}
