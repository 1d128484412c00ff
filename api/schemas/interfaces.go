package schemas

import (
	"context"
)

// -- Driver Interface --

// Driver is the rendering-engine abstraction the mapper works through. Scope
// is the frame path the driver currently operates in; every element action
// takes the scope explicitly so the caller and driver cannot drift apart
// silently.
//
// Element errors must wrap the sentinel errors in errors.go so the executor
// can translate them into signals.
type Driver interface {
	// Capture returns the raw element tree rooted at the given scope,
	// including nested frames and shadow roots below it.
	Capture(ctx context.Context, scope []string) (*RawDocument, error)

	Click(ctx context.Context, scope []string, locator string) error
	Type(ctx context.Context, scope []string, locator, value string) error
	Choose(ctx context.Context, scope []string, locator, option string) error
	// Toggle flips a checkbox or selects a radio. The value "true" or "false"
	// asks for an explicit checked state.
	Toggle(ctx context.Context, scope []string, locator, value string) error
	Hover(ctx context.Context, scope []string, locator string) error
	// ReadValue returns the value of an input, the selected option of a
	// select, or "true"/"false" for a checkable control.
	ReadValue(ctx context.Context, scope []string, locator string) (string, error)

	// EnterContext moves into the nested context hosted by contextID within
	// the current scope.
	EnterContext(ctx context.Context, contextID string) error
	// ExitContext returns to the parent of the current scope.
	ExitContext(ctx context.Context) error
	CurrentScope(ctx context.Context) ([]string, error)
	CurrentURL(ctx context.Context) (string, error)

	// ResetToCheckpoint reloads the given URL and returns to the root scope.
	ResetToCheckpoint(ctx context.Context, url string) error
	Close(ctx context.Context) error
}

// -- Oracle Interface --

// Oracle interprets snapshots and analyzes failed steps. Implementations may
// be slow and nondeterministic; the mapper bounds every call with a timeout.
type Oracle interface {
	Interpret(ctx context.Context, req OracleRequest) (*Interpretation, error)
	AnalyzeError(ctx context.Context, req ErrorAnalysisRequest) (*ErrorAnalysis, error)
}

// -- LLM Client Schemas & Interface --

// ModelTier allows for selecting a large language model based on a preference
// for speed versus advanced capabilities.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // Prefers a faster, potentially less capable model.
	TierPowerful ModelTier = "powerful" // Prefers a more capable, potentially slower model.
)

// GenerationOptions controls sampling and output format.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`
	ForceJSONFormat bool    `json:"force_json_format"`
	TopP            float64 `json:"top_p"`
	TopK            int     `json:"top_k"`
}

// GenerationRequest is a complete prompt for an LLM provider.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Tier         ModelTier         `json:"tier"`
	Options      GenerationOptions `json:"options"`
}

// LLMClient abstracts a language-model provider.
type LLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	Close() error
}

// -- Store Interface --

// Store persists finished runs.
type Store interface {
	SaveRun(ctx context.Context, run *RunRecord) error
	LoadDocument(ctx context.Context, runID string) (MappingDocument, error)
}
