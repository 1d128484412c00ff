// File: api/schemas/steps.go
package schemas

import (
	"fmt"
	"time"
)

// ActionType is the kind of interaction a field requires.
type ActionType string

const (
	ActionEnterText    ActionType = "enter-text"
	ActionChooseOption ActionType = "choose-option"
	ActionToggle       ActionType = "toggle"
	ActionClick        ActionType = "click"
	ActionHover        ActionType = "hover"
	ActionEnterContext ActionType = "enter-context"
	ActionExitContext  ActionType = "exit-context"
)

// Valid reports whether the action type is one the executor understands.
func (a ActionType) Valid() bool {
	switch a {
	case ActionEnterText, ActionChooseOption, ActionToggle, ActionClick, ActionHover, ActionEnterContext, ActionExitContext:
		return true
	}
	return false
}

// IsContextSwitch reports whether the action moves between rendering contexts.
func (a ActionType) IsContextSwitch() bool {
	return a == ActionEnterContext || a == ActionExitContext
}

// FieldRecord describes one field of the form and how to act on it.
type FieldRecord struct {
	Name                string     `json:"name"`
	Locator             string     `json:"locator"`
	FrameContext        []string   `json:"frameContext,omitempty"`
	VisibilityCondition string     `json:"visibilityCondition,omitempty"`
	ActionType          ActionType `json:"actionType"`
	// Description is the semantic description (label, placeholder, text) used to re-resolve a stale locator.
	Description string `json:"description,omitempty"`
}

// PostConditionKind selects how the executor confirms a step.
type PostConditionKind string

const (
	PostNone        PostConditionKind = "none"
	PostValueEquals PostConditionKind = "value-equals"
	PostChecked     PostConditionKind = "checked-equals"
	PostScopeEquals PostConditionKind = "scope-equals"
)

// PostCondition is the expected observable result of a step.
type PostCondition struct {
	Kind     PostConditionKind `json:"kind"`
	Expected string            `json:"expected,omitempty"`
}

// InteractionStep is one unit of work handed to the executor.
type InteractionStep struct {
	Number int           `json:"number"`
	Field  FieldRecord   `json:"field"`
	Value  string        `json:"value,omitempty"`
	Expect PostCondition `json:"expect"`
}

func (s InteractionStep) String() string {
	return fmt.Sprintf("#%d %s %q@%s", s.Number, s.Field.ActionType, s.Field.Name, PathString(s.Field.FrameContext))
}

// Ack confirms a successful step.
type Ack struct {
	Step     int           `json:"step"`
	Observed string        `json:"observed,omitempty"`
	Duration time.Duration `json:"duration"`
}

// SignalCode is the raw failure signal reported by the executor.
type SignalCode string

const (
	SignalElementNotFound       SignalCode = "ELEMENT_NOT_FOUND"
	SignalNotInteractable       SignalCode = "NOT_INTERACTABLE"
	SignalUnexpectedNavigation  SignalCode = "UNEXPECTED_NAVIGATION"
	SignalPostConditionMismatch SignalCode = "POST_CONDITION_MISMATCH"
	SignalInvalidValue          SignalCode = "INVALID_VALUE"
	SignalContextSwitchFailed   SignalCode = "CONTEXT_SWITCH_FAILED"
	SignalContextMismatch       SignalCode = "CONTEXT_MISMATCH"
	SignalPageUnavailable       SignalCode = "PAGE_UNAVAILABLE"
	SignalTimeout               SignalCode = "TIMEOUT"
	SignalDriverError           SignalCode = "DRIVER_ERROR"
)

// Failure is a step failure returned as a value.
type Failure struct {
	Step     InteractionStep `json:"step"`
	Snapshot *Snapshot       `json:"-"`
	Signal   SignalCode      `json:"signal"`
	Err      error           `json:"-"`
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("step %s failed (%s): %v", f.Step, f.Signal, f.Err)
	}
	return fmt.Sprintf("step %s failed (%s)", f.Step, f.Signal)
}

func (f *Failure) Unwrap() error { return f.Err }

// Classification is the recovery class of a failure, plus the two run-level terminal kinds.
type Classification string

const (
	LocatorStale       Classification = "LocatorStale"
	TransientPageError Classification = "TransientPageError"
	StructuralChange   Classification = "StructuralChange"
	StepLogicError     Classification = "StepLogicError"
	OracleTimeout      Classification = "OracleTimeout"
	BudgetExhausted    Classification = "BudgetExhausted"
)

// Recoverable reports whether the class is handled locally by the recovery policy.
func (c Classification) Recoverable() bool {
	switch c {
	case LocatorStale, TransientPageError, StructuralChange, StepLogicError:
		return true
	}
	return false
}

// ErrorContext carries everything known about one failed step.
type ErrorContext struct {
	FailedStep        InteractionStep `json:"failedStep"`
	SnapshotAtFailure *Snapshot       `json:"-"`
	Classification    Classification  `json:"classification"`
	RetryCount        int             `json:"retryCount"`
	Signal            SignalCode      `json:"signal"`
	Message           string          `json:"message,omitempty"`
}
