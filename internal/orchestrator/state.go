package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/xkilldash9x/formmapper/api/schemas"
)

// State is a phase of the exploration state machine.
type State int

const (
	StateIdle State = iota
	StateSnapshotting
	StateAwaitingStability
	StateInterpreting
	StateExecuting
	StateRecovering
	StateAdvancing
	StateBacktracking
	StateTerminal
)

var stateNames = [...]string{
	"Idle", "Snapshotting", "AwaitingStability", "Interpreting", "Executing",
	"Recovering", "Advancing", "Backtracking", "Terminal",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Observer is told about every state transition of a run.
type Observer func(from, to State)

// ExplorationState is one expanded (interpreted) state of the form.
type ExplorationState struct {
	FrameStack    []string `json:"frameStack"`
	Depth         int      `json:"depth"`
	StateHash     string   `json:"stateHash"`
	CheckpointRef string   `json:"checkpointRef"`
}

// Abort records a branch that ended early.
type Abort struct {
	Branch []schemas.BranchChoice `json:"branch"`
	Cause  string                 `json:"cause"`
	Err    error                  `json:"-"`
}

// Stats summarizes the work done by a run.
type Stats struct {
	Iterations        int           `json:"iterations"`
	OracleQueries     int           `json:"oracleQueries"`
	AnalysisQueries   int           `json:"analysisQueries"`
	Steps             int           `json:"steps"`
	StabilityWaits    int           `json:"stabilityWaits"`
	StabilityTimeouts int           `json:"stabilityTimeouts"`
	Branches          int           `json:"branches"`
	SkippedBranches   int           `json:"skippedBranches"`
	PrunedBranches    int           `json:"prunedBranches"`
	Enters            int           `json:"enters"`
	Exits             int           `json:"exits"`
	// AbandonedContexts were open when a checkpoint reset reloaded the page.
	AbandonedContexts int           `json:"abandonedContexts"`
	Duration          time.Duration `json:"duration"`
}

// Result is the outcome of one run. Document always holds every step
// accepted before the run ended.
type Result struct {
	RunID    string                  `json:"runId"`
	StartURL string                  `json:"startUrl"`
	Document schemas.MappingDocument `json:"document"`
	Complete bool                    `json:"complete"`
	Reason   schemas.Reason          `json:"reason"`
	Err      error                   `json:"-"`
	// Errors are the failures that ended branches.
	Errors []schemas.ErrorContext `json:"errors,omitempty"`
	// Recoveries are failures that were retried successfully.
	Recoveries []schemas.ErrorContext `json:"recoveries,omitempty"`
	Aborted    []Abort                `json:"aborted,omitempty"`
	Visited    []ExplorationState     `json:"visited"`
	Stats      Stats                  `json:"stats"`
}

// terminalError ends the whole run.
type terminalError struct {
	reason schemas.Reason
	err    error
}

func (t *terminalError) Error() string {
	if t.err == nil {
		return string(t.reason)
	}
	return fmt.Sprintf("%s: %v", t.reason, t.err)
}

func (t *terminalError) Unwrap() error { return t.err }

func terminal(reason schemas.Reason, err error) error {
	return &terminalError{reason: reason, err: err}
}

// abortError ends the current branch only.
type abortError struct {
	cause string
	err   error
}

func (a *abortError) Error() string {
	if a.err == nil {
		return a.cause
	}
	return fmt.Sprintf("%s: %v", a.cause, a.err)
}

func (a *abortError) Unwrap() error { return a.err }

func abort(cause string, err error) error {
	return &abortError{cause: cause, err: err}
}

func asTerminal(err error) (*terminalError, bool) {
	var t *terminalError
	ok := errors.As(err, &t)
	return t, ok
}
