// internal/recovery/policy.go
package recovery

import (
	"github.com/xkilldash9x/formmapper/api/schemas"
	"github.com/xkilldash9x/formmapper/internal/config"
)

// Policy holds the retry ceiling of each recoverable class.
type Policy struct {
	ceilings map[schemas.Classification]int
}

// NewPolicy builds the policy from configuration. StructuralChange is never retried.
func NewPolicy(cfg config.RecoveryConfig) *Policy {
	return &Policy{ceilings: map[schemas.Classification]int{
		schemas.LocatorStale:       cfg.LocatorStale,
		schemas.TransientPageError: cfg.Transient,
		schemas.StepLogicError:     cfg.StepLogic,
		schemas.StructuralChange:   0,
	}}
}

// Limit returns the maximum number of retries for a class.
func (p *Policy) Limit(c schemas.Classification) int {
	return p.ceilings[c]
}

// Tracker counts retries of one step, per class.
type Tracker struct {
	policy   *Policy
	attempts map[schemas.Classification]int
}

// NewTracker starts counting for a fresh step.
func (p *Policy) NewTracker() *Tracker {
	return &Tracker{policy: p, attempts: make(map[schemas.Classification]int)}
}

// Allow records a retry of class c and reports whether it is within the ceiling.
func (t *Tracker) Allow(c schemas.Classification) bool {
	if t.attempts[c] >= t.policy.Limit(c) {
		return false
	}
	t.attempts[c]++
	return true
}

// Attempts returns how many retries of class c were granted.
func (t *Tracker) Attempts(c schemas.Classification) int {
	return t.attempts[c]
}

// Total is the number of retries granted across all classes.
func (t *Tracker) Total() int {
	n := 0
	for _, v := range t.attempts {
		n += v
	}
	return n
}
