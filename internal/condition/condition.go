// Package condition compiles and evaluates field visibility predicates.
//
// A predicate is a CEL expression over a single variable, fields, which maps
// a field name to its current value, e.g. `fields["plan"] == "pro"`.
package condition

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// ErrNotBoolean is returned when a predicate does not evaluate to a boolean.
var ErrNotBoolean = errors.New("predicate does not evaluate to a boolean")

// Evaluator caches compiled predicates. It is safe for concurrent use.
type Evaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewEvaluator creates an evaluator with the fields variable declared.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("fields", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Evaluator{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// Validate compiles expr and checks that it yields a boolean.
func (e *Evaluator) Validate(expr string) error {
	_, err := e.program(expr)
	return err
}

// Eval evaluates expr against the current field values.
func (e *Evaluator) Eval(expr string, fields map[string]string) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	if fields == nil {
		fields = map[string]string{}
	}
	out, _, err := prg.Eval(map[string]any{"fields": fields})
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", expr, err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%q: %w", expr, ErrNotBoolean)
	}
	return val, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsAssignableType(cel.BoolType) {
		return nil, fmt.Errorf("%q returns %s: %w", expr, ast.OutputType(), ErrNotBoolean)
	}
	p, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	e.prgCache[expr] = p
	return p, nil
}

// Equals renders the predicate "control currently holds option".
// Missing controls evaluate to false instead of failing.
func Equals(control, option string) string {
	c := strconv.Quote(control)
	return fmt.Sprintf("%s in fields && fields[%s] == %s", c, c, strconv.Quote(option))
}

// All joins clauses with AND. Duplicates are removed and order is kept.
func All(clauses ...string) string {
	return join(dedupe(clauses), " && ")
}

// Any joins alternatives with OR. Alternatives are sorted so the result is
// independent of discovery order.
func Any(alternatives ...string) string {
	alts := dedupe(alternatives)
	sort.Strings(alts)
	return join(alts, " || ")
}

func join(parts []string, op string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	wrapped := make([]string, len(parts))
	for i, p := range parts {
		wrapped[i] = "(" + p + ")"
	}
	return strings.Join(wrapped, op)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
