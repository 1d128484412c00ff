// internal/normalize/normalizer.go
package normalize

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// structuralAttributes are the attributes that describe what an element is.
// Live state (value, checked, selected) is excluded.
var structuralAttributes = map[string]bool{
	"id":            true,
	"name":          true,
	"type":          true,
	"role":          true,
	"aria-label":    true,
	"aria-haspopup": true,
	"placeholder":   true,
	"for":           true,
	"href":          true,
	"title":         true,
	"data-testid":   true,
	"class":         true,
	"multiple":      true,
	"disabled":      true,
}

const maxValueLength = 128

// Normalizer strips render-specific noise from element attributes.
type Normalizer struct {
	Rules Rules
}

// NewNormalizer creates a new normalizer with the given rules.
func NewNormalizer(rules Rules) *Normalizer {
	return &Normalizer{Rules: rules}
}

// Attributes returns the structural, normalized subset of attrs. Radio and
// checkbox inputs keep their value attribute since it names the option.
func (n *Normalizer) Attributes(tag string, attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	checkable := false
	if strings.EqualFold(tag, "input") {
		switch strings.ToLower(attrs["type"]) {
		case "radio", "checkbox":
			checkable = true
		}
	}

	for key, val := range attrs {
		key = strings.ToLower(key)
		if !structuralAttributes[key] && !(checkable && key == "value") {
			continue
		}
		if n.IsVolatileAttribute(key) {
			continue
		}
		if key == "class" {
			if stable := n.StableClasses(val); stable != "" {
				out[key] = stable
			}
			continue
		}
		val = Text(val, maxValueLength)
		if key != "type" && n.IsVolatileValue(val) {
			val = PlaceholderVolatile
		}
		out[key] = val
	}
	return out
}

// IsVolatileAttribute reports whether the attribute name matches a configured volatile pattern.
func (n *Normalizer) IsVolatileAttribute(name string) bool {
	for _, g := range n.Rules.VolatileAttributes {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// StableClasses sorts the class list and drops generated class names.
func (n *Normalizer) StableClasses(class string) string {
	classes := strings.Fields(class)
	sort.Strings(classes)
	kept := classes[:0]
	for _, c := range classes {
		if n.Rules.HashClass != nil && n.Rules.HashClass.MatchString(c) {
			continue
		}
		kept = append(kept, c)
	}
	return strings.Join(kept, " ")
}

// IsVolatileValue applies the value heuristics to one attribute value.
func (n *Normalizer) IsVolatileValue(s string) bool {
	for _, g := range n.Rules.VolatileValues {
		if g.Match(s) {
			return true
		}
	}
	if n.Rules.CounterSuffix != nil && n.Rules.CounterSuffix.MatchString(s) {
		return true
	}
	// Short strings are rarely generated identifiers.
	if len(s) < 10 {
		return false
	}
	if n.Rules.CheckValueForUUID {
		if _, err := uuid.Parse(s); err == nil {
			return true
		}
	}
	if n.Rules.CheckValueForTimestamp {
		for _, format := range n.Rules.TimestampFormats {
			if _, err := time.Parse(format, s); err == nil {
				return true
			}
		}
	}
	if n.Rules.CheckValueForHighEntropy && len(s) >= 16 && !strings.ContainsAny(s, " /") {
		if ShannonEntropy(s) > n.Rules.EntropyThreshold {
			return true
		}
	}
	return false
}

// ShannonEntropy returns the entropy of s in bits per character.
func ShannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	total := 0
	for _, r := range s {
		freq[r]++
		total++
	}
	var entropy float64
	for _, count := range freq {
		p := float64(count) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// Text collapses whitespace and truncates to max runes. max <= 0 disables truncation.
func Text(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if max > 0 {
		if r := []rune(s); len(r) > max {
			return string(r[:max])
		}
	}
	return s
}
