// internal/normalize/rules.go
package normalize

import (
	"fmt"
	"regexp"
	"time"

	"github.com/gobwas/glob"
)

// PlaceholderVolatile replaces attribute values that change between renders.
const PlaceholderVolatile = "__VOLATILE__"

// Rules is the configurable set of heuristics for spotting render-specific noise.
type Rules struct {
	// VolatileAttributes matches attribute names dropped before hashing (framework ids, nonces).
	VolatileAttributes []glob.Glob
	// VolatileValues matches attribute values replaced by the placeholder.
	VolatileValues []glob.Glob
	// HashClass matches generated CSS-in-JS class names.
	HashClass *regexp.Regexp
	// CounterSuffix matches ids ending in a render counter, such as input-1234.
	CounterSuffix *regexp.Regexp

	CheckValueForUUID        bool
	CheckValueForTimestamp   bool
	TimestampFormats         []string
	CheckValueForHighEntropy bool
	EntropyThreshold         float64
}

// DefaultRules covers the common framework noise without any configured patterns.
func DefaultRules() Rules {
	return Rules{
		HashClass:     regexp.MustCompile(`^(css|sc|jsx|emotion|styled|svelte)-[a-zA-Z0-9_-]{4,}$|^[a-zA-Z]{1,3}[0-9][a-zA-Z0-9]{3,}$`),
		CounterSuffix: regexp.MustCompile(`[-_:][0-9]{3,}$`),

		CheckValueForUUID:        true,
		CheckValueForTimestamp:   true,
		TimestampFormats:         []string{time.RFC3339, time.RFC3339Nano, time.RFC822, "2006-01-02T15:04:05.000Z"},
		CheckValueForHighEntropy: true,
		EntropyThreshold:         4.5,
	}
}

// CompileRules extends DefaultRules with glob patterns for attribute names and values.
func CompileRules(attributePatterns, valuePatterns []string) (Rules, error) {
	rules := DefaultRules()
	for _, p := range attributePatterns {
		g, err := glob.Compile(p)
		if err != nil {
			return Rules{}, fmt.Errorf("invalid volatile attribute pattern %q: %w", p, err)
		}
		rules.VolatileAttributes = append(rules.VolatileAttributes, g)
	}
	for _, p := range valuePatterns {
		g, err := glob.Compile(p)
		if err != nil {
			return Rules{}, fmt.Errorf("invalid volatile value pattern %q: %w", p, err)
		}
		rules.VolatileValues = append(rules.VolatileValues, g)
	}
	return rules, nil
}
