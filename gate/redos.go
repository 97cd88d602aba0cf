package gate

import (
	"fmt"
	"regexp"
)

// maxPatternLength is the hard length ceiling for port_matches patterns
// (spec §4.1 step 3 / §8 ReDoS guard invariant).
const maxPatternLength = 256

// nestedQuantifier detects the classic catastrophic-backtracking shape
// `((...)[+*])[+*{]` — a quantified group itself quantified again, e.g.
// `(a+)+`, `(a*)*`, `([a-z]+)+`. This is a heuristic guard, not a full
// backtracking-complexity analysis; it rejects the textbook pathological
// patterns without trying to prove a pattern is safe in general.
var nestedQuantifier = regexp.MustCompile(`\([^()]*[+*]\)[+*{]`)

// CompileSafePattern validates pattern against the ReDoS guard and, if it
// passes, compiles it. Both the DAG parser (at parse time, spec §4.1 step 3)
// and the port_matches gate (at evaluation time, defense in depth) call
// this rather than regexp.Compile directly.
func CompileSafePattern(pattern string) (*regexp.Regexp, error) {
	if len(pattern) > maxPatternLength {
		return nil, fmt.Errorf("gate: pattern exceeds safety guard length of %d characters", maxPatternLength)
	}
	if nestedQuantifier.MatchString(pattern) {
		return nil, fmt.Errorf("gate: pattern rejected by ReDoS safety guard (nested quantifier)")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("gate: invalid regex pattern: %w", err)
	}
	return re, nil
}
