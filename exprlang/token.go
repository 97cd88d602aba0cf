// Package exprlang implements a sandboxed evaluator for a restricted subset
// of a JavaScript-like expression grammar (spec §4.3). It backs `expr`
// gates and edge transforms. The grammar deliberately has no production for
// function calls, assignment, update expressions, or function literals —
// those inputs are rejected at parse time with an explicit error rather
// than silently mis-parsed.
package exprlang

import "fmt"

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokTemplateStart // backtick-delimited string; text holds the raw contents, which the parser splits
	tokIdent
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	return fmt.Sprintf("%q@%d", t.text, t.pos)
}
