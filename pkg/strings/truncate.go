// Package strings holds small text helpers for terminal and log output.
package strings

import (
	"strings"
)

// minWidth leaves room for one character plus the ellipsis.
const minWidth = 4

// OneLine collapses all whitespace runs (newlines included) into single
// spaces and shortens the result to at most width runes, ending in "..."
// when something was cut. Upstream error bodies are often multi-line HTML
// or pretty-printed JSON; this keeps them to one readable line.
func OneLine(s string, width int) string {
	if width < minWidth {
		width = minWidth
	}
	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width-3]) + "..."
}
