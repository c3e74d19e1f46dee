package pairs

import (
	"regexp"
	"strings"
)

// pairPattern matches "BASE/QUOTE" with an optional ":MARK" suffix,
// e.g. "BTC/USD" or "ETH/STRK:MARK".
var pairPattern = regexp.MustCompile(`^[A-Z0-9]+/[A-Z0-9]+(:[A-Z0-9]+)?$`)

// IsValid reports whether pair is a well-formed uppercase pair string.
func IsValid(pair string) bool {
	return pairPattern.MatchString(pair)
}

// Normalize uppercases, trims and deduplicates raw pair strings, dropping
// anything that is not a well-formed pair. Order of first appearance is kept
// so confirmation echoes read the way the client sent them.
func Normalize(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))

	for _, p := range raw {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" || !IsValid(p) {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	return out
}
