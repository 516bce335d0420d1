package exec

import "fmt"

// truncate implements spec.md §4.F step 8: when s exceeds threshold
// characters, keep the first half and last half, joined by a marker
// naming how many characters were elided.
func truncate(s string, threshold int) string {
	if threshold <= 0 || len(s) <= threshold {
		return s
	}
	half := threshold / 2
	omitted := len(s) - 2*half
	marker := fmt.Sprintf("\n... [%d characters omitted] ...\n", omitted)
	return s[:half] + marker + s[len(s)-half:]
}
