package exec

import (
	"fmt"
	"regexp"
	"strings"
)

// sudoToken matches a standalone "sudo" word, per spec.md §4.F step 4: it
// must be bounded by the start/end of the command, whitespace, a shell
// operator, a parenthesis or a quote, so "pseudo-sudo-like" does not match.
var sudoToken = regexp.MustCompile(`(^|[\s;&|('"])sudo($|[\s;&|)'"])`)

// rewriteSudo rewrites every sudo invocation to read its password from a
// piped echo, never logging the password itself. password must be
// non-empty; callers check hasSudo first.
func rewriteSudo(command, password string) string {
	rewritten := sudoToken.ReplaceAllString(command, "${1}sudo -S${2}")
	return fmt.Sprintf(`echo %s | %s 2>/dev/null`, shellQuote(password), rewritten)
}

func hasSudo(command string) bool {
	return sudoToken.MatchString(command)
}

// shellQuote wraps s in single quotes, escaping any embedded single quote
// the POSIX-shell way: close the quote, emit an escaped quote, reopen it.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
