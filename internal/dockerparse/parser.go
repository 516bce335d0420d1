// Package dockerparse implements the Docker Command Parser (spec.md
// §4.D): it classifies a single shell command line as regular, a single
// `docker exec`, a passthrough `docker run`, or a compound line split on
// unquoted &&, || and ;. Tokenization uses github.com/kballard/go-shellquote
// (the same shell-word-splitting library juju-juju depends on), falling
// back to whitespace splitting when quoting is unbalanced, per the
// edge-case policy in spec.md §4.D.
package dockerparse

import (
	"strings"

	shellwords "github.com/kballard/go-shellquote"
)

// Kind classifies a ParsedCommand.
type Kind string

const (
	KindRegular    Kind = "regular"
	KindDockerExec Kind = "docker_exec"
	KindDockerRun  Kind = "docker_run"
	KindCompound   Kind = "compound"
)

// ExecSegment is one parsed `docker exec` invocation.
type ExecSegment struct {
	Raw          string
	Workdir      string
	User         string
	Env          map[string]string
	Flags        []string // unknown short flags collected verbatim, e.g. -i, -t, -it, -d
	Container    string
	InnerCommand string
}

// ParsedCommand is the tagged result of Parse.
type ParsedCommand struct {
	Kind                  Kind
	Original              string
	ExecSegments          []ExecSegment
	RegularSegments       []string
	NeedsContainerContext bool
}

// flagsConsumingArgument are short/long flags that take the following
// token as their value, per spec.md §4.D's edge-case policy.
var flagsConsumingArgument = map[string]bool{
	"-w": true, "--workdir": true,
	"-u": true, "--user": true,
	"-e": true, "--env": true,
	"-p": true,
	"-v": true,
	"--name": true,
}

// Parse classifies a single command line.
func Parse(line string) ParsedCommand {
	segments := splitCompound(line)
	if len(segments) > 1 {
		pc := ParsedCommand{Kind: KindCompound, Original: line}
		hasExec, hasRegular := false, false
		for _, seg := range segments {
			sub := parseSingle(seg)
			switch sub.Kind {
			case KindDockerExec:
				pc.ExecSegments = append(pc.ExecSegments, sub.ExecSegments...)
				hasExec = true
			default:
				pc.RegularSegments = append(pc.RegularSegments, seg)
				hasRegular = true
			}
		}
		pc.NeedsContainerContext = hasExec && hasRegular
		return pc
	}
	return parseSingle(line)
}

// parseSingle classifies a line known to contain no unquoted compound
// operator.
func parseSingle(line string) ParsedCommand {
	trimmed := strings.TrimSpace(line)
	tokens := tokenize(trimmed)

	if isDockerRun(tokens) {
		return ParsedCommand{Kind: KindDockerRun, Original: line}
	}
	if idx := dockerExecIndex(tokens); idx >= 0 {
		seg := parseExecSegment(trimmed, tokens[idx+2:])
		seg.Raw = trimmed
		return ParsedCommand{Kind: KindDockerExec, Original: line, ExecSegments: []ExecSegment{seg}}
	}
	return ParsedCommand{Kind: KindRegular, Original: line, RegularSegments: []string{line}}
}

func tokenize(s string) []string {
	tokens, err := shellwords.Split(s)
	if err != nil {
		// Unclosed quotes: fall back to whitespace tokenization.
		return strings.Fields(s)
	}
	return tokens
}

func isDockerRun(tokens []string) bool {
	for i := 0; i+1 < len(tokens); i++ {
		if tokens[i] == "docker" && tokens[i+1] == "run" {
			return true
		}
	}
	return false
}

// dockerExecIndex returns the token index of "docker" when followed by
// "exec", or -1 if absent.
func dockerExecIndex(tokens []string) int {
	for i := 0; i+1 < len(tokens); i++ {
		if tokens[i] == "docker" && tokens[i+1] == "exec" {
			return i
		}
	}
	return -1
}

// parseExecSegment parses the option/container/command tail of a
// `docker exec` invocation, where rest is every token after "docker exec".
func parseExecSegment(raw string, rest []string) ExecSegment {
	seg := ExecSegment{Env: map[string]string{}}
	i := 0
	for ; i < len(rest); i++ {
		tok := rest[i]
		if !strings.HasPrefix(tok, "-") {
			break
		}

		name, inlineVal, hasInline := splitInlineFlag(tok)
		if flagsConsumingArgument[name] {
			var val string
			if hasInline {
				val = inlineVal
			} else if i+1 < len(rest) {
				i++
				val = rest[i]
			}
			switch name {
			case "-w", "--workdir":
				seg.Workdir = val
			case "-u", "--user":
				seg.User = val
			case "-e", "--env":
				if k, v, ok := strings.Cut(val, "="); ok {
					seg.Env[k] = v
				}
			// -p, -v, --name consume an argument but are otherwise
			// irrelevant to exec context threading; discard the value.
			default:
			}
			continue
		}
		seg.Flags = append(seg.Flags, tok)
	}

	if i < len(rest) {
		seg.Container = rest[i]
		i++
	}
	if i < len(rest) {
		seg.InnerCommand = shellwords.Join(rest[i:]...)
	}
	return seg
}

// splitInlineFlag splits "-eKEY=VAL" / "--env=KEY=VAL" style flags from
// their value; ok is false when the flag has no inline value.
func splitInlineFlag(tok string) (name, value string, ok bool) {
	if strings.HasPrefix(tok, "--") {
		if k, v, found := strings.Cut(tok, "="); found {
			return k, v, true
		}
		return tok, "", false
	}
	// Short flag: "-e" alone, or "-eVALUE" glued together.
	if len(tok) > 2 {
		return tok[:2], tok[2:], true
	}
	return tok, "", false
}

// splitCompound splits line on unquoted &&, || or ; and returns the
// trimmed segments in order. A line with no unquoted operator returns a
// single-element slice containing the trimmed line; a line with no
// non-blank segment at all returns line unchanged.
func splitCompound(line string) []string {
	var segments []string
	var cur strings.Builder
	var quote rune
	runes := []rune(line)

	flush := func(upTo int) {
		seg := strings.TrimSpace(cur.String())
		if seg != "" {
			segments = append(segments, seg)
		}
		cur.Reset()
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if quote != 0 {
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
			continue
		}
		if r == '\'' || r == '"' {
			quote = r
			cur.WriteRune(r)
			continue
		}
		if r == '&' && i+1 < len(runes) && runes[i+1] == '&' {
			flush(i)
			i++
			continue
		}
		if r == '|' && i+1 < len(runes) && runes[i+1] == '|' {
			flush(i)
			i++
			continue
		}
		if r == ';' {
			flush(i)
			continue
		}
		cur.WriteRune(r)
	}
	flush(len(runes))

	if len(segments) == 0 {
		return []string{line}
	}
	return segments
}
