package exec

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/opstools/ssh-broker/internal/apperror"
)

// sendKeysPattern matches `tmux send-keys -t <sess> ... (Enter|C-m)`, per
// spec.md §4.F step 5.
var sendKeysPattern = regexp.MustCompile(`^\s*tmux\s+send-keys\s+-t\s+(\S+)\s+.*\b(Enter|C-m)\s*$`)

// blockedCommandPattern matches pane commands known to consume keystrokes
// without producing a prompt.
var blockedCommandPattern = regexp.MustCompile(`^(vim|nano|less|more|top|htop|man)$`)

// tmuxSendKeysTarget returns the target session of a send-keys invocation,
// or ("", false) if command does not match the pattern.
func tmuxSendKeysTarget(command string) (string, bool) {
	m := sendKeysPattern.FindStringSubmatch(command)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// tmuxBlockCheck is the outcome of checking a pane for blocked state.
type tmuxBlockCheck struct {
	blocked   bool
	psLine    string
	panePid   string
	paneCmd   string
	lastLines string
}

// checkTmuxBlocked implements spec.md §4.F step 5's blocked-pane detection.
func (e *Engine) checkTmuxBlocked(cli *ssh.Client, session string) (tmuxBlockCheck, error) {
	paneOut, err := runOnce(cli, fmt.Sprintf(`tmux list-panes -t %s -F "#{pane_pid} #{pane_current_command}"`, shellQuote(session)))
	if err != nil {
		return tmuxBlockCheck{}, apperror.Wrap(apperror.DockerFailed, err, "list tmux panes")
	}
	fields := strings.Fields(strings.TrimSpace(paneOut))
	if len(fields) < 2 {
		return tmuxBlockCheck{}, apperror.New(apperror.CommandFailed, "could not resolve tmux pane")
	}
	pid, cmd := fields[0], fields[1]

	stateOut, err := runOnce(cli, fmt.Sprintf("ps -o state= -p %s", shellQuote(pid)))
	if err != nil {
		return tmuxBlockCheck{}, apperror.Wrap(apperror.DockerFailed, err, "read pane process state")
	}
	state := strings.TrimSpace(stateOut)

	childOut, _ := runOnce(cli, fmt.Sprintf("pgrep -P %s", shellQuote(pid)))
	hasChild := strings.TrimSpace(childOut) != ""

	blocked := strings.ContainsAny(state, "DTW") || blockedCommandPattern.MatchString(cmd) || hasChild
	check := tmuxBlockCheck{blocked: blocked, psLine: state, panePid: pid, paneCmd: cmd}

	if blocked {
		lines, _ := runOnce(cli, fmt.Sprintf("tmux capture-pane -p -t %s -S -10", shellQuote(session)))
		check.lastLines = lines
	}
	return check, nil
}

// blockedError builds the structured error returned when a send-keys is
// aborted, including remediation hints per spec.md §4.F step 5.
func (c tmuxBlockCheck) blockedError(session string) error {
	return apperror.New(apperror.TmuxBlocked, fmt.Sprintf(
		"tmux session %q pane is blocked (pid %s, cmd %q, state %q); last 10 lines:\n%s\nhint: the pane may be waiting on interactive input (a pager, an editor, a sudo prompt) — resolve it manually or pass force=true to bypass this check",
		session, c.panePid, c.paneCmd, c.psLine, c.lastLines))
}

// promptLinePattern matches shell-prompt-like lines for context windowing
// in tmux output enrichment (spec.md §4.F step 7).
var promptLinePattern = regexp.MustCompile(`^.*[\$#>]\s+`)

// tmuxEnrich computes the appended lines of a send-keys invocation by
// diffing the pane captured before and after the keystrokes, plus a small
// preceding context window bounded by the two most recent prompt-like
// lines.
func tmuxEnrich(before, after string) string {
	beforeLines := strings.Split(before, "\n")
	afterLines := strings.Split(after, "\n")

	commonPrefix := 0
	for commonPrefix < len(beforeLines) && commonPrefix < len(afterLines) && beforeLines[commonPrefix] == afterLines[commonPrefix] {
		commonPrefix++
	}
	appended := afterLines[commonPrefix:]

	contextStart := commonPrefix
	promptsSeen := 0
	for i := commonPrefix - 1; i >= 0 && promptsSeen < 2; i-- {
		if promptLinePattern.MatchString(beforeLines[i]) {
			promptsSeen++
			contextStart = i
		}
	}
	context := beforeLines[contextStart:commonPrefix]

	return strings.Join(append(context, appended...), "\n")
}

// tmuxSummary builds the concise summary for the non-send-keys tmux
// subcommands named in spec.md §4.F step 7.
func tmuxSummary(command, output string) string {
	switch {
	case strings.Contains(command, "new-session"):
		return "tmux session created"
	case strings.Contains(command, "kill-session"):
		return "tmux session terminated"
	case strings.Contains(command, "has-session"):
		if strings.TrimSpace(output) == "" {
			return "tmux session exists"
		}
		return "tmux session does not exist"
	case strings.Contains(command, "capture-pane"):
		return output
	default:
		return output
	}
}

// runOnce executes command on cli in a fresh session and returns combined
// output, discarding the exit status (used for the small diagnostic
// queries in tmux blocked-state detection).
func runOnce(cli *ssh.Client, command string) (string, error) {
	sess, err := cli.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()
	out, err := sess.CombinedOutput(command)
	return string(out), err
}
