// Package exec implements the Command Execution Engine (spec.md §4.F): it
// turns a single remote command string into a docker- and sudo-aware,
// tmux-safe, timeout-bounded invocation over a connection's SSH transport,
// plus the backgroundExecute/stopBackground long-running variant.
package exec

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/opstools/ssh-broker/internal/apperror"
	"github.com/opstools/ssh-broker/internal/containerctx"
	"github.com/opstools/ssh-broker/internal/credstore"
	"github.com/opstools/ssh-broker/internal/dockerparse"
	"github.com/opstools/ssh-broker/internal/models"
	"github.com/opstools/ssh-broker/internal/registry"
)

// DefaultTruncateThreshold is the default T of spec.md §4.F step 8.
const DefaultTruncateThreshold = 10000

// ExecOptions are the optional fields accepted by ExecuteCommand.
type ExecOptions struct {
	Cwd       string
	TimeoutMs int
	Force     bool
}

// ExecResult is the outcome of a single ExecuteCommand call.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Engine is the Command Execution Engine.
type Engine struct {
	registry   *registry.Registry
	containers *containerctx.Manager
	creds      *credstore.Store

	truncateThreshold int

	mu      sync.Mutex
	perConn map[string]*sync.Mutex
}

// New builds an Engine bound to reg (for connection lookup/touch), containers
// (for docker context threading), and creds (for sudo password lookup).
func New(reg *registry.Registry, containers *containerctx.Manager, creds *credstore.Store) *Engine {
	return &Engine{
		registry:          reg,
		containers:        containers,
		creds:             creds,
		truncateThreshold: DefaultTruncateThreshold,
		perConn:           make(map[string]*sync.Mutex),
	}
}

// connLock returns the serialization mutex for connID, per spec.md §5's
// per-connection ordering guarantee: no two executeCommand calls on the
// same connection may interleave I/O on its single SSH transport.
func (e *Engine) connLock(connID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.perConn[connID]
	if !ok {
		l = &sync.Mutex{}
		e.perConn[connID] = l
	}
	return l
}

var cdPattern = regexp.MustCompile(`^\s*cd\s+`)

// ExecuteCommand implements spec.md §4.F's primary operation.
func (e *Engine) ExecuteCommand(ctx context.Context, connID, command string, opts ExecOptions) (*ExecResult, error) {
	conn, ok := e.registry.Get(connID)
	if !ok || conn.State != models.StateConnected {
		return nil, apperror.New(apperror.NotConnected, fmt.Sprintf("connection %q is not connected", connID))
	}
	e.registry.Touch(connID)

	lock := e.connLock(connID)
	lock.Lock()
	defer lock.Unlock()

	cli, ok := e.registry.Client(connID)
	if !ok {
		return nil, apperror.New(apperror.NotConnected, fmt.Sprintf("connection %q has no live transport", connID))
	}

	parsed := dockerparse.Parse(command)
	rewritten := e.dispatchDocker(connID, parsed)

	if pw := e.sudoPassword(connID); pw != "" && hasSudo(rewritten) {
		rewritten = rewriteSudo(rewritten, pw)
	}

	tmuxSession, isSendKeys := tmuxSendKeysTarget(rewritten)
	var before string
	if isSendKeys {
		if !opts.Force {
			check, err := e.checkTmuxBlocked(cli, tmuxSession)
			if err != nil {
				return nil, err
			}
			if check.blocked {
				return nil, check.blockedError(tmuxSession)
			}
		}
		before, _ = runOnce(cli, fmt.Sprintf("tmux capture-pane -p -t %s", shellQuote(tmuxSession)))
	}

	result, err := e.runWithTimeout(ctx, cli, rewritten, opts)
	if err != nil {
		return nil, err
	}

	if !result.TimedOut && cdPattern.MatchString(rewritten) {
		if pwd, err := probePWDOnClient(cli); err == nil {
			e.registry.SetCurrentDirectory(connID, pwd)
		}
	}

	if !result.TimedOut && isSendKeys {
		time.Sleep(300 * time.Millisecond)
		after, _ := runOnce(cli, fmt.Sprintf("tmux capture-pane -p -t %s", shellQuote(tmuxSession)))
		result.Stdout = tmuxEnrich(before, after)
	} else if !result.TimedOut && isTmuxSummaryCommand(rewritten) {
		result.Stdout = tmuxSummary(rewritten, result.Stdout)
	}

	result.Stdout = truncate(result.Stdout, e.truncateThreshold)
	result.Stderr = truncate(result.Stderr, e.truncateThreshold)
	return result, nil
}

var tmuxCommandPattern = regexp.MustCompile(`\btmux\s+(new-session|kill-session|has-session|capture-pane)\b`)

func isTmuxSummaryCommand(command string) bool {
	return tmuxCommandPattern.MatchString(command)
}

// sudoPassword resolves the password to feed a sudo prompt for connID. The
// credential store is consulted directly; config-supplied secrets are
// threaded in by the registry at connect time and are not duplicated here.
func (e *Engine) sudoPassword(connID string) string {
	cred := e.creds.Load(connID)
	return cred.Password
}

// runWithTimeout runs command on a fresh session over cli, honoring
// opts.TimeoutMs and opts.Cwd per spec.md §4.F step 6 and §5's cancellation
// rules: a timeout returns collected output so far with exit code 1.
func (e *Engine) runWithTimeout(ctx context.Context, cli *ssh.Client, command string, opts ExecOptions) (*ExecResult, error) {
	sess, err := cli.NewSession()
	if err != nil {
		return nil, apperror.Wrap(apperror.CommandFailed, err, "open ssh session")
	}
	defer sess.Close()

	full := command
	if opts.Cwd != "" {
		full = fmt.Sprintf("cd %s && %s", shellQuote(opts.Cwd), command)
	}

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	if err := sess.Start(full); err != nil {
		return nil, apperror.Wrap(apperror.CommandFailed, err, "start command")
	}
	go func() { done <- sess.Wait() }()

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	select {
	case <-runCtx.Done():
		sess.Signal(ssh.SIGKILL)
		return &ExecResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String() + "\ncommand timed out",
			ExitCode: 1,
			TimedOut: true,
		}, nil

	case werr := <-done:
		exitCode := 0
		if werr != nil {
			if exitErr, ok := werr.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				exitCode = 1
			}
		}
		return &ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
	}
}

func probePWDOnClient(cli *ssh.Client) (string, error) {
	out, err := runOnce(cli, "pwd")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
