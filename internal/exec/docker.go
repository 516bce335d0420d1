package exec

import (
	"strings"

	"github.com/opstools/ssh-broker/internal/containerctx"
	"github.com/opstools/ssh-broker/internal/dockerparse"
)

// dispatchDocker implements spec.md §4.F step 3: it turns a parsed command
// into the literal command line that should actually be sent over the
// wire, threading container context through docker_exec and compound
// invocations.
func (e *Engine) dispatchDocker(connID string, parsed dockerparse.ParsedCommand) string {
	switch parsed.Kind {
	case dockerparse.KindDockerExec:
		seg := parsed.ExecSegments[0]
		e.containers.SetContext(connID, seg.Container, containerctx.SetContextOptions{
			Workdir: seg.Workdir,
			User:    seg.User,
			Env:     seg.Env,
		})
		return seg.Raw

	case dockerparse.KindCompound:
		return e.dispatchCompound(connID, parsed)

	case dockerparse.KindDockerRun:
		return parsed.Original

	case dockerparse.KindRegular:
		return e.dispatchRegular(connID, parsed.Original)

	default:
		return parsed.Original
	}
}

// dispatchCompound executes each docker_exec segment in encounter order,
// threading container context forward, then combines any trailing regular
// segments with && and runs them inside the last active container via `sh
// -c`, per spec.md §4.F step 3's compound choreography.
func (e *Engine) dispatchCompound(connID string, parsed dockerparse.ParsedCommand) string {
	for _, seg := range parsed.ExecSegments {
		e.containers.SetContext(connID, seg.Container, containerctx.SetContextOptions{
			Workdir: seg.Workdir,
			User:    seg.User,
			Env:     seg.Env,
		})
	}

	execParts := make([]string, len(parsed.ExecSegments))
	for i, seg := range parsed.ExecSegments {
		execParts[i] = seg.Raw
	}
	chain := strings.Join(execParts, " && ")

	if len(parsed.RegularSegments) == 0 {
		return chain
	}

	container, ok := e.containers.GetActiveContainer(connID)
	if !ok {
		return parsed.Original
	}
	sess, _ := e.containers.Get(connID, container)
	joined := strings.Join(parsed.RegularSegments, " && ")
	wrapped := containerctx.BuildExec(container, "sh -c "+shellQuote(joined), sess, false)
	if chain == "" {
		return wrapped
	}
	return chain + " && " + wrapped
}

// dispatchRegular wraps a plain command in `docker exec` when connID has an
// active container context, leaving docker_run and truly standalone
// commands untouched.
func (e *Engine) dispatchRegular(connID, command string) string {
	container, ok := e.containers.GetActiveContainer(connID)
	if !ok {
		return command
	}
	sess, _ := e.containers.Get(connID, container)
	return containerctx.BuildExec(container, command, sess, false)
}
