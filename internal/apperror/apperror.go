// Package apperror defines the error kinds surfaced to the Tool Dispatcher
// (spec.md §7) and wraps them with github.com/juju/errors so call sites
// keep a traceable cause while the dispatcher only ever needs to switch on
// a Kind.
package apperror

import (
	"github.com/juju/errors"
)

// Kind is one of the normative error kinds from spec.md §7.
type Kind string

const (
	NotConnected        Kind = "not_connected"
	ConnectFailed        Kind = "connect_failed"
	AuthFailed           Kind = "auth_failed"
	Timeout              Kind = "timeout"
	CommandFailed        Kind = "command_failed"
	TmuxBlocked          Kind = "tmux_blocked"
	TransferFailed       Kind = "transfer_failed"
	TunnelPortInUse      Kind = "tunnel_port_in_use"
	TunnelForwardFailed  Kind = "tunnel_forward_failed"
	SessionClosed        Kind = "session_closed"
	UnknownContainer     Kind = "unknown_container"
	DockerFailed         Kind = "docker_failed"
	Internal             Kind = "internal"
)

// kindErr carries a Kind alongside the wrapped cause so Unwrap-based
// unwrapping (errors.Unwrap, errors.Is, errors.As) still reaches the
// original error.
type kindErr struct {
	kind Kind
	err  error
}

func (e *kindErr) Error() string { return e.err.Error() }
func (e *kindErr) Unwrap() error { return e.err }

// New creates a new error of the given kind with a message.
func New(kind Kind, message string) error {
	return &kindErr{kind: kind, err: errors.New(message)}
}

// Wrap annotates err with message and tags it with kind. A nil err yields
// a nil result, matching errors.Annotate's convention.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &kindErr{kind: kind, err: errors.Annotate(err, message)}
}

// Of extracts the Kind from err, defaulting to Internal when err was not
// constructed through this package.
func Of(err error) Kind {
	if err == nil {
		return ""
	}
	for e := err; e != nil; {
		if ke, ok := e.(*kindErr); ok {
			return ke.kind
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return Internal
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}
