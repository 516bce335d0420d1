// Package events implements the "broker per event kind" design noted in
// spec.md §9: transfer progress, terminal data and tunnel close are each
// published on their own topic through a github.com/juju/pubsub/v2 hub so
// that a slow subscriber can never stall the producer (juju/pubsub invokes
// subscribers on its own goroutine pool, off the publisher's call stack).
package events

import (
	"github.com/juju/pubsub/v2"
)

// Topics used across the broker. Each subsystem owns exactly one topic.
const (
	TopicTransferProgress = "transfer.progress"
	TopicTerminalData     = "terminal.data"
	TopicTunnelClosed     = "tunnel.closed"
	TopicBackgroundResult = "background.result"
)

// TransferProgressEvent is published whenever a Transfer's progress
// crosses a reporting boundary or its status changes.
type TransferProgressEvent struct {
	TransferID string
	Status     string
	Progress   int
	Bytes      int64
	Size       int64
}

// TerminalDataEvent is published for every chunk read from a PTY channel.
type TerminalDataEvent struct {
	SessionID string
	Data      []byte
}

// TunnelClosedEvent is published once a tunnel and all of its socket pairs
// have been torn down.
type TunnelClosedEvent struct {
	TunnelID string
	Reason   string
}

// BackgroundResultEvent is published after each background task tick.
type BackgroundResultEvent struct {
	ConnectionID string
	Output       string
	Err          string
}

// Hub is the broker's event fan-out point. The zero value is not usable;
// construct with New.
type Hub struct {
	hub *pubsub.SimpleHub
}

// New builds an empty Hub.
func New() *Hub {
	return &Hub{hub: pubsub.NewSimpleHub(nil)}
}

// Unsubscribe is returned by Subscribe; calling it removes the handler.
type Unsubscribe func()

// Subscribe registers handler on topic. The returned Unsubscribe must be
// called to stop receiving events, typically on session/transfer/tunnel
// close.
func (h *Hub) Subscribe(topic string, handler func(topic string, data interface{})) Unsubscribe {
	return Unsubscribe(h.hub.Subscribe(topic, handler))
}

// Publish is non-blocking from the caller's point of view: juju/pubsub
// dispatches to subscribers asynchronously.
func (h *Hub) Publish(topic string, data interface{}) {
	h.hub.Publish(topic, data)
}
