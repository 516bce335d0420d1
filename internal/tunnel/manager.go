// Package tunnel implements the Tunnel Forwarder (spec.md §4.H): local TCP
// listeners that bridge inbound connections to a remote host/port through
// an SSH connection's direct-tcpip channels.
package tunnel

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opstools/ssh-broker/internal/apperror"
	"github.com/opstools/ssh-broker/internal/events"
	"github.com/opstools/ssh-broker/internal/models"
	"github.com/opstools/ssh-broker/internal/registry"
)

// CreateOptions are the fields accepted by CreateTunnel.
type CreateOptions struct {
	ConnID      string
	LocalPort   int
	RemoteHost  string
	RemotePort  int
	Description string
}

// Manager is the Tunnel Forwarder.
type Manager struct {
	registry *registry.Registry
	events   *events.Hub
	log      zerolog.Logger

	mu        sync.Mutex
	tunnels   map[string]*models.Tunnel
	listeners map[string]net.Listener
	byConn    map[string]map[string]bool // connID -> set of tunnel ids
}

// New builds a Manager bound to reg for SSH transport lookup.
func New(reg *registry.Registry, hub *events.Hub, log zerolog.Logger) *Manager {
	return &Manager{
		registry:  reg,
		events:    hub,
		log:       log,
		tunnels:   make(map[string]*models.Tunnel),
		listeners: make(map[string]net.Listener),
		byConn:    make(map[string]map[string]bool),
	}
}

// Get returns the Tunnel record for id, if any.
func (m *Manager) Get(id string) (*models.Tunnel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[id]
	return t, ok
}

// List returns every tracked Tunnel.
func (m *Manager) List() []*models.Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		out = append(out, t)
	}
	return out
}

// portInUse reports whether localPort is already bound by an active
// tunnel, per spec.md §4.H's reject-on-collision rule.
func (m *Manager) portInUse(localPort int) bool {
	for _, t := range m.tunnels {
		if t.Active && t.LocalPort == localPort {
			return true
		}
	}
	return false
}

// CreateTunnel implements createTunnel({connId, localPort, remoteHost,
// remotePort, description?}), per spec.md §4.H.
func (m *Manager) CreateTunnel(opts CreateOptions) (*models.Tunnel, error) {
	m.mu.Lock()
	if m.portInUse(opts.LocalPort) {
		m.mu.Unlock()
		return nil, apperror.New(apperror.TunnelPortInUse, fmt.Sprintf("local port %d is already in use by an active tunnel", opts.LocalPort))
	}
	m.mu.Unlock()

	if _, ok := m.registry.Client(opts.ConnID); !ok {
		return nil, apperror.New(apperror.NotConnected, fmt.Sprintf("connection %q is not connected", opts.ConnID))
	}

	addr := fmt.Sprintf("127.0.0.1:%d", opts.LocalPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, apperror.Wrap(apperror.TunnelForwardFailed, err, "bind local listener")
	}

	id := uuid.NewString()
	t := models.NewTunnel(id, opts.ConnID, opts.LocalPort, opts.RemoteHost, opts.RemotePort, opts.Description)

	m.mu.Lock()
	m.tunnels[id] = t
	m.listeners[id] = ln
	if m.byConn[opts.ConnID] == nil {
		m.byConn[opts.ConnID] = make(map[string]bool)
	}
	m.byConn[opts.ConnID][id] = true
	m.mu.Unlock()

	go m.acceptLoop(t, ln)
	return t, nil
}

// acceptLoop accepts inbound sockets on ln and bridges each to a fresh
// direct-tcpip channel, per spec.md §4.H: any error on either side tears
// down just that pair, the listener keeps serving.
func (m *Manager) acceptLoop(t *models.Tunnel, ln net.Listener) {
	for {
		inbound, err := ln.Accept()
		if err != nil {
			return
		}
		go m.bridge(t, inbound)
	}
}

func (m *Manager) bridge(t *models.Tunnel, inbound net.Conn) {
	cli, ok := m.registry.Client(t.ConnectionID)
	if !ok {
		inbound.Close()
		return
	}

	remoteAddr := fmt.Sprintf("%s:%d", t.RemoteHost, t.RemotePort)
	outbound, err := cli.Dial("tcp", remoteAddr)
	if err != nil {
		m.log.Warn().Err(err).Str("tunnel_id", t.ID).Str("remote", remoteAddr).Msg("direct-tcpip dial failed")
		inbound.Close()
		return
	}

	closeOnce := sync.Once{}
	closePair := func() {
		closeOnce.Do(func() {
			inbound.Close()
			outbound.Close()
		})
	}
	handle := t.TrackPair(closePair)
	defer func() {
		t.UntrackPair(handle)
		closePair()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(outbound, inbound)
		closePair()
	}()
	go func() {
		defer wg.Done()
		io.Copy(inbound, outbound)
		closePair()
	}()
	wg.Wait()
}

// CloseTunnel implements closeTunnel(id): idempotent, per spec.md §4.H.
func (m *Manager) CloseTunnel(id string) bool {
	m.mu.Lock()
	t, ok := m.tunnels[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	ln := m.listeners[id]
	delete(m.tunnels, id)
	delete(m.listeners, id)
	if conns, ok := m.byConn[t.ConnectionID]; ok {
		delete(conns, id)
	}
	m.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	t.CloseAllPairs()
	m.events.Publish(events.TopicTunnelClosed, events.TunnelClosedEvent{TunnelID: id, Reason: "closed"})
	return true
}

// CloseAllForConnection tears down every tunnel owned by connID, wired to
// registry.Registry.OnDisconnect: tunnels do not survive a reconnect of
// their parent connection, per spec.md §4.H.
func (m *Manager) CloseAllForConnection(connID string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byConn[connID]))
	for id := range m.byConn[connID] {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.CloseTunnel(id)
	}
}
