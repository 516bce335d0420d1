package models

import "sync"

// Tunnel is a local TCP listener forwarding to a remote endpoint through
// the SSH transport of ConnectionID.
type Tunnel struct {
	ID          string
	ConnectionID string
	LocalPort   int
	RemoteHost  string
	RemotePort  int
	Description string
	Active      bool

	mu    sync.Mutex
	pairs map[int64]func() // id -> close func for each live socket pair
	nextID int64
}

// NewTunnel builds a Tunnel record ready to track live socket pairs.
func NewTunnel(id, connID string, localPort int, remoteHost string, remotePort int, desc string) *Tunnel {
	return &Tunnel{
		ID:           id,
		ConnectionID: connID,
		LocalPort:    localPort,
		RemoteHost:   remoteHost,
		RemotePort:   remotePort,
		Description:  desc,
		Active:       true,
		pairs:        make(map[int64]func()),
	}
}

// TrackPair registers a live socket pair's close function and returns a
// handle used to deregister it once the pair finishes on its own.
func (t *Tunnel) TrackPair(closeFn func()) (handle int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	handle = t.nextID
	t.pairs[handle] = closeFn
	return handle
}

// UntrackPair removes a pair without closing it (used when the pair closed
// itself).
func (t *Tunnel) UntrackPair(handle int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pairs, handle)
}

// CloseAllPairs closes every tracked socket pair atomically from the
// caller's perspective and marks the tunnel inactive.
func (t *Tunnel) CloseAllPairs() {
	t.mu.Lock()
	pairs := t.pairs
	t.pairs = make(map[int64]func())
	t.Active = false
	t.mu.Unlock()

	for _, closeFn := range pairs {
		closeFn()
	}
}

// PairCount reports the number of live socket pairs, for diagnostics.
func (t *Tunnel) PairCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pairs)
}
