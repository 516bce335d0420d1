// Package containerctx implements the Container Context Manager (spec.md
// §4.E): it tracks the active Docker container per connection, caches
// `docker ps -a` parses briefly, and sweeps idle sessions to inactive
// without ever forgetting their history.
package containerctx

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/opstools/ssh-broker/internal/models"
)

const (
	// psCacheTTL is how long a `docker ps -a` parse is reused before a
	// caller must force a refresh.
	psCacheTTL = 30 * time.Second
)

type key struct {
	connID string
	name   string
}

// SetContextOptions are the optional fields accepted by SetContext.
type SetContextOptions struct {
	Workdir string
	Env     map[string]string
	User    string
}

// psCacheEntry holds the most recent parsed `docker ps -a` output for a
// connection.
type psCacheEntry struct {
	containers []string
	fetchedAt  time.Time
}

// Manager owns every ContainerSession, keyed by (connectionId,
// containerName), plus a short-lived docker ps cache per connection.
type Manager struct {
	clock clock.Clock

	mu       sync.Mutex
	sessions map[key]*models.ContainerSession
	psCache  map[string]psCacheEntry
}

// New builds a Manager using clk as its time source (github.com/juju/clock
// makes the inactivity sweep and cache TTL deterministically testable).
func New(clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Manager{
		clock:    clk,
		sessions: make(map[key]*models.ContainerSession),
		psCache:  make(map[string]psCacheEntry),
	}
}

// SetContext upserts the session for (connID, name) and refreshes its
// LastActivity, making it the connection's active container.
func (m *Manager) SetContext(connID, name string, opts SetContextOptions) *models.ContainerSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{connID, name}
	sess, ok := m.sessions[k]
	if !ok {
		sess = &models.ContainerSession{ConnectionID: connID, ContainerName: name, Env: map[string]string{}}
		m.sessions[k] = sess
	}
	if opts.Workdir != "" {
		sess.WorkingDirectory = opts.Workdir
	}
	if opts.User != "" {
		sess.User = opts.User
	}
	for k, v := range opts.Env {
		if sess.Env == nil {
			sess.Env = map[string]string{}
		}
		sess.Env[k] = v
	}
	sess.Touch(m.clock.Now())
	return sess
}

// GetActiveContainer returns the name of the most-recently-active, still
// active session for connID, or ("", false) if none is active.
func (m *Manager) GetActiveContainer(connID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *models.ContainerSession
	for k, sess := range m.sessions {
		if k.connID != connID || !sess.IsActive {
			continue
		}
		if best == nil || sess.LastActivity.After(best.LastActivity) {
			best = sess
		}
	}
	if best == nil {
		return "", false
	}
	return best.ContainerName, true
}

// Get returns the session for (connID, name), if any.
func (m *Manager) Get(connID, name string) (*models.ContainerSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[key{connID, name}]
	return sess, ok
}

// ExitContainer deactivates the active container of connID without
// forgetting its history, per the open question in spec.md §9: callers can
// escape a sticky container context.
func (m *Manager) ExitContainer(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, sess := range m.sessions {
		if k.connID == connID {
			sess.IsActive = false
		}
	}
}

// Sweep marks sessions whose LastActivity is older than idleAfter as
// inactive. History is never deleted, per spec.md §4.E.
func (m *Manager) Sweep(idleAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.clock.Now().Add(-idleAfter)
	for _, sess := range m.sessions {
		if sess.IsActive && sess.LastActivity.Before(cutoff) {
			sess.IsActive = false
		}
	}
}

// CachedContainers returns the cached `docker ps -a` container name list
// for connID if it is younger than psCacheTTL and force is false.
func (m *Manager) CachedContainers(connID string, force bool) (names []string, fresh bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.psCache[connID]
	if !ok || force || m.clock.Now().Sub(entry.fetchedAt) > psCacheTTL {
		return nil, false
	}
	return append([]string(nil), entry.containers...), true
}

// StoreContainers records a freshly fetched `docker ps -a` parse.
func (m *Manager) StoreContainers(connID string, names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.psCache[connID] = psCacheEntry{containers: append([]string(nil), names...), fetchedAt: m.clock.Now()}
}

// ParsePS parses the tab/space-separated NAMES column out of
// `docker ps -a --format "{{.Names}}"`-style output (one name per line);
// broader `docker ps -a` tabular output is reduced to its last
// whitespace-delimited field, which is always the container name list.
func ParsePS(output string) []string {
	var names []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		names = append(names, fields[len(fields)-1])
	}
	sort.Strings(names)
	return names
}

// BuildExec reassembles a `docker exec` invocation from a session, per
// spec.md §4.E. interactive toggles -it; non-interactive is the default
// for programmatic execution.
func BuildExec(name string, innerCommand string, sess *models.ContainerSession, interactive bool) string {
	var b strings.Builder
	b.WriteString("docker exec ")
	if interactive {
		b.WriteString("-it ")
	}
	if sess != nil {
		if sess.WorkingDirectory != "" {
			fmt.Fprintf(&b, "-w %s ", sess.WorkingDirectory)
		}
		if sess.User != "" {
			fmt.Fprintf(&b, "-u %s ", sess.User)
		}
		keys := make([]string, 0, len(sess.Env))
		for k := range sess.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "-e %s=%s ", k, sess.Env[k])
		}
	}
	fmt.Fprintf(&b, "%s %s", name, innerCommand)
	return b.String()
}
