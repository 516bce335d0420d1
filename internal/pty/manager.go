// Package pty implements the PTY Session Manager (spec.md §4.I): SSH
// "shell" channels with PTY dimensions, a data pump that fans out every
// chunk as a terminal_data event, one-shot sudo password autofill, and an
// inactivity sweep. Grounded on the teacher's
// internal/ssh/session.go (ConfigureTerminal/StartShell/WindowChange),
// reworked from a local-terminal-attached session into a
// programmatically driven one (no os.Stdin/Stdout, no raw-mode local
// terminal) since the broker is the orchestrator, not the terminal.
package pty

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/opstools/ssh-broker/internal/apperror"
	"github.com/opstools/ssh-broker/internal/credstore"
	"github.com/opstools/ssh-broker/internal/events"
	"github.com/opstools/ssh-broker/internal/models"
	"github.com/opstools/ssh-broker/internal/registry"
)

// inactivityTimeout is how long a session may sit without a write/resize
// before the sweep closes it, per spec.md §4.I.
const inactivityTimeout = 24 * time.Hour

// sudo password prompt substrings, including the localized variant, per
// spec.md §4.I.
var sudoPrompts = []string{"[sudo] password for", "Password:", "密码："}

// CreateOptions are the optional fields accepted by Create.
type CreateOptions struct {
	Rows int
	Cols int
	Term string
}

// session is the internal bookkeeping behind one TerminalSession record.
type session struct {
	mu      sync.Mutex
	record  *models.TerminalSession
	sshSess *ssh.Session
	stdin   io.WriteCloser
	closed  bool
}

// Manager is the PTY Session Manager.
type Manager struct {
	registry *registry.Registry
	creds    *credstore.Store
	events   *events.Hub
	clock    clock.Clock
	log      zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New builds a Manager bound to reg for SSH transport lookup and creds for
// sudo password autofill.
func New(reg *registry.Registry, creds *credstore.Store, hub *events.Hub, clk clock.Clock, log zerolog.Logger) *Manager {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Manager{
		registry: reg,
		creds:    creds,
		events:   hub,
		clock:    clk,
		log:      log,
		sessions: make(map[string]*session),
	}
}

// Get returns the TerminalSession record for id, if any.
func (m *Manager) Get(id string) (*models.TerminalSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := *s.record
	return &rec, true
}

// List returns every tracked TerminalSession record.
func (m *Manager) List() []*models.TerminalSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.TerminalSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		s.mu.Lock()
		rec := *s.record
		s.mu.Unlock()
		out = append(out, &rec)
	}
	return out
}

// Create implements createTerminalSession(connId, {rows?, cols?, term?}),
// per spec.md §4.I: opens an SSH "shell" channel with PTY dimensions.
func (m *Manager) Create(connID string, opts CreateOptions) (*models.TerminalSession, error) {
	rows, cols, termType := opts.Rows, opts.Cols, opts.Term
	if rows == 0 || cols == 0 {
		fallbackCols, fallbackRows := realTerminalSize()
		if rows == 0 {
			rows = fallbackRows
		}
		if cols == 0 {
			cols = fallbackCols
		}
	}
	if termType == "" {
		termType = models.DefaultTerm
	}

	cli, ok := m.registry.Client(connID)
	if !ok {
		return nil, apperror.New(apperror.NotConnected, fmt.Sprintf("connection %q is not connected", connID))
	}

	sshSess, err := cli.NewSession()
	if err != nil {
		return nil, apperror.Wrap(apperror.SessionClosed, err, "open ssh session")
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sshSess.RequestPty(termType, rows, cols, modes); err != nil {
		sshSess.Close()
		return nil, apperror.Wrap(apperror.SessionClosed, err, "request pty")
	}

	stdin, err := sshSess.StdinPipe()
	if err != nil {
		sshSess.Close()
		return nil, apperror.Wrap(apperror.SessionClosed, err, "open stdin pipe")
	}
	stdout, err := sshSess.StdoutPipe()
	if err != nil {
		sshSess.Close()
		return nil, apperror.Wrap(apperror.SessionClosed, err, "open stdout pipe")
	}

	if err := sshSess.Shell(); err != nil {
		sshSess.Close()
		return nil, apperror.Wrap(apperror.SessionClosed, err, "start shell")
	}

	now := m.clock.Now()
	id := uuid.NewString()
	rec := &models.TerminalSession{
		ID:           id,
		ConnectionID: connID,
		Rows:         rows,
		Cols:         cols,
		Term:         termType,
		IsActive:     true,
		StartTime:    now,
		LastActivity: now,
	}
	s := &session{record: rec, sshSess: sshSess, stdin: stdin}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	go m.pump(s, stdout)
	return rec, nil
}

// pump reads chunks from stdout and publishes each as a TerminalDataEvent,
// scanning for a sudo password prompt per spec.md §4.I. The channel
// closing (EOF or error) marks the session inactive.
func (m *Manager) pump(s *session, stdout io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			m.events.Publish(events.TopicTerminalData, events.TerminalDataEvent{
				SessionID: s.record.ID,
				Data:      chunk,
			})
			m.maybeAutofillSudo(s, chunk)
		}
		if err != nil {
			break
		}
	}

	s.mu.Lock()
	s.record.IsActive = false
	s.mu.Unlock()
}

// maybeAutofillSudo sets sudoPasswordPrompt and writes the stored password
// exactly once per prompt occurrence, per spec.md §4.I.
func (m *Manager) maybeAutofillSudo(s *session, chunk []byte) {
	if !containsAny(chunk, sudoPrompts) {
		return
	}

	s.mu.Lock()
	alreadyFlagged := s.record.SudoPasswordPrompt
	s.record.SudoPasswordPrompt = true
	closed := s.closed
	s.mu.Unlock()

	if alreadyFlagged || closed {
		return
	}

	cred := m.creds.Load(s.record.ConnectionID)
	if cred.Password == "" {
		return
	}

	s.mu.Lock()
	_, err := s.stdin.Write([]byte(cred.Password + "\n"))
	s.mu.Unlock()
	if err != nil {
		m.log.Warn().Err(err).Str("session_id", s.record.ID).Msg("sudo password autofill write failed")
	}
}

func containsAny(chunk []byte, substrings []string) bool {
	for _, sub := range substrings {
		if bytes.Contains(chunk, []byte(sub)) {
			return true
		}
	}
	return false
}

// Write implements write(sessionId, data), per spec.md §4.I: forwards
// bytes to the channel, updates lastActivity, and unconditionally clears
// any pending sudoPasswordPrompt flag since this is the orchestrator's
// own explicit write.
func (m *Manager) Write(sessionID string, data []byte) error {
	s, ok := m.lookup(sessionID)
	if !ok {
		return apperror.New(apperror.SessionClosed, fmt.Sprintf("terminal session %q is not open", sessionID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperror.New(apperror.SessionClosed, fmt.Sprintf("terminal session %q is not open", sessionID))
	}
	if _, err := s.stdin.Write(data); err != nil {
		return apperror.Wrap(apperror.SessionClosed, err, "write to terminal")
	}
	s.record.LastActivity = m.clock.Now()
	s.record.SudoPasswordPrompt = false
	return nil
}

// Resize implements resize(sessionId, rows, cols), per spec.md §4.I.
func (m *Manager) Resize(sessionID string, rows, cols int) error {
	s, ok := m.lookup(sessionID)
	if !ok {
		return apperror.New(apperror.SessionClosed, fmt.Sprintf("terminal session %q is not open", sessionID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperror.New(apperror.SessionClosed, fmt.Sprintf("terminal session %q is not open", sessionID))
	}
	if err := s.sshSess.WindowChange(rows, cols); err != nil {
		return apperror.Wrap(apperror.SessionClosed, err, "window change")
	}
	s.record.Rows = rows
	s.record.Cols = cols
	s.record.LastActivity = m.clock.Now()
	return nil
}

// Close implements close(sessionId), per spec.md §4.I: idempotent,
// removing the record after tearing down the channel.
func (m *Manager) Close(sessionID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.record.IsActive = false
	s.mu.Unlock()
	if !already {
		s.sshSess.Close()
	}
	return true
}

// Sweep closes sessions whose lastActivity is older than 24 hours, per
// spec.md §4.I.
func (m *Manager) Sweep() {
	cutoff := m.clock.Now().Add(-inactivityTimeout)
	m.mu.Lock()
	stale := make([]string, 0)
	for id, s := range m.sessions {
		s.mu.Lock()
		idle := s.record.LastActivity.Before(cutoff)
		s.mu.Unlock()
		if idle {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.Close(id)
	}
}

// CloseAllForConnection closes every terminal session owned by connID,
// intended for registry.Registry.OnDisconnect.
func (m *Manager) CloseAllForConnection(connID string) {
	m.mu.Lock()
	ids := make([]string, 0)
	for id, s := range m.sessions {
		s.mu.Lock()
		owned := s.record.ConnectionID == connID
		s.mu.Unlock()
		if owned {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
}

func (m *Manager) lookup(sessionID string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// realTerminalSize defers to the broker process's own terminal when one
// is attached (an operator running ssh-broker directly against a TTY
// rather than under an orchestrator), falling back to spec.md §4.I's
// documented 24x80 default otherwise.
func realTerminalSize() (cols, rows int) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return models.DefaultCols, models.DefaultRows
	}
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 || h <= 0 {
		return models.DefaultCols, models.DefaultRows
	}
	return w, h
}

