package pty

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/opstools/ssh-broker/internal/credstore"
	"github.com/opstools/ssh-broker/internal/cryptoutil"
	"github.com/opstools/ssh-broker/internal/events"
	"github.com/opstools/ssh-broker/internal/models"
	"github.com/opstools/ssh-broker/internal/registry"
	"github.com/opstools/ssh-broker/internal/store"
)

// shellBehavior runs once a "shell" request has been accepted on channel,
// standing in for the remote process a real PTY would drive.
type shellBehavior func(channel ssh.Channel)

// shellSSHServer accepts a single session channel, honors pty-req/shell/
// window-change requests, and then hands the channel to behavior,
// grounded on other_examples/Rudd3r-r0mp__server.go's pty-req/shell/
// window-change request handling.
type shellSSHServer struct {
	ln        net.Listener
	username  string
	password  string
	behavior  shellBehavior
	mu        sync.Mutex
	lastRows  int
	lastCols  int
	resizeHit chan struct{}
}

func newShellSSHServer(t *testing.T, behavior shellBehavior) *shellSSHServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	s := &shellSSHServer{username: "tester", password: "s3cret", behavior: behavior, resizeHit: make(chan struct{}, 8)}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == s.username && string(pass) == s.password {
				return nil, nil
			}
			return nil, &denyErr{}
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.ln = ln
	go s.acceptLoop(cfg)
	t.Cleanup(func() { ln.Close() })
	return s
}

type denyErr struct{}

func (*denyErr) Error() string { return "denied" }

func (s *shellSSHServer) addr() string { return s.ln.Addr().String() }

func (s *shellSSHServer) acceptLoop(cfg *ssh.ServerConfig) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn, cfg)
	}
}

func (s *shellSSHServer) handleConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(channel, requests)
	}
}

type windowChangeMsg struct {
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
}

func (s *shellSSHServer) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "pty-req":
			req.Reply(true, nil)
		case "shell":
			req.Reply(true, nil)
			go s.behavior(channel)
		case "window-change":
			var wc windowChangeMsg
			ssh.Unmarshal(req.Payload, &wc)
			s.mu.Lock()
			s.lastRows = int(wc.Rows)
			s.lastCols = int(wc.Cols)
			s.mu.Unlock()
			select {
			case s.resizeHit <- struct{}{}:
			default:
			}
			req.Reply(true, nil)
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func newTestManager(t *testing.T, behavior shellBehavior) (*Manager, string, *testclock.Clock, *shellSSHServer) {
	t.Helper()
	srv := newShellSSHServer(t, behavior)
	host, portStr, err := net.SplitHostPort(srv.addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	db, err := store.Open(filepath.Join(t.TempDir(), "broker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cipher := cryptoutil.NewCipher("0123456789abcdef0123456789abcdef")
	creds := credstore.New(db, cipher, false, zerolog.Nop())
	clk := testclock.NewClock(time.Now())
	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	reg := registry.New(db, creds, knownHosts, clk, zerolog.Nop())

	cfg := models.Config{Host: host, Port: port, Username: srv.username, Auth: models.Auth{Password: srv.password}}
	conn, err := reg.Connect(context.Background(), cfg, registry.ConnectOptions{})
	require.NoError(t, err)

	hub := events.New()
	mgr := New(reg, creds, hub, clk, zerolog.Nop())
	return mgr, conn.ID, clk, srv
}

func echoBehavior(channel ssh.Channel) {
	buf := make([]byte, 256)
	for {
		n, err := channel.Read(buf)
		if n > 0 {
			channel.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func TestCreateOpensShellAndDefaultsDimensions(t *testing.T) {
	mgr, connID, _, _ := newTestManager(t, echoBehavior)

	sess, err := mgr.Create(connID, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.DefaultRows, sess.Rows)
	assert.Equal(t, models.DefaultCols, sess.Cols)
	assert.Equal(t, models.DefaultTerm, sess.Term)
	assert.True(t, sess.IsActive)
}

func TestWriteEchoesThroughEventHub(t *testing.T) {
	mgr, connID, _, _ := newTestManager(t, echoBehavior)
	sess, err := mgr.Create(connID, CreateOptions{})
	require.NoError(t, err)

	received := make(chan []byte, 4)
	unsub := mgr.events.Subscribe(events.TopicTerminalData, func(topic string, data interface{}) {
		evt := data.(events.TerminalDataEvent)
		if evt.SessionID == sess.ID {
			received <- evt.Data
		}
	})
	defer unsub()

	require.NoError(t, mgr.Write(sess.ID, []byte("hello\n")))

	select {
	case got := <-received:
		assert.Equal(t, "hello\n", string(got))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echoed terminal data")
	}

	rec, ok := mgr.Get(sess.ID)
	require.True(t, ok)
	assert.False(t, rec.SudoPasswordPrompt)
}

func TestResizeSendsWindowChange(t *testing.T) {
	mgr, connID, _, srv := newTestManager(t, echoBehavior)
	sess, err := mgr.Create(connID, CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, mgr.Resize(sess.ID, 50, 120))

	select {
	case <-srv.resizeHit:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for window-change request")
	}

	srv.mu.Lock()
	rows, cols := srv.lastRows, srv.lastCols
	srv.mu.Unlock()
	assert.Equal(t, 50, rows)
	assert.Equal(t, 120, cols)

	rec, ok := mgr.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, 50, rec.Rows)
	assert.Equal(t, 120, rec.Cols)
}

func TestCloseIsIdempotent(t *testing.T) {
	mgr, connID, _, _ := newTestManager(t, echoBehavior)
	sess, err := mgr.Create(connID, CreateOptions{})
	require.NoError(t, err)

	assert.True(t, mgr.Close(sess.ID))
	assert.False(t, mgr.Close(sess.ID))

	_, ok := mgr.Get(sess.ID)
	assert.False(t, ok)
}

func TestWriteAfterCloseReturnsSessionClosed(t *testing.T) {
	mgr, connID, _, _ := newTestManager(t, echoBehavior)
	sess, err := mgr.Create(connID, CreateOptions{})
	require.NoError(t, err)

	mgr.Close(sess.ID)
	err = mgr.Write(sess.ID, []byte("x"))
	assert.Error(t, err)
}

func TestSudoPromptAutofillsPasswordOnce(t *testing.T) {
	var promptsSent int
	var receivedInput bytes.Buffer
	var mu sync.Mutex
	done := make(chan struct{})

	behavior := func(channel ssh.Channel) {
		channel.Write([]byte("[sudo] password for tester: "))
		buf := make([]byte, 256)
		for {
			n, err := channel.Read(buf)
			if n > 0 {
				mu.Lock()
				receivedInput.Write(buf[:n])
				promptsSent++
				mu.Unlock()
				close(done)
				return
			}
			if err != nil {
				return
			}
		}
	}

	mgr, connID, _, _ := newTestManager(t, behavior)

	creds := mgr.creds
	creds.Save(connID, models.Credential{Password: "hunter2"})

	_, err := mgr.Create(connID, CreateOptions{})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for autofilled password")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "hunter2\n", receivedInput.String())
}

func TestSweepClosesInactiveSessions(t *testing.T) {
	mgr, connID, clk, _ := newTestManager(t, echoBehavior)
	sess, err := mgr.Create(connID, CreateOptions{})
	require.NoError(t, err)

	clk.Advance(25 * time.Hour)
	mgr.Sweep()

	_, ok := mgr.Get(sess.ID)
	assert.False(t, ok)
}

func TestCloseAllForConnectionClosesOwnedSessions(t *testing.T) {
	mgr, connID, _, _ := newTestManager(t, echoBehavior)
	sess, err := mgr.Create(connID, CreateOptions{})
	require.NoError(t, err)

	mgr.CloseAllForConnection(connID)
	_, ok := mgr.Get(sess.ID)
	assert.False(t, ok)
}
