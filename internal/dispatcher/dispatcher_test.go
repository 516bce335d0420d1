package dispatcher

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/opstools/ssh-broker/internal/containerctx"
	"github.com/opstools/ssh-broker/internal/credstore"
	"github.com/opstools/ssh-broker/internal/cryptoutil"
	"github.com/opstools/ssh-broker/internal/events"
	"github.com/opstools/ssh-broker/internal/exec"
	"github.com/opstools/ssh-broker/internal/models"
	"github.com/opstools/ssh-broker/internal/pty"
	"github.com/opstools/ssh-broker/internal/registry"
	"github.com/opstools/ssh-broker/internal/store"
	"github.com/opstools/ssh-broker/internal/transfer"
	"github.com/opstools/ssh-broker/internal/tunnel"
)

// scriptedSSHServer answers any exec request with the scripted reply for
// its exact command text, falling back to empty output.
type scriptedSSHServer struct {
	ln       net.Listener
	username string
	password string
	replies  map[string]string
}

func newScriptedSSHServer(t *testing.T, replies map[string]string) *scriptedSSHServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	s := &scriptedSSHServer{username: "tester", password: "s3cret", replies: replies}
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

func (s *scriptedSSHServer) addr() string { return s.ln.Addr().String() }

func (s *scriptedSSHServer) acceptLoop(cfg *ssh.ServerConfig) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn, cfg)
	}
}

func (s *scriptedSSHServer) handleConn(conn net.Conn, cfg *ssh.ServerConfig) {
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

func (s *scriptedSSHServer) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		var payload struct{ Command string }
		ssh.Unmarshal(req.Payload, &payload)
		req.Reply(true, nil)

		reply := s.replies[payload.Command]
		channel.Write([]byte(reply))
		sendExitStatus(channel, 0)
		return
	}
}

func sendExitStatus(channel ssh.Channel, code int) {
	type exitStatusMsg struct{ Status uint32 }
	channel.SendRequest("exit-status", false, ssh.Marshal(exitStatusMsg{Status: uint32(code)}))
}

func newTestDispatcher(t *testing.T, replies map[string]string) (*Dispatcher, string, *events.Hub) {
	t.Helper()
	srv := newScriptedSSHServer(t, replies)
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

	containers := containerctx.New(clk)
	engine := exec.New(reg, containers, creds)
	bg := exec.NewBackgroundRunner(engine, clock.WallClock, zerolog.Nop())
	hub := events.New()
	transfers := transfer.New(reg, hub, clk, zerolog.Nop())
	tunnels := tunnel.New(reg, hub, zerolog.Nop())
	terminals := pty.New(reg, creds, hub, clk, zerolog.Nop())

	d := New(reg, containers, engine, bg, transfers, tunnels, terminals, zerolog.Nop())
	return d, conn.ID, hub
}

func TestDispatchUnknownToolReturnsIsError(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	result := d.Dispatch(context.Background(), "not_a_tool", nil)
	assert.True(t, result.IsError)
}

func TestDispatchExecuteCommandReturnsStdout(t *testing.T) {
	d, connID, _ := newTestDispatcher(t, map[string]string{"echo hi": "hi\n"})
	raw, _ := json.Marshal(executeCommandArgs{ConnectionID: connID, Command: "echo hi"})
	result := d.Dispatch(context.Background(), "executeCommand", raw)
	require.False(t, result.IsError)
	assert.Contains(t, result.Text, "hi")
}

func TestDispatchExecuteCommandOnUnknownConnectionIsError(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	raw, _ := json.Marshal(executeCommandArgs{ConnectionID: "does-not-exist", Command: "echo hi"})
	result := d.Dispatch(context.Background(), "executeCommand", raw)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Text, "not_connected")
}

func TestDispatchListConnectionsReportsConnectedHost(t *testing.T) {
	d, connID, _ := newTestDispatcher(t, nil)
	result := d.Dispatch(context.Background(), "listConnections", nil)
	assert.False(t, result.IsError)
	assert.Contains(t, result.Text, connID)
}

func TestDispatchGetConnectionNotFound(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	raw, _ := json.Marshal(connectionIDArgs{ConnectionID: "missing"})
	result := d.Dispatch(context.Background(), "getConnection", raw)
	assert.True(t, result.IsError)
}

func TestDispatchExitContainerReturnsConnectionID(t *testing.T) {
	d, connID, _ := newTestDispatcher(t, nil)
	raw, _ := json.Marshal(connectionIDArgs{ConnectionID: connID})
	result := d.Dispatch(context.Background(), "exitContainer", raw)
	assert.False(t, result.IsError)
	assert.Equal(t, connID, result.ConnectionID)
}

func TestDispatchDiagnoseContainerEnvironmentRejectsUnsafePackageName(t *testing.T) {
	d, connID, _ := newTestDispatcher(t, map[string]string{})
	raw, _ := json.Marshal(diagnoseContainerEnvironmentArgs{
		ConnectionID: connID, ContainerName: "web", PackageName: "curl; rm -rf /",
	})
	// shellSafe must strip the argument down to empty rather than let the
	// injected shell metacharacters reach the composed command.
	assert.Equal(t, "", shellSafe("curl; rm -rf /"))
	result := d.Dispatch(context.Background(), "diagnoseContainerEnvironment", raw)
	assert.False(t, result.IsError)
}

func TestServeRoundTripsOneRequest(t *testing.T) {
	d, connID, hub := newTestDispatcher(t, map[string]string{"echo hi": "hi\n"})

	reqLine, err := json.Marshal(Request{ID: "1", Tool: "executeCommand", Params: mustRaw(t, executeCommandArgs{ConnectionID: connID, Command: "echo hi"})})
	require.NoError(t, err)

	in := bytes.NewReader(append(reqLine, '\n'))
	var out bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, Serve(ctx, d, hub, in, &out, zerolog.Nop()))

	var resp Response
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp))
	assert.Equal(t, "1", resp.ID)
	assert.False(t, resp.IsError)
	assert.Contains(t, resp.Text, "hi")
}

func TestServeForwardsTerminalDataEventsInterleavedWithResponses(t *testing.T) {
	d, connID, hub := newTestDispatcher(t, map[string]string{"echo hi": "hi\n"})

	reqLine, err := json.Marshal(Request{ID: "1", Tool: "executeCommand", Params: mustRaw(t, executeCommandArgs{ConnectionID: connID, Command: "echo hi"})})
	require.NoError(t, err)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	t.Cleanup(func() { outR.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Serve(ctx, d, hub, inR, outW, zerolog.Nop()) }()

	lines := make(chan string, 4)
	go func() {
		scanner := bufio.NewScanner(outR)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	_, err = inW.Write(append(reqLine, '\n'))
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(<-lines), &resp))
	assert.Equal(t, "1", resp.ID)
	assert.Contains(t, resp.Text, "hi")

	hub.Publish(events.TopicTerminalData, events.TerminalDataEvent{SessionID: "sess-1", Data: []byte("hello")})

	var evt Event
	require.NoError(t, json.Unmarshal([]byte(<-lines), &evt))
	assert.Equal(t, "terminal_data", evt.Event)
	assert.Equal(t, "sess-1", evt.SessionID)
	assert.Equal(t, []byte("hello"), evt.Data)

	require.NoError(t, inW.Close())
	require.NoError(t, <-done)
	outW.Close()
}

func mustRaw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
