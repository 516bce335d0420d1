// Package registry implements the Connection Registry (spec.md §4.C): it
// owns every SSH client, drives their reconnection policy and persists the
// non-secret part of each connection's configuration. Transport setup is
// adapted from the teacher's internal/ssh/{connect,ssh_client}.go; host key
// handling keeps the teacher's known_hosts-file, trust-on-first-use
// strategy (spec.md's Non-goals exclude only the interactive trust UX).
package registry

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/singleflight"

	"github.com/opstools/ssh-broker/internal/apperror"
	"github.com/opstools/ssh-broker/internal/credstore"
	"github.com/opstools/ssh-broker/internal/models"
	"github.com/opstools/ssh-broker/internal/store"
)

// ConnectOptions are the caller-supplied extras to Connect beyond the dial
// configuration itself.
type ConnectOptions struct {
	Name             string
	RememberPassword bool
	Tags             []string
}

// DisconnectHook is invoked after a connection is torn down, so that
// sibling subsystems (background tasks, tunnels, PTYs) can release any
// state keyed by the connection id. Registered with OnDisconnect.
type DisconnectHook func(connID string)

// Registry owns every live SSH client and the Connection records that
// describe them.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*models.Connection
	cfgs  map[string]models.Config
	clis  map[string]*ssh.Client

	cancels map[string]context.CancelFunc // cancels an in-flight reconnect loop

	store          *store.Store
	creds          *credstore.Store
	knownHostsPath string
	clock          clock.Clock
	log            zerolog.Logger

	sf    singleflight.Group
	hooks []DisconnectHook
}

// New builds a Registry. knownHostsPath is the broker-private known_hosts
// file used for trust-on-first-use host key verification.
func New(db *store.Store, creds *credstore.Store, knownHostsPath string, clk clock.Clock, log zerolog.Logger) *Registry {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Registry{
		conns:          make(map[string]*models.Connection),
		cfgs:           make(map[string]models.Config),
		clis:           make(map[string]*ssh.Client),
		cancels:        make(map[string]context.CancelFunc),
		store:          db,
		creds:          creds,
		knownHostsPath: knownHostsPath,
		clock:          clk,
		log:            log,
	}
}

// OnDisconnect registers a hook run after Disconnect or Delete tears a
// connection down.
func (r *Registry) OnDisconnect(hook DisconnectHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Get returns a snapshot of the connection with id.
func (r *Registry) Get(id string) (*models.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// List returns a snapshot of every known connection.
func (r *Registry) List() []*models.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.Clone())
	}
	return out
}

// Touch updates a connection's lastUsed timestamp, e.g. at the start of
// executeCommand (spec.md §4.F step 1).
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		c.LastUsed = r.clock.Now()
	}
}

// SetCurrentDirectory updates a connection's tracked working directory,
// e.g. after a `cd` succeeds (spec.md §4.F step 6).
func (r *Registry) SetCurrentDirectory(id, dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		c.CurrentDirectory = dir
	}
}

// Client returns the live *ssh.Client for a connected id, used by the
// command execution, transfer, tunnel and PTY subsystems.
func (r *Registry) Client(id string) (*ssh.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cli, ok := r.clis[id]
	return cli, ok
}

// Connect implements spec.md §4.C step 1-5. Concurrent calls for the same
// identity are de-duplicated with golang.org/x/sync/singleflight.
func (r *Registry) Connect(ctx context.Context, cfg models.Config, opts ConnectOptions) (*models.Connection, error) {
	id := models.Identity(cfg.Username, cfg.Host, cfg.Port)

	if existing, ok := r.Get(id); ok && existing.State == models.StateConnected {
		return existing, nil
	}

	v, err, _ := r.sf.Do(id, func() (interface{}, error) {
		return r.connectOnce(ctx, id, cfg, opts, true)
	})
	if v == nil {
		return nil, err
	}
	return v.(*models.Connection), err
}

// connectOnce performs a single dial attempt and records its outcome. It
// is also the unit of work retried by the background reconnect loop, which
// passes scheduleReconnect=false since the loop itself already owns
// retrying.
func (r *Registry) connectOnce(ctx context.Context, id string, cfg models.Config, opts ConnectOptions, scheduleReconnect bool) (*models.Connection, error) {
	cfg = r.fillCredentials(id, cfg)

	conn := &models.Connection{
		ID:       id,
		Config:   cfg,
		State:    models.StateConnecting,
		Tags:     opts.Tags,
		LastUsed: r.clock.Now(),
	}
	if opts.Name != "" {
		conn.Config.Name = opts.Name
	}
	r.put(id, cfg, conn)

	cli, err := r.dial(ctx, cfg)
	if err != nil {
		conn = conn.Clone()
		conn.State = models.StateError
		conn.LastError = err.Error()
		r.put(id, cfg, conn)

		if scheduleReconnect && cfg.Reconnect.Enabled {
			r.startReconnectLoop(id, cfg, opts)
		}
		return conn, apperror.Wrap(apperror.ConnectFailed, err, "dial ssh transport")
	}

	conn = conn.Clone()
	conn.State = models.StateConnected
	conn.LastError = ""
	conn.LastUsed = r.clock.Now()
	conn.ResetReconnectTries()
	if pwd, pErr := probePWD(cli); pErr == nil {
		conn.CurrentDirectory = pwd
	}

	r.mu.Lock()
	r.clis[id] = cli
	r.mu.Unlock()
	r.put(id, cfg, conn)

	r.persist(id, cfg, opts, conn)
	if opts.RememberPassword {
		r.creds.Save(id, models.Credential{
			Password:   cfg.Auth.Password,
			Passphrase: cfg.Auth.Passphrase,
			PrivateKey: cfg.Auth.PrivateKey,
		})
	}

	return conn, nil
}

// fillCredentials queries the Credential Store when cfg carries no
// password or private key of its own (spec.md §4.C step 2).
func (r *Registry) fillCredentials(id string, cfg models.Config) models.Config {
	if cfg.Auth.Password != "" || cfg.Auth.PrivateKey != "" {
		return cfg
	}
	cred := r.creds.Load(id)
	if cred.IsEmpty() {
		return cfg
	}
	cfg.Auth.Password = cred.Password
	cfg.Auth.PrivateKey = cred.PrivateKey
	cfg.Auth.Passphrase = cred.Passphrase
	return cfg
}

// dial establishes the SSH transport per spec.md §4.C step 3.
func (r *Registry) dial(ctx context.Context, cfg models.Config) (*ssh.Client, error) {
	var auths []ssh.AuthMethod
	if cfg.Auth.PrivateKey != "" {
		var signer ssh.Signer
		var err error
		if cfg.Auth.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(cfg.Auth.PrivateKey), []byte(cfg.Auth.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(cfg.Auth.PrivateKey))
		}
		if err != nil {
			return nil, errors.Annotate(err, "parse private key")
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if cfg.Auth.Password != "" {
		auths = append(auths, ssh.Password(cfg.Auth.Password))
	}
	if len(auths) == 0 {
		return nil, apperror.New(apperror.AuthFailed, "no password or private key supplied")
	}

	hostKeyCB, err := r.hostKeyCallback()
	if err != nil {
		return nil, errors.Annotate(err, "build host key callback")
	}

	readyTimeout := cfg.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = 10 * time.Second
	}
	sshCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auths,
		HostKeyCallback: hostKeyCB,
		Timeout:         readyTimeout,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	dialer := net.Dialer{Timeout: readyTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Annotate(err, "dial tcp")
	}
	c, chans, reqs, err := ssh.NewClientConn(netConn, addr, sshCfg)
	if err != nil {
		netConn.Close()
		return nil, errors.Annotate(err, "ssh handshake")
	}
	cli := ssh.NewClient(c, chans, reqs)

	if cfg.KeepAlive > 0 {
		go keepAlive(cli, cfg.KeepAlive)
	}
	return cli, nil
}

// keepAlive periodically sends a keepalive request until the client's
// underlying connection is closed.
func keepAlive(cli *ssh.Client, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for range t.C {
		if _, _, err := cli.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			return
		}
	}
}

// probePWD issues `pwd` to refresh currentDirectory, per spec.md §4.C
// step 4.
func probePWD(cli *ssh.Client) (string, error) {
	sess, err := cli.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()
	out, err := sess.Output("pwd")
	if err != nil {
		return "", err
	}
	return trimNewline(string(out)), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// hostKeyCallback builds a trust-on-first-use ssh.HostKeyCallback backed by
// the broker's private known_hosts file, adapted from the teacher's
// internal/ssh/ssh_client.go.
func (r *Registry) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if err := os.MkdirAll(filepath.Dir(r.knownHostsPath), 0o700); err != nil {
		return nil, err
	}
	if _, err := os.Stat(r.knownHostsPath); os.IsNotExist(err) {
		if err := os.WriteFile(r.knownHostsPath, nil, 0o600); err != nil {
			return nil, err
		}
	}
	base, err := knownhosts.New(r.knownHostsPath)
	if err != nil {
		return nil, err
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := base(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !stderrors.As(err, &keyErr) || len(keyErr.Want) != 0 {
			return err
		}
		f, openErr := os.OpenFile(r.knownHostsPath, os.O_APPEND|os.O_WRONLY, 0o600)
		if openErr != nil {
			return err
		}
		defer f.Close()
		line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
		if _, wErr := f.WriteString(line + "\n"); wErr != nil {
			return err
		}
		return nil
	}, nil
}

// startReconnectLoop schedules up to cfg.Reconnect.MaxTries attempts
// spaced by cfg.Reconnect.Delay, per spec.md §4.C step 5. It runs in its
// own goroutine so Connect's caller never blocks on reconnection.
func (r *Registry) startReconnectLoop(id string, cfg models.Config, opts ConnectOptions) {
	r.mu.Lock()
	if cancel, ok := r.cancels[id]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancels[id] = cancel
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.cancels, id)
			r.mu.Unlock()
		}()

		r.setState(id, models.StateReconnecting)
		err := retry.Call(retry.CallArgs{
			Func: func() error {
				_, dialErr := r.connectOnce(ctx, id, cfg, opts, false)
				return dialErr
			},
			IsFatalError: func(error) bool {
				return ctx.Err() != nil
			},
			NotifyFunc: func(lastErr error, attempt int) {
				r.log.Warn().Err(lastErr).Str("conn_id", id).Int("attempt", attempt).Msg("reconnect attempt failed")
				r.bumpReconnectTries(id)
			},
			Attempts: cfg.Reconnect.MaxTries,
			Delay:    cfg.Reconnect.Delay,
			Clock:    r.clock,
			Stop:     ctx.Done(),
		})
		if err != nil {
			r.setState(id, models.StateError)
		}
	}()
}

func (r *Registry) bumpReconnectTries(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		c.IncrementReconnectTries()
	}
}

func (r *Registry) setState(id string, state models.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		c.State = state
	}
}

// put replaces the registry's in-memory record for id.
func (r *Registry) put(id string, cfg models.Config, conn *models.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfgs[id] = cfg
	r.conns[id] = conn
}

// persist writes the non-secret part of the connection to the document
// store, per spec.md §4.C's persistence contract: passwords never go in.
func (r *Registry) persist(id string, cfg models.Config, opts ConnectOptions, conn *models.Connection) {
	if r.store == nil {
		return
	}
	name := opts.Name
	if name == "" {
		name = cfg.Name
	}
	rec := store.ConnectionRecord{
		ID:         id,
		Name:       name,
		Host:       cfg.Host,
		Port:       cfg.Port,
		Username:   cfg.Username,
		PrivateKey: cfg.Auth.PrivateKey,
		LastUsed:   conn.LastUsed,
		Tags:       joinTags(conn.Tags),
	}
	if err := r.store.UpsertConnection(rec); err != nil {
		r.log.Warn().Err(err).Str("conn_id", id).Msg("persist connection record failed")
	}
}

func joinTags(tags []string) string {
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}

// Disconnect closes the live transport for id, if any, without forgetting
// the registry entry. It reports whether a connection existed.
func (r *Registry) Disconnect(id string) bool {
	r.mu.Lock()
	cancel, hadCancel := r.cancels[id]
	cli, hadClient := r.clis[id]
	_, hadConn := r.conns[id]
	delete(r.clis, id)
	delete(r.cancels, id)
	hooks := append([]DisconnectHook(nil), r.hooks...)
	r.mu.Unlock()

	if hadCancel {
		cancel()
	}
	if hadClient {
		cli.Close()
	}
	if hadConn {
		r.setState(id, models.StateDisconnected)
	}
	for _, hook := range hooks {
		hook(id)
	}
	return hadConn
}

// Delete disconnects id, then removes its registry entry, persisted
// record and stored credentials, per spec.md §4.C.
func (r *Registry) Delete(id string) bool {
	existed := r.Disconnect(id)

	r.mu.Lock()
	delete(r.conns, id)
	delete(r.cfgs, id)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.DeleteConnection(id); err != nil {
			r.log.Warn().Err(err).Str("conn_id", id).Msg("delete connection record failed")
		}
	}
	r.creds.Delete(id)
	return existed
}
