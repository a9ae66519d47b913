// Package session holds a single authenticated SSH client session: its
// lifecycle, keepalive probe, and state-change notifications. Grounded on
// the server-side handshake plumbing in
// _examples/NadeemAfana-tunnel/main.go and ssh.go, mirrored for the
// client side of the same RFC 4254 wire protocol.
package session

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"tunnelclient/internal/config"
	"tunnelclient/internal/events"
)

// State is a local alias so callers outside internal/events don't need
// to depend on it directly.
type State = events.SessionState

const (
	Disconnected  = events.SessionDisconnected
	Connecting    = events.SessionConnecting
	Connected     = events.SessionConnected
	Disconnecting = events.SessionDisconnecting
	Error         = events.SessionError
)

// HostKeyVerifier decides whether to accept a host key for hostname.
// The default policy (DefaultHostKeyVerifier) auto-accepts, matching the
// source's documented (weak) policy; hardened deployments plug in a real
// verifier here.
type HostKeyVerifier func(hostname string, fingerprint string) bool

// DefaultHostKeyVerifier auto-accepts every host key.
func DefaultHostKeyVerifier(string, string) bool { return true }

// Session establishes, holds, and tears down one SSH client connection.
type Session struct {
	cfg      config.Config
	log      *logrus.Entry
	verifier HostKeyVerifier
	bus      *events.Bus[events.SessionEvent]

	mu    sync.Mutex
	state State
	errMsg string
	client *ssh.Client
	// closed is set once a background watcher observes the transport die
	// so Transport() can answer "is it really still usable" cheaply.
	closed bool
}

// New constructs a Session for cfg. log must not be nil.
func New(cfg config.Config, log *logrus.Entry) *Session {
	return &Session{
		cfg:      cfg,
		log:      log.WithField("component", "session"),
		verifier: DefaultHostKeyVerifier,
		bus:      events.NewBus[events.SessionEvent](),
		state:    Disconnected,
	}
}

// SetHostKeyVerifier overrides the default auto-accept policy. Must be
// called before Connect.
func (s *Session) SetHostKeyVerifier(v HostKeyVerifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifier = v
}

// Subscribe registers fn for state transitions from here on; a slow fn
// observes the newest state and may skip intermediate ones (see
// events.Bus).
func (s *Session) Subscribe(fn func(events.SessionEvent)) (unsubscribe func()) {
	return s.bus.Subscribe(fn)
}

// State returns the current state and, if Error, the associated message.
func (s *Session) State() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.errMsg
}

func (s *Session) setState(state State, errMsg string) {
	s.mu.Lock()
	s.state = state
	s.errMsg = errMsg
	s.mu.Unlock()
	s.bus.Publish(events.SessionEvent{State: state, ErrorMessage: errMsg})
}

// Connect blocks until the handshake completes or the configured timeout
// elapses. Idempotent when already Connecting or Connected.
func (s *Session) Connect(ctx context.Context, passphrase string) error {
	s.mu.Lock()
	if s.state == Connecting || s.state == Connected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.setState(Connecting, "")

	signer, err := loadKey(s.cfg.Key.Path, passphrase)
	if err != nil {
		s.setState(Error, err.Error())
		return err
	}

	timeout := time.Duration(s.cfg.Connection.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	s.mu.Lock()
	verifier := s.verifier
	s.mu.Unlock()

	clientConfig := &ssh.ClientConfig{
		User:    s.cfg.Server.Username,
		Auth:    []ssh.AuthMethod{ssh.PublicKeys(signer)},
		Timeout: timeout,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			fp := ssh.FingerprintSHA256(key)
			if verifier(hostname, fp) {
				return nil
			}
			return fmt.Errorf("host key rejected for %s (%s)", hostname, fp)
		},
	}

	addr := net.JoinHostPort(s.cfg.Server.Hostname, fmt.Sprintf("%d", s.cfg.Server.Port))

	dialCtx := ctx
	if dialCtx == nil {
		dialCtx = context.Background()
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, dialErr := dialer.DialContext(dialCtx, "tcp", addr)
	if dialErr != nil {
		netErr := &NetError{Message: "dial failed", Err: dialErr}
		s.setState(Error, netErr.Error())
		return netErr
	}

	sshConn, chans, reqs, hsErr := ssh.NewClientConn(conn, addr, clientConfig)
	if hsErr != nil {
		conn.Close()
		if authErr := classifyHandshakeError(hsErr); authErr != nil {
			s.setState(Error, authErr.Error())
			return authErr
		}
		netErr := &NetError{Message: "handshake failed", Err: hsErr}
		s.setState(Error, netErr.Error())
		return netErr
	}

	client := ssh.NewClient(sshConn, chans, reqs)

	s.mu.Lock()
	s.client = client
	s.closed = false
	s.mu.Unlock()

	// Watch for the underlying transport dying out from under us (read
	// failure, server-initiated close) and fold that into Error state so
	// Transport() and the Supervisor's probe loop observe it promptly.
	go s.watch(client)

	s.setState(Connected, "")
	s.log.WithField("addr", addr).Info("connected")
	return nil
}

func (s *Session) watch(client *ssh.Client) {
	err := client.Wait()
	s.mu.Lock()
	sameClient := s.client == client
	if sameClient {
		s.closed = true
	}
	s.mu.Unlock()
	if !sameClient {
		return
	}
	msg := "connection closed"
	if err != nil {
		msg = err.Error()
	}
	s.log.WithError(err).Warn("transport closed")
	s.setState(Error, msg)
}

// Disconnect transitions to Disconnecting, closes the transport, then
// Disconnected. Safe to call from any state; idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	client := s.client
	// Clear s.client and mark closed before Close() unblocks watch's
	// client.Wait(), so watch's sameClient check sees this client is
	// already gone and never injects a spurious Error transition over
	// this clean shutdown.
	s.client = nil
	s.closed = true
	s.mu.Unlock()

	s.setState(Disconnecting, "")

	if client != nil {
		client.Close()
	}

	s.setState(Disconnected, "")
	s.log.Info("disconnected")
}

// Transport returns the live *ssh.Client, or ok=false if the session
// isn't Connected or the transport has since died.
func (s *Session) Transport() (client *ssh.Client, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected || s.closed || s.client == nil {
		return nil, false
	}
	return s.client, true
}

// Probe sends a protocol-level no-op and reports whether it round-tripped
// without error. Used by the Supervisor for liveness detection.
func (s *Session) Probe() bool {
	client, ok := s.Transport()
	if !ok {
		return false
	}
	_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

func classifyHandshakeError(err error) *AuthError {
	switch err.(type) {
	case *ssh.PassphraseMissingError:
		return &AuthError{Message: "passphrase required", NeedsPassphrase: true, Err: err}
	}
	// x/crypto/ssh reports auth rejection as a generic error whose text
	// names the exhausted methods; treat anything the handshake itself
	// produced (as opposed to a dial timeout, handled earlier) as an
	// auth failure only when it mentions authentication explicitly.
	if isAuthFailure(err) {
		return &AuthError{Message: "authentication failed", Err: err}
	}
	return nil
}

func isAuthFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate")
}

func loadKey(path string, passphrase string) (ssh.Signer, error) {
	if path == "" {
		return nil, &KeyError{Message: "ssh key path is empty"}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &KeyError{Message: "could not read key file", Err: err}
	}

	// x/crypto/ssh.ParsePrivateKey self-detects the algorithm (Ed25519,
	// RSA, ECDSA, or the legacy DSA format) from the PEM header, so the
	// "try each candidate algorithm in order" policy from the source
	// collapses to: parse once, and treat an encrypted key distinctly
	// from every other failure. See SPEC_FULL.md §4.1 / DESIGN.md.
	signer, err := ssh.ParsePrivateKey(raw)
	if err == nil {
		return signer, nil
	}

	if _, missing := err.(*ssh.PassphraseMissingError); missing {
		if passphrase == "" {
			return nil, &AuthError{Message: "passphrase required", NeedsPassphrase: true, Err: err}
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(raw, []byte(passphrase))
		if err != nil {
			return nil, &AuthError{Message: "incorrect passphrase", Err: err}
		}
		return signer, nil
	}

	return nil, &KeyError{Message: "could not parse key with any supported algorithm", Err: err}
}
