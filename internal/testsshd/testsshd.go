// Package testsshd is a minimal in-process SSH server used only by this
// module's tests as a stand-in for a real tunnel-rendezvous server. It
// implements just enough of RFC 4254 §7 (tcpip-forward,
// cancel-tcpip-forward, forwarded-tcpip) to exercise
// internal/session, internal/forward, and internal/supervisor
// end-to-end. Grounded directly on the server-side handshake and
// global-request handling in
// _examples/NadeemAfana-tunnel/main.go and remoteForward.go, reused here
// as a test fixture instead of the shipped production server.
package testsshd

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"
)

type tcpipForwardRequest struct {
	BindAddr string
	BindPort uint32
}

type tcpipForwardReply struct {
	BoundPort uint32
}

type cancelTCPIPForwardRequest struct {
	BindAddr string
	BindPort uint32
}

type forwardedTCPPayload struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

const forwardedTCPChannelType = "forwarded-tcpip"

// Server is a tiny reverse-tunnel rendezvous server for tests.
type Server struct {
	Addr string

	listener   net.Listener
	config     *ssh.ServerConfig
	mu         sync.Mutex
	forwards   map[string]net.Listener // keyed by "addr:port"
	closed     chan struct{}
	acceptOnce sync.Once
}

// GenerateEd25519Signer returns a fresh ed25519 ssh.Signer, for use as
// either a host key or an authorized client key in tests.
func GenerateEd25519Signer() (ssh.Signer, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, nil, err
	}
	return signer, pub, nil
}

// WriteEd25519KeyPair generates a fresh ed25519 key pair, writes the
// unencrypted PKCS8 PEM private key to path, and returns the ssh.Signer
// and ssh.PublicKey for it so the caller can authorize it server-side.
func WriteEd25519KeyPair(path string) (ssh.Signer, ssh.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, nil, err
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, err
	}
	return signer, sshPub, nil
}

// Start brings up a server on 127.0.0.1:0 that authenticates exactly
// one authorized public key and rejects everything else.
func Start(authorizedKey ssh.PublicKey) (*Server, error) {
	hostSigner, _, err := GenerateEd25519Signer()
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			if string(pubKey.Marshal()) == string(authorizedKey.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{
		Addr:     ln.Addr().String(),
		listener: ln,
		config:   cfg,
		forwards: make(map[string]net.Listener),
		closed:   make(chan struct{}),
	}

	go s.acceptLoop()
	return s, nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(nConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(nConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go func() {
		for nc := range chans {
			nc.Reject(ssh.UnknownChannelType, "test server accepts no client-initiated channels")
		}
	}()

	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			s.handleForward(sshConn, req)
		case "cancel-tcpip-forward":
			s.handleCancel(req)
		default:
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}
}

func (s *Server) handleForward(conn *ssh.ServerConn, req *ssh.Request) {
	var payload tcpipForwardRequest
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		req.Reply(false, nil)
		return
	}

	addr := net.JoinHostPort(payload.BindAddr, strconv.Itoa(int(payload.BindPort)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		req.Reply(false, nil)
		return
	}

	s.mu.Lock()
	s.forwards[addr] = ln
	s.mu.Unlock()

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	req.Reply(true, ssh.Marshal(&tcpipForwardReply{BoundPort: uint32(port)}))

	go func() {
		for {
			tcpConn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.forwardConnection(conn, payload.BindAddr, uint32(port), tcpConn)
		}
	}()
}

func (s *Server) forwardConnection(conn *ssh.ServerConn, bindAddr string, boundPort uint32, tcpConn net.Conn) {
	originHost, originPortStr, _ := net.SplitHostPort(tcpConn.RemoteAddr().String())
	originPort, _ := strconv.Atoi(originPortStr)

	payload := ssh.Marshal(&forwardedTCPPayload{
		DestAddr:   bindAddr,
		DestPort:   boundPort,
		OriginAddr: originHost,
		OriginPort: uint32(originPort),
	})

	ch, reqs, err := conn.OpenChannel(forwardedTCPChannelType, payload)
	if err != nil {
		tcpConn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	done := make(chan struct{}, 2)
	go func() {
		buf := make([]byte, 32*1024)
		copyLoop(ch, tcpConn, buf)
		done <- struct{}{}
	}()
	go func() {
		buf := make([]byte, 32*1024)
		copyLoop(tcpConn, ch, buf)
		done <- struct{}{}
	}()
	<-done
	tcpConn.Close()
	ch.Close()
}

func copyLoop(dst interface{ Write([]byte) (int, error) }, src interface{ Read([]byte) (int, error) }, buf []byte) {
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handleCancel(req *ssh.Request) {
	var payload cancelTCPIPForwardRequest
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		req.Reply(false, nil)
		return
	}
	addr := net.JoinHostPort(payload.BindAddr, strconv.Itoa(int(payload.BindPort)))
	s.mu.Lock()
	ln, ok := s.forwards[addr]
	delete(s.forwards, addr)
	s.mu.Unlock()
	if ok {
		ln.Close()
	}
	req.Reply(true, nil)
}

// Close shuts the server down.
func (s *Server) Close() {
	s.acceptOnce.Do(func() { close(s.closed) })
	s.listener.Close()
	s.mu.Lock()
	for _, ln := range s.forwards {
		ln.Close()
	}
	s.mu.Unlock()
}

// HostPort splits s.Addr into host and numeric port.
func (s *Server) HostPort() (string, int) {
	host, portStr, _ := net.SplitHostPort(s.Addr)
	port, _ := strconv.Atoi(portStr)
	return host, port
}
