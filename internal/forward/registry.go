// Package forward implements the reverse-forwarding subsystem: it asks
// the server to listen on a remote address:port (RFC 4254 §7.1), accepts
// the forwarded-tcpip channels that result (RFC 4254 §7.2), and splices
// each one to a local TCP socket. Grounded on the global-request and
// channel-open handling in
// _examples/NadeemAfana-tunnel/remoteForward.go, mirrored for the client
// side of the same wire messages.
package forward

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"tunnelclient/internal/config"
	"tunnelclient/internal/events"
)

// State aliases the shared forward-state enum.
type State = events.ForwardState

const (
	Inactive = events.ForwardInactive
	Starting = events.ForwardStarting
	Active   = events.ForwardActive
	Error    = events.ForwardError
)

const bufferSize = 32 << 10 // 32 KiB, matching remoteForward.go's bufPool.

var bufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, bufferSize)
		return &b
	},
}

// stopWait bounds how long Stop waits for in-flight connections on a
// forward to drain before it force-proceeds.
const stopWait = 2 * time.Second

// Status is a point-in-time snapshot of one forward.
type Status struct {
	Rule             config.ForwardRule
	State            State
	ErrorMessage     string
	ConnectionsCount int64
}

type entry struct {
	rule       config.ForwardRule
	state      State
	errMsg     string
	connCount  atomic.Int64
	wg         sync.WaitGroup
	connsMu    sync.Mutex
	conns      map[int64]io.Closer
	nextConnID int64
}

// Registry owns, per remote port, the lifecycle of one reverse forward:
// requesting the listener, dispatching forwarded channels to it, and
// splicing bytes to a local socket.
type Registry struct {
	log *logrus.Entry
	bus *events.Bus[events.ForwardEvent]

	mu             sync.Mutex
	transport      *ssh.Client
	cancelDispatch context.CancelFunc
	byPort         map[int]*entry
}

// New constructs an empty Registry.
func New(log *logrus.Entry) *Registry {
	return &Registry{
		log:    log.WithField("component", "forward"),
		bus:    events.NewBus[events.ForwardEvent](),
		byPort: make(map[int]*entry),
	}
}

// Subscribe registers fn for forward state transitions; a slow fn
// observes the newest state and may skip intermediate ones (see
// events.Bus).
func (r *Registry) Subscribe(fn func(events.ForwardEvent)) (unsubscribe func()) {
	return r.bus.Subscribe(fn)
}

// BindTransport sets the transport used by subsequent Start calls.
// Setting it to nil invalidates outstanding forwards' ability to accept
// new channels (the dispatch loop is torn down) but does not itself stop
// them — the Supervisor is responsible for sequencing StopAll before
// rebinding.
func (r *Registry) BindTransport(client *ssh.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancelDispatch != nil {
		r.cancelDispatch()
		r.cancelDispatch = nil
	}
	r.transport = client

	if client == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancelDispatch = cancel
	chans := client.HandleChannelOpen(forwardedTCPChannelType)
	go r.dispatch(ctx, chans)
}

func (r *Registry) dispatch(ctx context.Context, chans <-chan ssh.NewChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case nc, ok := <-chans:
			if !ok {
				return
			}
			r.handleNewChannel(nc)
		}
	}
}

func (r *Registry) handleNewChannel(nc ssh.NewChannel) {
	var payload forwardedTCPPayload
	if err := ssh.Unmarshal(nc.ExtraData(), &payload); err != nil {
		nc.Reject(ssh.ConnectionFailed, "malformed forwarded-tcpip payload")
		return
	}

	r.mu.Lock()
	e, ok := r.byPort[int(payload.DestPort)]
	active := ok && e.state == Active
	r.mu.Unlock()
	if !active {
		nc.Reject(ssh.Prohibited, "no active forward for this port")
		return
	}

	ch, reqs, err := nc.Accept()
	if err != nil {
		r.log.WithError(err).Debug("failed to accept forwarded-tcpip channel")
		return
	}
	go ssh.DiscardRequests(reqs)

	e.connCount.Add(1)
	e.wg.Add(1)
	go r.splice(e, ch)
}

// Start requests the server to listen on rule's remote bind address and
// port, then begins dispatching any resulting channels to it.
func (r *Registry) Start(rule config.ForwardRule) error {
	r.mu.Lock()
	if e, ok := r.byPort[rule.RemotePort]; ok && e.state == Active {
		r.mu.Unlock()
		return ErrAlreadyActive
	}
	transport := r.transport
	if transport == nil {
		r.mu.Unlock()
		return ErrNoTransport
	}

	e := &entry{rule: rule, state: Starting, conns: make(map[int64]io.Closer)}
	r.byPort[rule.RemotePort] = e
	r.mu.Unlock()

	r.bus.Publish(events.ForwardEvent{Rule: rule, State: Starting})

	payload := ssh.Marshal(&tcpipForwardRequest{
		BindAddr: rule.BindAddress(),
		BindPort: uint32(rule.RemotePort),
	})
	ok, _, err := transport.SendRequest(forwardTCPRequestType, true, payload)
	if err != nil || !ok {
		msg := "server refused tcpip-forward request"
		if err != nil {
			msg = err.Error()
		}
		r.mu.Lock()
		e.state = Error
		e.errMsg = msg
		r.mu.Unlock()
		r.bus.Publish(events.ForwardEvent{Rule: rule, State: Error, ErrorMessage: msg})
		return &ProtocolError{Message: msg, Err: err}
	}

	r.mu.Lock()
	e.rule = rule
	e.state = Active
	r.mu.Unlock()

	r.bus.Publish(events.ForwardEvent{Rule: rule, State: Active})
	r.log.WithFields(logrus.Fields{
		"remote_port": rule.RemotePort,
		"local_port":  rule.LocalPort,
	}).Info("forward started")
	return nil
}

// Stop signals dispatch to stop routing new channels to remotePort,
// closes every in-flight tunneled connection for it, asks the server to
// cancel the listener, and marks it Inactive. Idempotent.
func (r *Registry) Stop(remotePort int) {
	r.mu.Lock()
	e, ok := r.byPort[remotePort]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byPort, remotePort)
	transport := r.transport
	r.mu.Unlock()

	e.connsMu.Lock()
	for _, c := range e.conns {
		c.Close()
	}
	e.connsMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopWait):
		r.log.WithField("remote_port", remotePort).Warn("timed out waiting for tunneled connections to drain")
	}

	if transport != nil {
		payload := ssh.Marshal(&cancelTCPIPForwardRequest{
			BindAddr: e.rule.BindAddress(),
			BindPort: uint32(remotePort),
		})
		if _, _, err := transport.SendRequest(cancelForwardTCPRequestType, true, payload); err != nil {
			r.log.WithError(err).Warn("error canceling port forward")
		}
	}

	r.bus.Publish(events.ForwardEvent{Rule: e.rule, State: Inactive})
	r.log.WithField("remote_port", remotePort).Info("forward stopped")
}

// StartAll starts every enabled rule, returning per-port errors (nil on
// success).
func (r *Registry) StartAll(rules []config.ForwardRule) map[int]error {
	results := make(map[int]error)
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		results[rule.RemotePort] = r.Start(rule)
	}
	return results
}

// StopAll stops every currently tracked forward.
func (r *Registry) StopAll() {
	r.mu.Lock()
	ports := make([]int, 0, len(r.byPort))
	for p := range r.byPort {
		ports = append(ports, p)
	}
	r.mu.Unlock()

	for _, p := range ports {
		r.Stop(p)
	}
}

// Status returns a snapshot for remotePort, or ok=false if untracked.
func (r *Registry) Status(remotePort int) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byPort[remotePort]
	if !ok {
		return Status{}, false
	}
	return Status{Rule: e.rule, State: e.state, ErrorMessage: e.errMsg, ConnectionsCount: e.connCount.Load()}, true
}

// StatusAll returns a snapshot of every tracked forward.
func (r *Registry) StatusAll() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.byPort))
	for _, e := range r.byPort {
		out = append(out, Status{Rule: e.rule, State: e.state, ErrorMessage: e.errMsg, ConnectionsCount: e.connCount.Load()})
	}
	return out
}

func (r *Registry) splice(e *entry, ch ssh.Channel) {
	defer e.wg.Done()

	localAddr := fmt.Sprintf("127.0.0.1:%d", e.rule.LocalPort)
	conn, err := net.DialTimeout("tcp", localAddr, 5*time.Second)
	if err != nil {
		dialErr := &LocalDialError{Message: "could not reach local endpoint", Err: err}
		r.log.WithError(dialErr).WithField("local_addr", localAddr).Debug("local dial failed for tunneled connection")
		ch.Close()
		return
	}

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			conn.Close()
			ch.Close()
		})
	}
	defer closeBoth()

	id := e.registerConn(closerFunc(closeBoth))
	defer e.unregisterConn(id)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		buf := bufPool.Get().(*[]byte)
		defer bufPool.Put(buf)
		io.CopyBuffer(ch, conn, *buf)
		closeBoth()
	}()
	go func() {
		defer wg.Done()
		buf := bufPool.Get().(*[]byte)
		defer bufPool.Put(buf)
		io.CopyBuffer(conn, ch, *buf)
		closeBoth()
	}()
	wg.Wait()
	r.log.WithField("remote_port", e.rule.RemotePort).Debug("tunneled connection ended")
}

// closerFunc lets Stop force-close a tunneled connection's two halves
// together without exposing the splice goroutine's innards.
type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

func (e *entry) registerConn(c io.Closer) int64 {
	e.connsMu.Lock()
	defer e.connsMu.Unlock()
	e.nextConnID++
	id := e.nextConnID
	e.conns[id] = c
	return id
}

func (e *entry) unregisterConn(id int64) {
	e.connsMu.Lock()
	delete(e.conns, id)
	e.connsMu.Unlock()
}
