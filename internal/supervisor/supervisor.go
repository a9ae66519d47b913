// Package supervisor observes session liveness and, on loss, stops all
// forwards and reconnects with exponential backoff before restarting
// them. Grounded on the reconnect loop in
// original_source/src/connection_monitor.py, reworked into Go's
// goroutine/channel idiom per SPEC_FULL.md §4.3.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tunnelclient/internal/config"
	"tunnelclient/internal/forward"
	"tunnelclient/internal/session"
)

// State is the Supervisor's own coarse state, distinct from Session's.
type State string

const (
	Stopped      State = "stopped"
	Running      State = "running"
	Reconnecting State = "reconnecting"
)

// Supervisor drives one Session and one forward.Registry through
// connect, monitor, and reconnect.
type Supervisor struct {
	cfg      config.Config
	log      *logrus.Entry
	sess     *session.Session
	registry *forward.Registry

	mu               sync.Mutex
	state            State
	reconnectAttempt int
	passphrase       string

	stopCh chan struct{}
	doneCh chan struct{}
}

// New wires a Supervisor around a fresh Session and Registry for cfg.
func New(cfg config.Config, log *logrus.Entry) *Supervisor {
	entry := log.WithField("component", "supervisor")
	return &Supervisor{
		cfg:      cfg,
		log:      entry,
		sess:     session.New(cfg, log),
		registry: forward.New(log),
		state:    Stopped,
	}
}

// Session returns the underlying Session, so callers can Subscribe to it.
func (sv *Supervisor) Session() *session.Session { return sv.sess }

// Registry returns the underlying forward.Registry, so callers can
// Subscribe to it.
func (sv *Supervisor) Registry() *forward.Registry { return sv.registry }

// State returns the Supervisor's current coarse state.
func (sv *Supervisor) State() State {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.state
}

// ReconnectAttempt returns the current backoff attempt counter (0 when
// not reconnecting).
func (sv *Supervisor) ReconnectAttempt() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.reconnectAttempt
}

// Start performs an initial connect synchronously, then launches the
// monitor goroutine. The passphrase, if any, is retained in memory for
// reconnect attempts and cleared on Stop.
func (sv *Supervisor) Start(ctx context.Context, passphrase string) error {
	sv.mu.Lock()
	if sv.state != Stopped {
		sv.mu.Unlock()
		return nil
	}
	sv.passphrase = passphrase
	sv.state = Running
	sv.reconnectAttempt = 0
	sv.stopCh = make(chan struct{})
	sv.doneCh = make(chan struct{})
	sv.mu.Unlock()

	err := sv.sess.Connect(ctx, passphrase)
	if err == nil {
		if client, ok := sv.sess.Transport(); ok {
			sv.registry.BindTransport(client)
		}
		sv.registry.StartAll(sv.cfg.Forwards)
	} else {
		sv.log.WithError(err).Warn("initial connect failed, monitor will retry if reconnect is enabled")
	}

	go sv.monitor()
	return err
}

// Stop signals the monitor to exit, stops all forwards, disconnects the
// session, and joins the monitor goroutine (bounded to 5s).
func (sv *Supervisor) Stop() {
	sv.mu.Lock()
	if sv.state == Stopped {
		sv.mu.Unlock()
		return
	}
	close(sv.stopCh)
	done := sv.doneCh
	sv.mu.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		sv.log.Warn("monitor goroutine did not exit within 5s")
	}

	sv.registry.StopAll()
	sv.sess.Disconnect()

	sv.mu.Lock()
	sv.state = Stopped
	sv.reconnectAttempt = 0
	sv.passphrase = ""
	sv.mu.Unlock()
	sv.log.Info("supervisor stopped")
}

func (sv *Supervisor) monitor() {
	defer close(sv.doneCh)

	interval := time.Duration(sv.cfg.Connection.KeepaliveIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	for {
		if sv.waitOrStop(interval) {
			return
		}

		lost := false
		state, _ := sv.sess.State()
		switch state {
		case session.Connected:
			if !sv.sess.Probe() {
				lost = true
			}
		case session.Disconnected, session.Error:
			if sv.cfg.Reconnect.Enabled {
				lost = true
			}
		}

		if !lost {
			continue
		}

		sv.mu.Lock()
		sv.state = Reconnecting
		sv.mu.Unlock()

		sv.registry.StopAll()

		if sv.backoffLoop() {
			return
		}
	}
}

// waitOrStop blocks for d or until Stop is signaled, returning true if
// stop was observed.
func (sv *Supervisor) waitOrStop(d time.Duration) bool {
	select {
	case <-sv.stopCh:
		return true
	case <-time.After(d):
		return false
	}
}

func delayFor(attempt int, cfg config.Reconnect) time.Duration {
	if attempt <= 0 {
		return time.Duration(cfg.InitialDelay * float64(time.Second))
	}
	d := cfg.InitialDelay
	for i := 0; i < attempt; i++ {
		d *= cfg.BackoffMultiplier
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return time.Duration(d * float64(time.Second))
}

// backoffLoop runs reconnect attempts until one succeeds, maxAttempts is
// exhausted, an outright auth rejection occurs, or stop is signaled.
// Returns true when the monitor should exit: stop was observed, or
// retries were abandoned (session left in Error, state Running).
func (sv *Supervisor) backoffLoop() bool {
	attempt := 0
	delay := delayFor(0, sv.cfg.Reconnect)

	for {
		if sv.waitOrStop(delay) {
			return true
		}

		attempt++
		sv.mu.Lock()
		sv.reconnectAttempt = attempt
		maxAttempts := sv.cfg.Reconnect.MaxAttempts
		passphrase := sv.passphrase
		sv.mu.Unlock()

		if maxAttempts > 0 && attempt > maxAttempts {
			sv.log.WithField("max_attempts", maxAttempts).Error("max reconnect attempts exceeded")
			sv.mu.Lock()
			sv.state = Running
			sv.reconnectAttempt = 0
			sv.mu.Unlock()
			return true
		}

		sv.log.WithFields(logrus.Fields{"attempt": attempt, "delay": delay}).Info("reconnecting")

		sv.sess.Disconnect()
		err := sv.sess.Connect(context.Background(), passphrase)
		if err == nil {
			client, ok := sv.sess.Transport()
			if ok {
				sv.registry.BindTransport(client)
			}
			sv.registry.StartAll(sv.cfg.Forwards)

			sv.mu.Lock()
			sv.reconnectAttempt = 0
			sv.state = Running
			sv.mu.Unlock()
			sv.log.Info("reconnected")
			return false
		}

		sv.log.WithError(err).Warn("reconnect attempt failed")

		if authErr, ok := asAuthError(err); ok && !authErr.NeedsPassphrase {
			// Credentials are simply wrong: retrying immediately would
			// hammer the server. Treat it as fatal after this attempt
			// per SPEC_FULL.md §7.
			sv.log.Error("authentication failed, stopping retries")
			sv.mu.Lock()
			sv.state = Running
			sv.reconnectAttempt = 0
			sv.mu.Unlock()
			return true
		}

		delay = delayFor(attempt, sv.cfg.Reconnect)
	}
}

func asAuthError(err error) (*session.AuthError, bool) {
	ae, ok := err.(*session.AuthError)
	return ae, ok
}
