// Package statusapi exposes a minimal read-only local HTTP endpoint so a
// UI or health check can poll current session/forward state without
// holding a live event subscription. It is ambient, not part of the
// core: internal/session, internal/forward, and internal/supervisor
// never import it.
package statusapi

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http/httpguts"

	"tunnelclient/internal/supervisor"
)

// statusSnapshot is the JSON body returned by GET /status.
type statusSnapshot struct {
	SupervisorState  string            `json:"supervisor_state"`
	ReconnectAttempt int               `json:"reconnect_attempt"`
	Session          sessionSnapshot   `json:"session"`
	Forwards         []forwardSnapshot `json:"forwards"`
}

type sessionSnapshot struct {
	State        string `json:"state"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type forwardSnapshot struct {
	RemotePort       int    `json:"remote_port"`
	LocalPort        int    `json:"local_port"`
	Description      string `json:"description"`
	State            string `json:"state"`
	ErrorMessage     string `json:"error_message,omitempty"`
	ConnectionsCount int64  `json:"connections_count"`
}

// Server is a loopback-only HTTP status endpoint.
type Server struct {
	sv         *supervisor.Supervisor
	log        *logrus.Entry
	authHeader string
	httpServer *http.Server
}

// New constructs a status server for sv. authHeaderValue, if non-empty,
// must be presented verbatim as the X-Tunnel-Status-Token header on every
// request; this is validated as a well-formed header field value via
// golang.org/x/net/http/httpguts before being compared, matching the
// teacher's use of httpguts to validate raw HTTP header bytes
// (httpProcessor.go) before trusting them.
func New(sv *supervisor.Supervisor, log *logrus.Entry, authHeaderValue string) *Server {
	return &Server{sv: sv, log: log.WithField("component", "statusapi"), authHeader: authHeaderValue}
}

// Serve starts listening on addr (normally "127.0.0.1:PORT") and blocks
// until the listener errors or the server is closed. An addr that does
// not resolve to a loopback address is refused with an error.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); !ok || !tcpAddr.IP.IsLoopback() {
		ln.Close()
		return &net.AddrError{Err: "status endpoint requires a loopback address", Addr: addr}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.log.WithField("addr", ln.Addr().String()).Info("status endpoint listening")
	return s.httpServer.Serve(ln)
}

// Close shuts the status server down.
func (s *Server) Close() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.authHeader != "" {
		got := r.Header.Get("X-Tunnel-Status-Token")
		if !httpguts.ValidHeaderFieldValue(got) || got != s.authHeader {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	sessState, sessErr := s.sv.Session().State()
	snap := statusSnapshot{
		SupervisorState:  string(s.sv.State()),
		ReconnectAttempt: s.sv.ReconnectAttempt(),
		Session: sessionSnapshot{
			State:        string(sessState),
			ErrorMessage: sessErr,
		},
	}

	for _, st := range s.sv.Registry().StatusAll() {
		snap.Forwards = append(snap.Forwards, forwardSnapshot{
			RemotePort:       st.Rule.RemotePort,
			LocalPort:        st.Rule.LocalPort,
			Description:      st.Rule.Description,
			State:            string(st.State),
			ErrorMessage:     st.ErrorMessage,
			ConnectionsCount: st.ConnectionsCount,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}
