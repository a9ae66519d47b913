// Package config holds the data model the core consumes (spec §3) plus a
// JSON wire codec and validator for the sidecar shape described in spec §6.
// Neither the codec nor the validator is imported by internal/session,
// internal/forward, or internal/supervisor: the core only ever sees a
// Config value, never how it was sourced.
package config

import (
	"encoding/json"
	"fmt"
)

// ForwardRule is one remote-listener-to-local-socket policy.
type ForwardRule struct {
	LocalPort         int    `json:"local_port"`
	RemotePort        int    `json:"remote_port"`
	RemoteBindAddress string `json:"remote_bind_address"`
	Enabled           bool   `json:"enabled"`
	Description       string `json:"description"`
}

// Server describes the fixed/configured SSH endpoint.
type Server struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	Username string `json:"username"`
}

// SSHKey describes where the private key lives. PassphraseInKeyring is a
// pass-through flag for the out-of-scope keyring collaborator; the core
// never reads it.
type SSHKey struct {
	Path                string `json:"path"`
	PassphraseInKeyring bool   `json:"passphrase_in_keyring"`
}

// Reconnect controls the Supervisor's backoff loop.
type Reconnect struct {
	Enabled           bool    `json:"enabled"`
	MaxAttempts       int     `json:"max_attempts"`
	InitialDelay      float64 `json:"initial_delay_seconds"`
	MaxDelay          float64 `json:"max_delay_seconds"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

// Connection controls Session timeouts and keepalive cadence.
type Connection struct {
	TimeoutSeconds           int `json:"timeout_seconds"`
	KeepaliveIntervalSeconds int `json:"keepalive_interval_seconds"`
	KeepaliveMaxMissed       int `json:"keepalive_count_max"`
}

// Config is the immutable-during-a-run configuration the core consumes.
type Config struct {
	Server     Server        `json:"-"`
	Key        SSHKey        `json:"-"`
	Forwards   []ForwardRule `json:"-"`
	Connection Connection    `json:"-"`
	Reconnect  Reconnect     `json:"-"`
}

// Defaults returns a Config with the defaults named in spec §3.
func Defaults() Config {
	return Config{
		Connection: Connection{
			TimeoutSeconds:           30,
			KeepaliveIntervalSeconds: 30,
			KeepaliveMaxMissed:       3,
		},
		Reconnect: Reconnect{
			Enabled:           true,
			MaxAttempts:       0,
			InitialDelay:      1,
			MaxDelay:          300,
			BackoffMultiplier: 2,
		},
	}
}

// wireConfig mirrors the exact JSON shape from spec §6.
type wireConfig struct {
	Server         Server `json:"server"`
	SSHKey         SSHKey `json:"ssh_key"`
	PortForwarding struct {
		Rules []ForwardRule `json:"rules"`
	} `json:"port_forwarding"`
	Reconnect  Reconnect  `json:"reconnect"`
	Connection Connection `json:"connection"`
}

// Marshal serializes c to the stable wire shape of spec §6.
func Marshal(c Config) ([]byte, error) {
	w := wireConfig{Server: c.Server, SSHKey: c.Key, Reconnect: c.Reconnect, Connection: c.Connection}
	w.PortForwarding.Rules = c.Forwards
	return json.MarshalIndent(w, "", "  ")
}

// Parse deserializes the stable wire shape of spec §6, filling in
// defaults for anything not present so that a partial document still
// produces a usable Config (mirrors the original ConfigManager.load's
// return-defaults-on-partial-data behavior).
func Parse(data []byte) (Config, error) {
	c := Defaults()

	var w wireConfig
	w.Reconnect = c.Reconnect
	w.Connection = c.Connection
	if err := json.Unmarshal(data, &w); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}

	c.Server = w.Server
	c.Key = w.SSHKey
	c.Forwards = w.PortForwarding.Rules
	c.Reconnect = w.Reconnect
	c.Connection = w.Connection
	return c, nil
}

// ValidationError reports every problem found by Validate at once.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "config: " + e.Problems[0]
	}
	return fmt.Sprintf("config: %d problems, first: %s", len(e.Problems), e.Problems[0])
}

// Validate checks the invariants named in spec §3 and §8: required
// fields, port ranges, and no two enabled rules sharing a remote port.
func Validate(c Config) error {
	var problems []string

	if c.Server.Hostname == "" {
		problems = append(problems, "server hostname is required")
	}
	if c.Server.Username == "" {
		problems = append(problems, "server username is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, "server port must be between 1 and 65535")
	}
	if c.Key.Path == "" {
		problems = append(problems, "ssh key path is required")
	}

	seenRemote := make(map[int]bool)
	for i, rule := range c.Forwards {
		if rule.LocalPort < 1 || rule.LocalPort > 65535 {
			problems = append(problems, fmt.Sprintf("rule %d: local port must be between 1 and 65535", i+1))
		}
		if rule.RemotePort < 1 || rule.RemotePort > 65535 {
			problems = append(problems, fmt.Sprintf("rule %d: remote port must be between 1 and 65535", i+1))
		}
		if rule.Enabled {
			if seenRemote[rule.RemotePort] {
				problems = append(problems, fmt.Sprintf("rule %d: remote port %d is already used by another enabled rule", i+1, rule.RemotePort))
			}
			seenRemote[rule.RemotePort] = true
		}
	}

	if c.Reconnect.BackoffMultiplier < 1 {
		problems = append(problems, "reconnect backoff multiplier must be >= 1")
	}

	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems}
}

// BindAddress returns the rule's remote bind address, defaulting to the
// loopback address per spec §3.
func (r ForwardRule) BindAddress() string {
	if r.RemoteBindAddress == "" {
		return "127.0.0.1"
	}
	return r.RemoteBindAddress
}
