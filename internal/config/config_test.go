package config_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"tunnelclient/internal/config"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config Suite")
}

var _ = Describe("Validate", func() {
	It("requires hostname, username, and key path", func() {
		err := config.Validate(config.Config{})
		Expect(err).To(HaveOccurred())
	})

	It("accepts a minimal valid config", func() {
		c := config.Defaults()
		c.Server = config.Server{Hostname: "example.com", Port: 22, Username: "alice"}
		c.Key = config.SSHKey{Path: "/home/alice/.ssh/id_ed25519"}
		Expect(config.Validate(c)).To(Succeed())
	})

	It("rejects out-of-range ports", func() {
		c := config.Defaults()
		c.Server = config.Server{Hostname: "h", Port: 0, Username: "u"}
		c.Key = config.SSHKey{Path: "k"}
		err := config.Validate(c)
		Expect(err).To(HaveOccurred())
	})

	It("accepts boundary port values 1 and 65535 on rules", func() {
		c := config.Defaults()
		c.Server = config.Server{Hostname: "h", Port: 22, Username: "u"}
		c.Key = config.SSHKey{Path: "k"}
		c.Forwards = []config.ForwardRule{
			{LocalPort: 1, RemotePort: 65535, Enabled: true},
		}
		Expect(config.Validate(c)).To(Succeed())
	})

	It("rejects port 0 and 65536 on rules", func() {
		c := config.Defaults()
		c.Server = config.Server{Hostname: "h", Port: 22, Username: "u"}
		c.Key = config.SSHKey{Path: "k"}
		c.Forwards = []config.ForwardRule{
			{LocalPort: 0, RemotePort: 65536, Enabled: true},
		}
		err := config.Validate(c)
		Expect(err).To(HaveOccurred())
		ve, ok := err.(*config.ValidationError)
		Expect(ok).To(BeTrue())
		Expect(len(ve.Problems)).To(Equal(2))
	})

	It("rejects two enabled rules sharing a remote port", func() {
		c := config.Defaults()
		c.Server = config.Server{Hostname: "h", Port: 22, Username: "u"}
		c.Key = config.SSHKey{Path: "k"}
		c.Forwards = []config.ForwardRule{
			{LocalPort: 1, RemotePort: 12345, Enabled: true},
			{LocalPort: 2, RemotePort: 12345, Enabled: true},
		}
		Expect(config.Validate(c)).To(HaveOccurred())
	})

	It("allows the same remote port when only one rule is enabled", func() {
		c := config.Defaults()
		c.Server = config.Server{Hostname: "h", Port: 22, Username: "u"}
		c.Key = config.SSHKey{Path: "k"}
		c.Forwards = []config.ForwardRule{
			{LocalPort: 1, RemotePort: 12345, Enabled: true},
			{LocalPort: 2, RemotePort: 12345, Enabled: false},
		}
		Expect(config.Validate(c)).To(Succeed())
	})
})

var _ = Describe("Marshal/Parse round trip", func() {
	It("preserves every field through serialize then parse", func() {
		c := config.Config{
			Server: config.Server{Hostname: "tunnel.example.com", Port: 2222, Username: "bob"},
			Key:    config.SSHKey{Path: "/keys/id_ed25519", PassphraseInKeyring: true},
			Forwards: []config.ForwardRule{
				{LocalPort: 8080, RemotePort: 12345, RemoteBindAddress: "127.0.0.1", Enabled: true, Description: "web"},
			},
			Connection: config.Connection{TimeoutSeconds: 45, KeepaliveIntervalSeconds: 20, KeepaliveMaxMissed: 5},
			Reconnect: config.Reconnect{
				Enabled: true, MaxAttempts: 10, InitialDelay: 2, MaxDelay: 60, BackoffMultiplier: 1.5,
			},
		}

		data, err := config.Marshal(c)
		Expect(err).NotTo(HaveOccurred())

		parsed, err := config.Parse(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(parsed).To(Equal(c))
	})

	It("parses the exact wire shape from the spec", func() {
		data := []byte(`{
			"server": {"hostname": "h", "port": 22, "username": "u"},
			"ssh_key": {"path": "/k", "passphrase_in_keyring": false},
			"port_forwarding": {"rules": [
				{"local_port": 80, "remote_port": 8080, "remote_bind_address": "127.0.0.1", "enabled": true, "description": "x"}
			]},
			"reconnect": {"enabled": true, "max_attempts": 0, "initial_delay_seconds": 1, "max_delay_seconds": 300, "backoff_multiplier": 2},
			"connection": {"timeout_seconds": 30, "keepalive_interval_seconds": 30, "keepalive_count_max": 3}
		}`)
		c, err := config.Parse(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Server.Hostname).To(Equal("h"))
		Expect(c.Forwards).To(HaveLen(1))
		Expect(c.Forwards[0].RemotePort).To(Equal(8080))
	})
})

var _ = Describe("ForwardRule.BindAddress", func() {
	It("defaults to loopback when unset", func() {
		r := config.ForwardRule{}
		Expect(r.BindAddress()).To(Equal("127.0.0.1"))
	})

	It("honors an explicit bind address", func() {
		r := config.ForwardRule{RemoteBindAddress: "0.0.0.0"}
		Expect(r.BindAddress()).To(Equal("0.0.0.0"))
	})
})
