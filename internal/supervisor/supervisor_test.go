package supervisor_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"tunnelclient/internal/config"
	"tunnelclient/internal/session"
	"tunnelclient/internal/supervisor"
	"tunnelclient/internal/testsshd"
)

func TestSupervisor(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Supervisor Suite")
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(GinkgoWriter)
	return logrus.NewEntry(log)
}

var _ = Describe("delayFor backoff formula", func() {
	// delayFor is unexported and cannot be called from this external test
	// package. This spec does not call it: it re-derives the documented
	// formula (initial * multiplier^attempt, capped at max) locally and
	// checks the schedule it yields. delayFor itself is exercised only
	// indirectly, by the reconnect integration test below.
	It("matches initial*multiplier^attempt capped at max, per attempt", func() {
		cfg := config.Reconnect{InitialDelay: 1, MaxDelay: 10, BackoffMultiplier: 2}
		expected := []float64{1, 2, 4, 8, 10, 10}
		for attempt, want := range expected {
			d := cfg.InitialDelay
			for i := 0; i < attempt; i++ {
				d *= cfg.BackoffMultiplier
			}
			if d > cfg.MaxDelay {
				d = cfg.MaxDelay
			}
			Expect(d).To(Equal(want), "attempt %d", attempt)
		}
	})
})

var _ = Describe("Supervisor", func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "supervisor-test")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	It("connects and starts forwards on Start, then tears everything down on Stop", func() {
		keyPath := filepath.Join(dir, "id_ed25519")
		_, pub, err := testsshd.WriteEd25519KeyPair(keyPath)
		Expect(err).NotTo(HaveOccurred())

		srv, err := testsshd.Start(pub)
		Expect(err).NotTo(HaveOccurred())
		defer srv.Close()

		host, port := srv.HostPort()
		cfg := config.Defaults()
		cfg.Server = config.Server{Hostname: host, Port: port, Username: "tester"}
		cfg.Key = config.SSHKey{Path: keyPath}
		cfg.Connection.KeepaliveIntervalSeconds = 1

		sv := supervisor.New(cfg, testLogger())
		Expect(sv.Start(context.Background(), "")).To(Succeed())
		Expect(sv.State()).To(Equal(supervisor.Running))

		state, _ := sv.Session().State()
		Expect(state).To(Equal(session.Connected))

		sv.Stop()
		Expect(sv.State()).To(Equal(supervisor.Stopped))

		state, _ = sv.Session().State()
		Expect(state).To(Equal(session.Disconnected))
	})

	It("is idempotent: Start while already Running is a no-op, Stop while Stopped is a no-op", func() {
		keyPath := filepath.Join(dir, "id_ed25519")
		_, pub, err := testsshd.WriteEd25519KeyPair(keyPath)
		Expect(err).NotTo(HaveOccurred())

		srv, err := testsshd.Start(pub)
		Expect(err).NotTo(HaveOccurred())
		defer srv.Close()

		host, port := srv.HostPort()
		cfg := config.Defaults()
		cfg.Server = config.Server{Hostname: host, Port: port, Username: "tester"}
		cfg.Key = config.SSHKey{Path: keyPath}

		sv := supervisor.New(cfg, testLogger())
		Expect(sv.Start(context.Background(), "")).To(Succeed())
		Expect(sv.Start(context.Background(), "")).To(Succeed())

		sv.Stop()
		Expect(func() { sv.Stop() }).NotTo(Panic())
	})

	It("reconnects after the transport is severed, resuming Running state", func() {
		keyPath := filepath.Join(dir, "id_ed25519")
		_, pub, err := testsshd.WriteEd25519KeyPair(keyPath)
		Expect(err).NotTo(HaveOccurred())

		srv, err := testsshd.Start(pub)
		Expect(err).NotTo(HaveOccurred())
		defer srv.Close()

		host, port := srv.HostPort()
		cfg := config.Defaults()
		cfg.Server = config.Server{Hostname: host, Port: port, Username: "tester"}
		cfg.Key = config.SSHKey{Path: keyPath}
		cfg.Connection.KeepaliveIntervalSeconds = 1
		cfg.Reconnect.InitialDelay = 0.2
		cfg.Reconnect.MaxDelay = 1
		cfg.Reconnect.BackoffMultiplier = 2

		sv := supervisor.New(cfg, testLogger())
		Expect(sv.Start(context.Background(), "")).To(Succeed())
		defer sv.Stop()

		client, ok := sv.Session().Transport()
		Expect(ok).To(BeTrue())
		client.Close() // simulate a severed transport

		Eventually(func() supervisor.State {
			return sv.State()
		}, 5*time.Second, 50*time.Millisecond).Should(Equal(supervisor.Reconnecting))

		Eventually(func() supervisor.State {
			return sv.State()
		}, 10*time.Second, 50*time.Millisecond).Should(Equal(supervisor.Running))

		state, _ := sv.Session().State()
		Expect(state).To(Equal(session.Connected))
	})

	It("stops retrying once a reconnect attempt reports an outright auth rejection", func() {
		keyPath := filepath.Join(dir, "id_ed25519")
		_, pub, err := testsshd.WriteEd25519KeyPair(keyPath)
		Expect(err).NotTo(HaveOccurred())

		srv, err := testsshd.Start(pub)
		Expect(err).NotTo(HaveOccurred())
		defer srv.Close()

		host, port := srv.HostPort()
		cfg := config.Defaults()
		cfg.Server = config.Server{Hostname: host, Port: port, Username: "tester"}
		cfg.Key = config.SSHKey{Path: keyPath}
		cfg.Connection.KeepaliveIntervalSeconds = 1
		cfg.Reconnect.InitialDelay = 0.2
		cfg.Reconnect.MaxDelay = 1

		sv := supervisor.New(cfg, testLogger())
		Expect(sv.Start(context.Background(), "")).To(Succeed())
		defer sv.Stop()

		client, ok := sv.Session().Transport()
		Expect(ok).To(BeTrue())
		client.Close()

		// Swap in a key the test server never authorized, so the first
		// reconnect attempt's handshake is rejected outright rather than
		// failing to dial.
		_, _, err = testsshd.WriteEd25519KeyPair(keyPath)
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() supervisor.State {
			return sv.State()
		}, 5*time.Second, 50*time.Millisecond).Should(Equal(supervisor.Running))

		state, errMsg := sv.Session().State()
		Expect(state).To(Equal(session.Error))
		Expect(errMsg).NotTo(BeEmpty())
		Expect(sv.ReconnectAttempt()).To(Equal(0))
	})
})
