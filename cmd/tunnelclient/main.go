// Command tunnelclient establishes an outbound SSH session to a
// configured server and exposes local services through it via
// server-side reverse port forwards. Wiring style (flag parsing, a
// best-effort .env load, logrus configuration) mirrors
// _examples/NadeemAfana-tunnel/main.go.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"tunnelclient/internal/config"
	"tunnelclient/internal/events"
	"tunnelclient/internal/statusapi"
	"tunnelclient/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "path to the JSON config file (see internal/config for the wire shape).")
	logLevel := flag.String("log", "info", "log level: debug, info, warn, or error.")
	statusAddr := flag.String("status-addr", "", "if set, serve GET /status on this loopback address (eg 127.0.0.1:7777).")
	flag.Parse()

	if *configPath == "" {
		logrus.Fatalln("-config is required")
	}

	// Best-effort: a .env file can seed TUNNEL_SSH_KEY_PASSPHRASE without
	// it ever touching the config file on disk. Mirrors the teacher's
	// godotenv.Load("secrets.env") in main.go; absence of the file is not
	// an error here since it's optional for this client, unlike the
	// teacher's server which requires it.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Debug("no .env file loaded")
	}

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatalf("invalid log level: %s", err)
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stdout)
	log := logrus.NewEntry(logrus.StandardLogger())

	data, err := os.ReadFile(*configPath)
	if err != nil {
		logrus.Fatalf("failed to read config: %s", err)
	}
	cfg, err := config.Parse(data)
	if err != nil {
		logrus.Fatalf("failed to parse config: %s", err)
	}
	if err := config.Validate(cfg); err != nil {
		logrus.Fatalf("invalid config: %s", err)
	}

	passphrase := os.Getenv("TUNNEL_SSH_KEY_PASSPHRASE")

	sv := supervisor.New(cfg, log)

	sv.Session().Subscribe(func(ev events.SessionEvent) {
		entry := log.WithField("component", "session").WithField("state", ev.State)
		if ev.ErrorMessage != "" {
			entry = entry.WithField("error", ev.ErrorMessage)
		}
		entry.Info("session state changed")
	})
	sv.Registry().Subscribe(func(ev events.ForwardEvent) {
		entry := log.WithField("component", "forward").
			WithField("remote_port", ev.Rule.RemotePort).
			WithField("state", ev.State)
		if ev.ErrorMessage != "" {
			entry = entry.WithField("error", ev.ErrorMessage)
		}
		entry.Info("forward state changed")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sv.Start(ctx, passphrase); err != nil {
		log.WithError(err).Warn("initial connect failed; supervisor will retry per reconnect policy")
	}

	var status *statusapi.Server
	if *statusAddr != "" {
		status = statusapi.New(sv, log, os.Getenv("TUNNEL_STATUS_TOKEN"))
		go func() {
			if err := status.Serve(*statusAddr); err != nil {
				log.WithError(err).Warn("status endpoint stopped")
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	if status != nil {
		status.Close()
	}
	sv.Stop()
}
