package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"idia-astro/go-toolvisor/pkg/config"
	"idia-astro/go-toolvisor/pkg/harness"
	"idia-astro/go-toolvisor/pkg/linecodec"
	helpers "idia-astro/go-toolvisor/pkg/shared"
	"idia-astro/go-toolvisor/services/gateway/internal/auth"
	"idia-astro/go-toolvisor/services/gateway/internal/gateway"
)

func main() {
	// stdout carries the readiness line when not run under the supervisor
	levelVar := new(slog.LevelVar)
	logger := helpers.NewLoggerTo(os.Stderr, "gateway", levelVar)
	slog.SetDefault(logger)

	id := uuid.New()
	slog.Info("Starting event gateway", "uuid", id.String())

	pflag.String("config", "", "Path to config file")
	pflag.String("log_level", "info", "Log level (debug|info|warn|error)")
	pflag.Int("port", 39300, "HTTP server port")
	pflag.String("hostname", "", "Hostname to listen on")
	pflag.Duration("heartbeat", 0, "Stream heartbeat interval")
	pflag.Int("ring_capacity", 1000, "Events retained for replay")
	pflag.String("ingest_token", "", "Bearer token required to post events (defaults to the subscribe token)")
	pflag.String("subscribe_token", "", "Bearer token required to subscribe")
	pflag.String("override", "", "Override simple config values (string, int, bool) as comma-separated key:value pairs (e.g., gateway.port:9000,log_level:debug)")
	pflag.Parse()

	v := config.New()
	if err := config.BindFlags(v, pflag.CommandLine, map[string]string{
		"log_level":       "log_level",
		"port":            "gateway.port",
		"hostname":        "gateway.hostname",
		"heartbeat":       "gateway.heartbeat_interval",
		"ring_capacity":   "gateway.ring_capacity",
		"ingest_token":    "gateway.ingest_token",
		"subscribe_token": "gateway.subscribe_token",
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(v, pflag.Lookup("config").Value.String(), pflag.Lookup("override").Value.String())
	if err != nil {
		slog.Error("Error loading config", "error", err)
		os.Exit(2)
	}
	levelVar.Set(helpers.ParseLevel(cfg.LogLevel))
	gw := cfg.Gateway

	ingestAuth, subscribeAuth := auth.ForSurfaces(gw.IngestToken, gw.SubscribeToken)

	hub := gateway.NewHub(gateway.HubOptions{
		RingCapacity: gw.RingCapacity,
		QueueSize:    gw.QueueSize,
		Signer:       gateway.NewSigner(gw.HMACSecret),
		Logger:       logger,
	})
	server := gateway.NewServer(hub, gateway.Options{
		Version:           gw.Version,
		HeartbeatInterval: gw.HeartbeatInterval,
		MaxBodyBytes:      gw.MaxBodyBytes,
		IngestAuth:        ingestAuth,
		SubscribeAuth:     subscribeAuth,
		Logger:            logger,
	})

	var readyOut io.Writer = os.Stdout
	if f, ok := harness.ReadyWriterFromEnv(); ok {
		defer helpers.CloseOrLog(f)
		readyOut = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := net.JoinHostPort(gw.Hostname, fmt.Sprint(gw.Port))
	err = server.Serve(ctx, addr, func(a net.Addr) {
		slog.Info("Event gateway listening", "addr", a.String(), "ringCapacity", gw.RingCapacity)
		if err := linecodec.NewWriter(readyOut).Encode(server.ReadyInfo(a)); err != nil {
			slog.Warn("Error writing readiness line", "error", err)
		}
	})
	if err != nil {
		slog.Error("Event gateway stopped", "error", err)
		os.Exit(1)
	}
}
