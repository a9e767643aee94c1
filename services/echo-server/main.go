package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"idia-astro/go-toolvisor/pkg/config"
	"idia-astro/go-toolvisor/pkg/events"
	"idia-astro/go-toolvisor/pkg/harness"
	helpers "idia-astro/go-toolvisor/pkg/shared"
	"idia-astro/go-toolvisor/services/echo-server/internal/handlers"
)

func main() {
	// stdout carries the protocol, so logs go to stderr
	levelVar := new(slog.LevelVar)
	logger := helpers.NewLoggerTo(os.Stderr, "echo-server", levelVar)
	slog.SetDefault(logger)

	pflag.String("config", "", "Path to config file")
	pflag.String("log_level", "info", "Log level (debug|info|warn|error)")
	pflag.String("name", "echo", "Server name announced in the readiness line")
	pflag.String("health_addr", "", "Address for /healthz and /metrics (disabled when empty)")
	pflag.Bool("metrics", false, "Expose Prometheus metrics on the health address")
	pflag.Bool("error_metrics", false, "Track per-taxonomy error counters and expose sys/errorStats")
	pflag.String("override", "", "Override simple config values (string, int, bool) as comma-separated key:value pairs (e.g., harness.rate_limit.enabled:true,log_level:debug)")
	pflag.Parse()

	v := config.New()
	if err := config.BindFlags(v, pflag.CommandLine, map[string]string{
		"log_level":     "log_level",
		"health_addr":   "harness.health_addr",
		"metrics":       "harness.metrics_enabled",
		"error_metrics": "harness.error_metrics",
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	name := pflag.Lookup("name").Value.String()
	opts := harness.OptionsFromConfig(name, cfg)
	opts.Logger = logger
	opts.LevelVar = levelVar
	opts.Events = events.NewClient(cfg.Harness.EventsURL, cfg.Harness.EventsToken, logger)

	server := harness.New(opts)
	if err := handlers.Register(server); err != nil {
		slog.Error("Error registering methods", "error", err)
		os.Exit(1)
	}

	if err := server.Run(ctx); err != nil {
		slog.Error("Worker stopped", "error", err)
		os.Exit(1)
	}
}
