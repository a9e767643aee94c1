package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"idia-astro/go-toolvisor/pkg/config"
	"idia-astro/go-toolvisor/pkg/events"
	helpers "idia-astro/go-toolvisor/pkg/shared"
	"idia-astro/go-toolvisor/services/supervisor/internal/supervisor"
)

func main() {
	// stdout carries lifecycle records and forwarded worker output
	levelVar := new(slog.LevelVar)
	logger := helpers.NewLoggerTo(os.Stderr, "supervisor", levelVar)
	slog.SetDefault(logger)

	id := uuid.New()
	slog.Info("Starting supervisor", "uuid", id.String())

	pflag.String("config", "", "Path to config file")
	pflag.String("log_level", "info", "Log level (debug|info|warn|error)")
	pflag.String("servers", "", "Path to a YAML or JSON worker descriptor list (default: a single echo worker)")
	pflag.StringSlice("only", nil, "Only launch the named workers")
	pflag.StringSlice("exclude", nil, "Skip the named workers")
	pflag.Int("max_restarts", 3, "Default restart budget per worker")
	pflag.Duration("backoff_min", 0, "Minimum restart delay")
	pflag.Duration("backoff_max", 0, "Maximum restart delay")
	pflag.Duration("max_uptime", 0, "Stop each worker this long after its first spawn (0 disables)")
	pflag.String("log_file", "", "Append lifecycle records to this file")
	pflag.Bool("fail_fast", false, "Stop everything when any worker gives up")
	pflag.Int("exit_code_on_giveup", -1, "Exit code when a worker gave up (negative leaves it 0)")
	pflag.Duration("heartbeat", 0, "Emit a heartbeat record at this interval (0 disables)")
	pflag.String("status_addr", "", "Address for the worker status API (disabled when empty)")
	pflag.String("events_url", "", "Gateway ingest URL lifecycle records are mirrored to")
	pflag.String("override", "", "Override simple config values (string, int, bool) as comma-separated key:value pairs (e.g., supervisor.max_restarts:5,log_level:debug)")
	pflag.Parse()

	v := config.New()
	if err := config.BindFlags(v, pflag.CommandLine, map[string]string{
		"log_level":           "log_level",
		"servers":             "supervisor.servers_file",
		"only":                "supervisor.only",
		"exclude":             "supervisor.exclude",
		"max_restarts":        "supervisor.max_restarts",
		"backoff_min":         "supervisor.backoff_min",
		"backoff_max":         "supervisor.backoff_max",
		"max_uptime":          "supervisor.max_uptime",
		"log_file":            "supervisor.log_file",
		"fail_fast":           "supervisor.fail_fast",
		"exit_code_on_giveup": "supervisor.exit_code_on_giveup",
		"heartbeat":           "supervisor.heartbeat_interval",
		"status_addr":         "supervisor.status_addr",
		"events_url":          "supervisor.events_url",
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

	descriptors := supervisor.DefaultDescriptors()
	if cfg.Supervisor.ServersFile != "" {
		descriptors, err = supervisor.LoadDescriptors(cfg.Supervisor.ServersFile)
		if err != nil {
			slog.Error("Error loading worker descriptors", "error", err)
			os.Exit(2)
		}
	}
	descriptors = supervisor.Filter(descriptors, cfg.Supervisor.Only, cfg.Supervisor.Exclude)

	ev := events.NewClient(cfg.Supervisor.EventsURL, cfg.Supervisor.EventsToken, logger)
	recorder, err := supervisor.NewRecorder(os.Stdout, cfg.Supervisor.LogFile, ev)
	if err != nil {
		slog.Error("Error opening log file", "error", err)
		os.Exit(2)
	}

	// Cancelling ctx starts a graceful shutdown of every worker
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := supervisor.OptionsFromConfig(cfg.Supervisor, descriptors)
	opts.Logger = logger
	opts.Recorder = recorder
	opts.Launcher = &supervisor.ExecLauncher{
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
		MaxLineBytes: cfg.Harness.MaxLineBytes,
		Logger:       logger,
	}
	sup := supervisor.New(opts)

	if cfg.Supervisor.StatusAddr != "" {
		statusCtx, cancelStatus := context.WithCancel(context.Background())
		defer cancelStatus()
		if _, err := supervisor.StartStatusServer(statusCtx, cfg.Supervisor.StatusAddr, sup, logger); err != nil {
			slog.Error("Error starting status API", "error", err)
			os.Exit(2)
		}
	}

	res := sup.Run(ctx)
	if err := recorder.Close(); err != nil {
		slog.Warn("Error closing log file", "error", err)
	}
	stop()
	os.Exit(res.ExitCode)
}
