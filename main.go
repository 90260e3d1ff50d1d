package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fosrl/wswatch/config"
	"github.com/fosrl/wswatch/internal/admin"
	"github.com/fosrl/wswatch/internal/state"
	"github.com/fosrl/wswatch/internal/telemetry"
	"github.com/fosrl/wswatch/logger"
	"github.com/fosrl/wswatch/notify"
	"github.com/fosrl/wswatch/supervisor"
)

// set via -ldflags
var (
	version = "dev"
	commit  = ""
)

func main() {
	cfg, err := config.Load(config.File())
	if err != nil {
		logger.Error("Failed to load config: %v", err)
		os.Exit(1)
	}

	logger.Init(logger.New(os.Stdout, cfg.Log.Level, cfg.Log.Format))
	logger.Info("wswatch %s starting with %d server(s)", version, len(cfg.Servers))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tcfg := telemetry.FromEnv()
	tcfg.BuildVersion = version
	tcfg.BuildCommit = commit
	tel, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		logger.Warn("Telemetry disabled: %v", err)
	}
	if cfg.Source() != "" {
		telemetry.IncConfigLoad(ctx, "success")
	} else {
		telemetry.IncConfigLoad(ctx, "defaults")
	}

	view := state.Global()
	dispatcher := notify.New(cfg.Notify.Endpoint, cfg.Notify.Prefix)

	sup, err := supervisor.New(cfg, dispatcher, supervisor.WithStateView(view))
	if err != nil {
		logger.Error("Failed to create watchdogs: %v", err)
		os.Exit(1)
	}

	srv, err := admin.New(tcfg.AdminAddr, admin.Handler(tel.MetricsHandler(), view))
	if err != nil {
		logger.Error("Invalid admin server configuration: %v", err)
		os.Exit(1)
	}
	sup.Go(func() error { return srv.Serve(ctx) })

	if err := sup.Run(ctx); err != nil {
		logger.Warn("Error while stopping watchdogs: %v", err)
	}
	logger.Info("Shutting down")

	dispatcher.Wait()
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown: %v", err)
	}
}
