package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerrad567/packflow/internal/api"
	"github.com/nerrad567/packflow/internal/infrastructure/telemetry"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, event ingress and sweeper until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// runServe starts every long-running component and blocks until ctx ends.
func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	log.Info("starting packflow",
		"version", version,
		"commit", commit,
		"build_date", date,
		"instance", cfg.Service.InstanceID,
	)

	shutdownTracer, err := telemetry.InitTracer(cfg.Telemetry, version, os.Stdout, log.Logger)
	if err != nil {
		return fmt.Errorf("initialising tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Error("error shutting down tracer", "error", err)
		}
	}()

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	hub := api.NewHub(cfg.WebSocket, log)
	go hub.Run(hubCtx)

	a, err := newApp(ctx, cfg, log, appOptions{connect: true, hub: hub})
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.packs.RefreshCache(ctx); err != nil {
		return fmt.Errorf("loading packs: %w", err)
	}
	log.Info("pack registry initialised", "packs", a.packs.GetPackCount())

	checks := map[string]api.HealthChecker{"database": a.db}
	if a.mqtt != nil {
		checks["mqtt"] = a.mqtt
	}
	if a.influx != nil {
		checks["influxdb"] = a.influx
	}
	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	srv, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Security:    cfg.Security,
		Logger:      log,
		Repo:        a.repo,
		Engine:      a.engine,
		Emitter:     a.emitter,
		Chains:      a.chains,
		Scopes:      a.store,
		MQTT:        a.mqtt,
		Audit:       a.audit,
		Checks:      checks,
		ExternalHub: hub,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			log.Error("error closing API server", "error", err)
		}
	}()

	sweepDone := make(chan struct{})
	if interval := cfg.SweepInterval(); interval > 0 {
		go func() {
			defer close(sweepDone)
			a.newSweeper().RunEvery(ctx, interval)
		}()
		log.Info("sweeper started", "interval", interval)
	} else {
		close(sweepDone)
		log.Info("sweeper disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	<-sweepDone

	log.Info("packflow stopped")
	return nil
}

// healthCheck runs each check once, in a fixed order.
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	for _, name := range []string{"database", "mqtt", "influxdb"} {
		check, ok := checks[name]
		if !ok {
			continue
		}
		if err := check.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
