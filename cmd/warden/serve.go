package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/warden/internal/observability"
	"github.com/jkaninda/warden/internal/opsapi"
	"github.com/jkaninda/warden/internal/sandbox"
	"github.com/jkaninda/warden/internal/scheduler"
)

const lockModeServe = "serve"

var serveDocs bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run maintenance jobs and the loopback ops server",
	Long: `Run the maintenance scheduler (security event retention and rate-limit
window summaries) and a read-only HTTP server on a loopback address that
exposes health, readiness, Prometheus metrics and event summaries.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveDocs, "docs", false, "serve OpenAPI documentation")
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, stop := requestContext()
	defer stop()

	c, err := initComponents(ctx, initOptions{mode: lockModeServe, jsonLogs: true, requireStore: true})
	if err != nil {
		return err
	}
	defer c.Cleanup()
	logger := c.Logger

	var (
		registry *prometheus.Registry
		tracer   trace.Tracer
		health   = c.Obs.HealthOrNil()
	)
	if m := c.Obs.MetricsOrNil(); m != nil {
		registry = m.Registry
	}
	if ts := c.Obs.TracerOrNil(); ts != nil {
		tracer = ts.Tracer()
	}
	if health == nil {
		health = observability.NewHealthChecker(version, logger)
	}
	registerChecks(health, c.Config, c.Store, sandbox.NewProbeResolver(c.Config.Sandbox.Backend))

	// Maintenance jobs.
	sched := scheduler.New(scheduler.Config{}, scheduler.NewMetrics(registry), logger)
	jobs := []scheduler.Job{
		scheduler.RetentionJob(c.Store, c.Config.Retention.Days, c.Config.Retention.Schedule, nil, logger),
		scheduler.FlushJob(c.Events, c.Config.RateLimitWindow()),
	}
	for _, j := range jobs {
		if err := sched.Add(j); err != nil {
			return err
		}
	}
	stopScheduler := sched.Start(ctx)
	defer stopScheduler()

	// Ops server.
	server := opsapi.New(opsapi.Config{
		ListenAddr:      c.Config.Server.ListenAddr,
		EnableDocs:      serveDocs,
		Version:         version,
		MetricsRegistry: registry,
		MetricsPath:     c.Config.MetricsPath(),
		HealthChecker:   health,
		Metrics:         c.Obs.MetricsOrNil(),
		Tracer:          tracer,
	}, c.Store, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("ops api shutdown", slog.String("error", err.Error()))
	}
	return nil
}
