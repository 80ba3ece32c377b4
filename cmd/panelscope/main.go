// Panelscope renders the Grafana panels relevant to an alert, has a vision
// model summarize each one and posts image plus summary into a Slack thread.
//
// Usage:
//
//	panelscope -dashboard-url https://grafana.example.com/d/abc/node [flags] [subject]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/linnemanlabs/panelscope/internal/app"
	pc "github.com/linnemanlabs/panelscope/internal/cfg"
	"github.com/linnemanlabs/panelscope/internal/pipeline"
)

const appName = "panelscope"
const component = "cli"

const envPrefix = "PANELSCOPE_"

// pushTimeout bounds the Pushgateway push, which runs after the run context
// may already have expired.
const pushTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	var (
		pipeCfg  pc.Pipeline
		runCfg   pc.Run
		logCfg   log.Config
		traceCfg otelx.Config
	)
	pipeCfg.RegisterFlags(flag.CommandLine)
	runCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	flag.Parse()
	if showVersion {
		fmt.Printf("%s (%s) %s (commit=%s, build_date=%s, go=%s)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.BuildDate, vi.GoVersion)
		return nil
	}

	// command line wins over PANELSCOPE_* which wins over the legacy names
	explicit := pc.Explicit(flag.CommandLine)
	logf := func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	cfg.FillFromEnv(flag.CommandLine, envPrefix, logf)
	pc.FillFromLegacyEnv(flag.CommandLine, envPrefix, explicit, os.LookupEnv, logf)

	if runCfg.Subject == "" && flag.NArg() > 0 {
		runCfg.Subject = flag.Arg(0)
	}

	if err := errors.Join(
		pipeCfg.Validate(),
		runCfg.Validate(&pipeCfg),
		logCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// a private registry holds only this run's series for the Pushgateway
	reg := prometheus.NewRegistry()
	comps, err := app.Build(ctx, &pipeCfg, L, pipeline.NewMetrics(reg))
	if err != nil {
		return fmt.Errorf("assemble pipeline: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, runCfg.Timeout)
	defer cancel()

	rep, runErr := comps.Orchestrator.Run(runCtx, app.RunConfig(&pipeCfg, runCfg.DashboardURL, runCfg.Subject))

	if comps.Notifier != nil && rep != nil {
		if err := comps.Notifier.Send(context.WithoutCancel(ctx), rep); err != nil {
			L.Error(ctx, err, "failed to send run summary")
		}
	}

	if runCfg.PushgatewayURL != "" {
		if err := pushMetrics(ctx, runCfg.PushgatewayURL, runCfg.PushJob, reg); err != nil {
			L.Error(ctx, err, "failed to push metrics", "pushgateway_url", runCfg.PushgatewayURL)
		}
	}

	if rep != nil {
		if err := writeReport(os.Stdout, rep); err != nil {
			L.Error(ctx, err, "failed to write report")
		}
	}
	return runErr
}

func pushMetrics(ctx context.Context, url, job string, g prometheus.Gatherer) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
	defer cancel()
	return push.New(url, job).Gatherer(g).PushContext(ctx)
}

func writeReport(w io.Writer, rep *pipeline.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
