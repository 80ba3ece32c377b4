// Server accepts panelscope runs over HTTP, from API clients and from
// Alertmanager webhooks, and executes them in the background.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"

	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/panelscope/internal/analysisapi"
	"github.com/linnemanlabs/panelscope/internal/app"
	"github.com/linnemanlabs/panelscope/internal/authmw"
	pc "github.com/linnemanlabs/panelscope/internal/cfg"
	"github.com/linnemanlabs/panelscope/internal/pipeline"
	"github.com/linnemanlabs/panelscope/internal/postgres"
	"github.com/linnemanlabs/panelscope/internal/relevance"
	"github.com/linnemanlabs/panelscope/internal/runs"
	"github.com/linnemanlabs/panelscope/internal/runs/memstore"
	"github.com/linnemanlabs/panelscope/internal/runs/pgstore"
)

const appName = "panelscope"
const component = "server"

const envPrefix = "PANELSCOPE_"

// maxRequestBody leaves room for large Alertmanager groups.
const maxRequestBody = 1 << 20

// config gathers every flag set the server registers.
type config struct {
	server pc.Server
	pipe   pc.Pipeline
	http   httpserver.Config
	httpmw httpmw.Config
	log    log.Config
	ops    opshttp.Config
	prof   prof.Config
	trace  otelx.Config
}

// stopFn is one component to stop within the shutdown budget.
type stopFn struct {
	name string
	fn   func(context.Context) error
}

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

	c, showVersion, err := loadConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	lg, err := log.New(c.log.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "starting",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", c.server.APIPort,
		"admin_port", c.ops.Port,
		"enable_pyroscope", c.prof.EnablePyroscope,
		"enable_tracing", c.trace.EnableTracing,
		"otlp_endpoint", c.trace.OTLPEndpoint,
		"llm_provider", c.pipe.LLMProvider,
		"relevance_strategy", c.pipe.Strategy,
		"workers", c.pipe.Workers,
		"database", c.server.DatabaseURL != "",
	)

	// profiling first so the whole lifetime is covered
	profOpts := c.prof.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", c.prof.PyroServer)
	}
	profiling := profErr == nil && c.prof.EnablePyroscope

	traceOpts := c.trace.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	// panel spans carry profile IDs so a slow panel links to its CPU profile
	if profiling {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, v.Component, &vi)
	m.SetProfilingActive(profiling)

	store, closeStore, err := openStore(ctx, &c.server, L)
	if err != nil {
		return err
	}
	defer closeStore()

	pipelineMetrics := pipeline.NewMetrics(m.Registry())
	observeQueries(m.Registry())

	comps, err := app.Build(ctx, &c.pipe, L, pipelineMetrics)
	if err != nil {
		return fmt.Errorf("assemble pipeline: %w", err)
	}

	svcOpts := runs.Options{
		Strategy: relevance.Strategy(c.pipe.Strategy),
		Channel:  c.pipe.SlackChannel,
		ThreadTS: c.pipe.SlackThreadTS,
		OnSubmit: func(result string) {
			pipelineMetrics.SubmitsTotal.WithLabelValues(result).Inc()
		},
	}
	// a nil *slack.Notifier must not become a non-nil interface
	if comps.Notifier != nil {
		svcOpts.Notifier = comps.Notifier
	}
	runSvc := runs.NewService(store, comps.Orchestrator, L, svcOpts)

	// readiness fails while draining so the load balancer stops routing here
	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())
	liveness := health.Fixed(true, "")

	opsOpts := c.ops.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}

	r := newRouter(L, runSvc, c.server.Tokens(),
		health.HealthzHandler(liveness), health.ReadyzHandler(readiness))
	h := wrapHandler(r, L, m.Middleware, c.httpmw.TrustedProxyHops)

	apiOpts, err := c.http.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		_ = opsHTTPStop(context.Background())
		return err
	}
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", c.server.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		_ = opsHTTPStop(context.Background())
		return err
	}

	if err := notifySystemd(); err != nil {
		// not fatal, systemd kills us after its start timeout at worst
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	gate.Set("draining")
	drain(bg, L, time.Duration(c.server.DrainSeconds)*time.Second)

	// the api stops first so no run is submitted while we wait for the others
	stops := []stopFn{
		{"api http server", apiHTTPStop},
		{"background runs", runSvc.Wait},
		{"ops http server", opsHTTPStop},
	}
	if shutdownOtelx != nil {
		stops = append(stops, stopFn{"otel", shutdownOtelx})
	}
	shutdown(L, time.Duration(c.server.ShutdownBudgetSeconds)*time.Second, stops)

	if stopProf != nil {
		stopProf()
	}
	L.Info(bg, "shutdown complete")
	return nil
}

// loadConfig registers every flag set on fs, parses args, fills unset flags
// from PANELSCOPE_* and then the legacy variables, and validates the result.
func loadConfig(fs *flag.FlagSet, args []string) (*config, bool, error) {
	var c config
	c.server.RegisterFlags(fs)
	c.pipe.RegisterFlags(fs)
	c.http.RegisterFlags(fs)
	c.httpmw.RegisterFlags(fs)
	c.log.RegisterFlags(fs)
	c.ops.RegisterFlags(fs)
	c.prof.RegisterFlags(fs)
	c.trace.RegisterFlags(fs)
	var showVersion bool
	fs.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if showVersion {
		return &c, true, nil
	}

	explicit := pc.Explicit(fs)
	logf := func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	cfg.FillFromEnv(fs, envPrefix, logf)
	pc.FillFromLegacyEnv(fs, envPrefix, explicit, os.LookupEnv, logf)

	if err := errors.Join(
		c.server.Validate(),
		c.pipe.Validate(),
		c.http.Validate(),
		c.httpmw.Validate(),
		c.log.Validate(),
		c.ops.Validate(),
		c.prof.Validate(),
		c.trace.Validate(),
	); err != nil {
		return nil, false, fmt.Errorf("configuration validation failed: %w", err)
	}
	if c.server.APIPort == c.ops.Port {
		return nil, false, fmt.Errorf("http and admin ports must differ (both %d)", c.server.APIPort)
	}
	return &c, false, nil
}

// openStore returns the postgres store when a database is configured and the
// in-memory store otherwise. The returned func releases the pool.
func openStore(ctx context.Context, c *pc.Server, L log.Logger) (runs.Store, func(), error) {
	if c.DatabaseURL == "" {
		L.Info(ctx, "using in-memory store (no database-url configured)")
		return memstore.New(), func() {}, nil
	}

	pool, err := postgres.NewPool(ctx, c.DatabaseURL, postgres.PoolOptions{
		MaxConns:  int32(c.DBMaxConns), //nolint:gosec // bounded by Validate
		SlowQuery: c.SlowQuery,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pgstore init: %w", err)
	}
	L.Info(ctx, "using postgres store", "max_conns", c.DBMaxConns)
	return s, pool.Close, nil
}

// observeQueries records every database query in a histogram on reg.
func observeQueries(reg prometheus.Registerer) {
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "panelscope_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "source", "outcome"})
	reg.MustRegister(hist)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, source, outcome string, dur time.Duration) {
			hist.WithLabelValues(method, source, outcome).Observe(dur.Seconds())
		},
	))
}

// newRouter builds the API router. Health endpoints stay open, everything
// under /api requires a bearer token.
func newRouter(L log.Logger, svc analysisapi.RunService, tokens []string, healthz, readyz http.HandlerFunc) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	// sets http.route on the logger and span from the chi pattern
	r.Use(httpmw.AnnotateHTTPRoute)
	// method label for db query metrics
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
		})
	})
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxRequestBody))

	r.Get("/-/healthy", healthz)
	r.Get("/-/ready", readyz)
	mountAPI(r, L, svc, tokens)
	return r
}

// mountAPI registers the analysis API on r behind bearer token auth.
func mountAPI(r chi.Router, L log.Logger, svc analysisapi.RunService, tokens []string) {
	api := analysisapi.New(L, svc)
	r.Group(func(r chi.Router) {
		r.Use(authmw.BearerToken(tokens...))
		api.RegisterRoutes(r)
	})
}

// wrapHandler applies the outer middleware. Each wrapper added later runs
// earlier on the request, so security headers and panic recovery see
// everything.
func wrapHandler(r http.Handler, L log.Logger, instrument func(http.Handler) http.Handler, trustedHops int) http.Handler {
	h := httpmw.WithLogger(L)(r)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// renamed to the route pattern once chi has matched
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)
	h = instrument(h)
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{TrustedHops: trustedHops})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	return httpmw.SecurityHeaders(h)
}

// drain waits for the load balancer to notice the failing readiness probe. A
// second signal cuts it short.
func drain(ctx context.Context, L log.Logger, d time.Duration) {
	L.Info(ctx, "draining", "drain_seconds", d.Seconds())
	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		L.Info(ctx, "drain period complete")
	case <-force:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

// shutdown stops each component in order, giving each an equal slice of the
// total budget.
func shutdown(L log.Logger, budget time.Duration, stops []stopFn) {
	if len(stops) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	per := budget / time.Duration(len(stops))

	for _, s := range stops {
		cctx, ccancel := context.WithTimeout(ctx, per)
		if err := s.fn(cctx); err != nil {
			L.Error(ctx, err, s.name+" shutdown")
		}
		ccancel()
	}
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd, unixgram dial has no context variant
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
