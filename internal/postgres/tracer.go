package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

var queryObserver atomic.Pointer[observerHolder]

type ctxKey int

const (
	keyQuery ctxKey = iota
	keyHTTPMethod
	keyRunID
	keyRunStats
)

// queryMeta is stashed in the context between TraceQueryStart and TraceQueryEnd.
type queryMeta struct {
	sql     string
	args    []any
	start   time.Time
	caller  string
	handler string
}

type observerHolder struct{ QueryObserver }

// QueryObserver receives per-query timings (wired by main for Prometheus).
// source is the chi route for API requests and "run" for pipeline bookkeeping.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, source, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, source, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, source, outcome string, dur time.Duration) {
	f(ctx, method, source, outcome, dur)
}

// SetQueryObserver sets the global query observer. nil clears it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&observerHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

// RunStats accumulates the store queries issued on behalf of one analysis run.
type RunStats struct {
	mu       sync.Mutex
	Queries  int
	Duration time.Duration
	Errors   int
}

// Add records one query.
func (s *RunStats) Add(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Queries++
	s.Duration += dur
	if err != nil {
		s.Errors++
	}
}

// Snapshot returns the counters under the lock.
func (s *RunStats) Snapshot() (queries int, dur time.Duration, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Queries, s.Duration, s.Errors
}

// WithRunID tags store queries with the analysis run they belong to and
// attaches a RunStats collector.
func WithRunID(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	ctx = context.WithValue(ctx, keyRunID, runID)
	return context.WithValue(ctx, keyRunStats, &RunStats{})
}

// RunStatsFromContext returns the collector attached by WithRunID.
func RunStatsFromContext(ctx context.Context) (*RunStats, bool) {
	s, ok := ctx.Value(keyRunStats).(*RunStats)
	return s, ok
}

func runIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(keyRunID).(string)
	return id
}

// WithHTTPMethod stores the request method for query metric labels.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, keyHTTPMethod, method)
}

func httpMethodFromContext(ctx context.Context) string {
	m, _ := ctx.Value(keyHTTPMethod).(string)
	return m
}

func querySource(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	if runIDFromContext(ctx) != "" {
		return "run"
	}
	return "unknown"
}

// queryLogger wraps another tracer (otelpgx) and logs every query slower than
// minDuration, and every failed query.
type queryLogger struct {
	inner       pgx.QueryTracer
	minDuration time.Duration
}

func newQueryLogger(inner pgx.QueryTracer, minDuration time.Duration) queryLogger {
	return queryLogger{inner: inner, minDuration: minDuration}
}

func (t queryLogger) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	meta := &queryMeta{sql: data.SQL, args: data.Args, start: time.Now()}
	meta.caller, meta.handler = findDBCallerAndHandler()

	// inner tracer creates the db span first
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	ctx = context.WithValue(ctx, keyQuery, meta)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		attrs := make([]attribute.KeyValue, 0, 3)
		if meta.caller != "" {
			attrs = append(attrs, attribute.String("db.caller", meta.caller))
		}
		if meta.handler != "" {
			attrs = append(attrs, attribute.String("db.handler", meta.handler))
		}
		if id := runIDFromContext(ctx); id != "" {
			attrs = append(attrs, attribute.String("panelscope.run.id", id))
		}
		span.SetAttributes(attrs...)
	}
	return ctx
}

func (t queryLogger) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	meta, _ := ctx.Value(keyQuery).(*queryMeta)
	if meta == nil {
		meta = &queryMeta{}
	}
	var dur time.Duration
	if !meta.start.IsZero() {
		dur = time.Since(meta.start)
	}

	if s, ok := RunStatsFromContext(ctx); ok {
		s.Add(dur, data.Err)
	}

	if obs := getQueryObserver(); obs != nil && dur > 0 {
		method := httpMethodFromContext(ctx)
		if method == "" {
			method = "NONE"
		}
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, method, querySource(ctx), outcome, dur)
	}

	if data.Err == nil && dur < t.minDuration {
		return
	}

	fields := []any{
		"db.statement", meta.sql,
		"db.args_count", len(meta.args),
		"db.duration", dur.Seconds(),
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		if op, _, _ := strings.Cut(tag, " "); op != "" {
			fields = append(fields, "db.operation.name", strings.ToUpper(op))
		}
		fields = append(fields, "db.rows", data.CommandTag.RowsAffected())
	}
	if meta.caller != "" {
		fields = append(fields, "db.caller", meta.caller)
	}
	if meta.handler != "" {
		fields = append(fields, "db.handler", meta.handler)
	}
	if id := runIDFromContext(ctx); id != "" {
		fields = append(fields, "run_id", id)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

// findDBCallerAndHandler walks the stack for the store method issuing the query
// (caller) and the first application frame above it (handler).
func findDBCallerAndHandler() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		switch {
		case fn == "":
		case strings.HasPrefix(fn, "runtime."),
			strings.Contains(fn, "github.com/jackc/pgx/v5"),
			strings.Contains(fn, "github.com/exaring/otelpgx"),
			strings.Contains(fn, "queryLogger.TraceQuery"):
		case caller == "":
			caller = shortenFuncName(fn)
		case strings.Contains(fn, "github.com/linnemanlabs/panelscope/internal/postgres."),
			strings.Contains(fn, "github.com/linnemanlabs/panelscope/internal/runs/pgstore."):
		default:
			return caller, shortenFuncName(fn)
		}
		if !more {
			return caller, handler
		}
	}
}

// shortenFuncName drops the import path and package, keeping receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
