// Package pgstore provides a PostgreSQL implementation of runs.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/panelscope/internal/pipeline"
	"github.com/linnemanlabs/panelscope/internal/relevance"
	"github.com/linnemanlabs/panelscope/internal/runs"
)

var tracer = otel.Tracer("github.com/linnemanlabs/panelscope/internal/runs/pgstore")

//go:embed schema.sql
var schema string

const (
	uniqueViolation     = "23505"
	activeFingerprintIx = "analysis_runs_active_fingerprint_idx"
)

// Store persists run records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on the given pool and returns a ready Store. The
// caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const runColumns = `id, fingerprint, status, dashboard_url, subject, strategy, channel,
	thread_ts, error, report, created_at, completed_at`

// Get retrieves a run record by ID.
func (s *Store) Get(ctx context.Context, id string) (*runs.Record, bool, error) {
	return s.queryOne(ctx, "pgstore.Get",
		`SELECT `+runColumns+` FROM analysis_runs WHERE id = $1`, id)
}

// GetByFingerprint retrieves the most recent run for a fingerprint.
func (s *Store) GetByFingerprint(ctx context.Context, fingerprint string) (*runs.Record, bool, error) {
	return s.queryOne(ctx, "pgstore.GetByFingerprint",
		`SELECT `+runColumns+` FROM analysis_runs WHERE fingerprint = $1 ORDER BY created_at DESC LIMIT 1`, fingerprint)
}

func (s *Store) queryOne(ctx context.Context, spanName, query string, arg string) (*runs.Record, bool, error) {
	ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	r, err := scanRun(s.pool.QueryRow(ctx, query, arg))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if r == nil {
		return nil, false, nil
	}
	return r, true, nil
}

// Put inserts or updates a run record.
func (s *Store) Put(ctx context.Context, r *runs.Record) error {
	ctx, span := tracer.Start(ctx, "pgstore.Put", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
		attribute.String("panelscope.run.status", string(r.Status)),
	))
	defer span.End()

	var (
		reportJSON []byte
		published  int
		failed     int
		err        error
	)
	if r.Report != nil {
		reportJSON, err = json.Marshal(r.Report)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("marshal report: %w", err)
		}
		published, failed = r.Report.Published(), r.Report.Failed()
	}

	var completedAt *time.Time
	if !r.CompletedAt.IsZero() {
		completedAt = &r.CompletedAt
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO analysis_runs (
		id, fingerprint, status, dashboard_url, subject, strategy, channel,
		thread_ts, error, report, panels_published, panels_failed, created_at, completed_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	ON CONFLICT (id) DO UPDATE SET
		status           = EXCLUDED.status,
		error            = EXCLUDED.error,
		report           = EXCLUDED.report,
		panels_published = EXCLUDED.panels_published,
		panels_failed    = EXCLUDED.panels_failed,
		completed_at     = EXCLUDED.completed_at`,
		r.ID, r.Fingerprint, string(r.Status), r.DashboardURL, r.Subject, string(r.Strategy), r.Channel,
		r.ThreadTS, r.Error, reportJSON, published, failed, r.CreatedAt, completedAt,
	)
	if isActiveDuplicate(err) {
		span.SetAttributes(attribute.Bool("panelscope.run.duplicate", true))
		return fmt.Errorf("upsert run %s: %w", r.ID, runs.ErrActiveDuplicate)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

// isActiveDuplicate reports whether err is a violation of the index that
// allows one active run per fingerprint.
func isActiveDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == activeFingerprintIx
}

// scanRun scans a single row. Returns (nil, nil) when no row is found.
func scanRun(row pgx.Row) (*runs.Record, error) {
	var (
		r           runs.Record
		status      string
		strategy    string
		reportJSON  []byte
		completedAt *time.Time
	)

	err := row.Scan(
		&r.ID, &r.Fingerprint, &status, &r.DashboardURL, &r.Subject, &strategy, &r.Channel,
		&r.ThreadTS, &r.Error, &reportJSON, &r.CreatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	r.Status = runs.Status(status)
	r.Strategy = relevance.Strategy(strategy)
	if completedAt != nil {
		r.CompletedAt = *completedAt
	}
	if len(reportJSON) > 0 {
		var rep pipeline.Report
		if err := json.Unmarshal(reportJSON, &rep); err != nil {
			return nil, fmt.Errorf("unmarshal report: %w", err)
		}
		r.Report = &rep
	}
	return &r, nil
}
