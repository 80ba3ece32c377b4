package runs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/panelscope/internal/dashboard"
	"github.com/linnemanlabs/panelscope/internal/pipeline"
	"github.com/linnemanlabs/panelscope/internal/postgres"
	"github.com/linnemanlabs/panelscope/internal/relevance"
)

// ErrNoThread means neither the request nor the service defaults name a
// channel and thread to publish into.
var ErrNoThread = errors.New("runs: channel and thread_ts are required")

// ErrUnknownStrategy means the request names a relevance strategy that does
// not exist.
var ErrUnknownStrategy = errors.New("runs: unknown relevance strategy")

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, cfg pipeline.Config) (*pipeline.Report, error)
}

// Notifier receives the report of every finished run.
type Notifier interface {
	Send(ctx context.Context, rep *pipeline.Report) error
}

// SubmitResult is the outcome of submitting a request.
type SubmitResult struct {
	ID      string
	Skipped bool
	Reason  string
}

// Options are the optional parts of a Service.
type Options struct {
	// Defaults for requests that leave these empty.
	Strategy relevance.Strategy
	Channel  string
	ThreadTS string

	Notifier Notifier
	// OnSubmit is called with "accepted", "duplicate", "invalid" or "error".
	OnSubmit func(result string)
}

// Service is the business boundary for analysis runs.
type Service struct {
	store  Store
	runner Runner
	logger log.Logger
	opts   Options
	wg     sync.WaitGroup

	// admit serializes the duplicate check with the insert of a new record.
	admit sync.Mutex
}

// NewService creates a run service.
func NewService(store Store, runner Runner, logger log.Logger, opts Options) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	if opts.Strategy == "" {
		opts.Strategy = relevance.StrategySubstring
	}
	return &Service{
		store:  store,
		runner: runner,
		logger: logger,
		opts:   opts,
	}
}

// Submit validates the request, skips it while an identical run is pending or
// in progress, and otherwise starts the run in the background.
func (s *Service) Submit(ctx context.Context, req Request) (*SubmitResult, error) {
	if req.Strategy == "" {
		req.Strategy = s.opts.Strategy
	}
	if req.Channel == "" {
		req.Channel = s.opts.Channel
	}
	if req.ThreadTS == "" {
		req.ThreadTS = s.opts.ThreadTS
	}

	if err := validate(req); err != nil {
		s.submitted("invalid")
		return nil, err
	}

	rec, dup, err := s.admitRun(ctx, req)
	if err != nil {
		s.submitted("error")
		return nil, err
	}
	if dup != nil {
		s.submitted("duplicate")
		return dup, nil
	}
	s.submitted("accepted")

	// pass only the id so the goroutine never shares rec with the caller
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(context.WithoutCancel(ctx), rec.ID)
	}()

	return &SubmitResult{ID: rec.ID}, nil
}

// admitRun stores a pending record for req unless an identical run is still
// active, in which case it returns the skip result instead.
func (s *Service) admitRun(ctx context.Context, req Request) (*Record, *SubmitResult, error) {
	s.admit.Lock()
	defer s.admit.Unlock()

	fp := Fingerprint(req)
	existing, ok, err := s.store.GetByFingerprint(ctx, fp)
	if err != nil {
		return nil, nil, err
	}
	if ok && existing.Status.Active() {
		return nil, &SubmitResult{ID: existing.ID, Skipped: true, Reason: "duplicate"}, nil
	}

	rec := &Record{
		ID:           ulid.Make().String(),
		Fingerprint:  fp,
		Status:       StatusPending,
		DashboardURL: req.DashboardURL,
		Subject:      req.Subject,
		Strategy:     req.Strategy,
		Channel:      req.Channel,
		ThreadTS:     req.ThreadTS,
		CreatedAt:    time.Now(),
	}
	err = s.store.Put(ctx, rec)
	if errors.Is(err, ErrActiveDuplicate) {
		// another replica admitted the same request first
		dup := &SubmitResult{Skipped: true, Reason: "duplicate"}
		if other, ok, gerr := s.store.GetByFingerprint(ctx, fp); gerr == nil && ok {
			dup.ID = other.ID
		}
		return nil, dup, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return rec, nil, nil
}

// Get retrieves a run record by ID.
func (s *Service) Get(ctx context.Context, id string) (*Record, bool, error) {
	return s.store.Get(ctx, id)
}

// Wait blocks until all background runs finish or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func validate(req Request) error {
	ref, err := dashboard.ParseURL(req.DashboardURL)
	if err != nil {
		return err
	}
	if err := ref.RequireSlug(); err != nil {
		return err
	}
	if !req.Strategy.Valid() {
		return fmt.Errorf("%w %q", ErrUnknownStrategy, req.Strategy)
	}
	if req.Channel == "" || req.ThreadTS == "" {
		return ErrNoThread
	}
	return nil
}

func (s *Service) submitted(result string) {
	if s.opts.OnSubmit != nil {
		s.opts.OnSubmit(result)
	}
}

func (s *Service) run(ctx context.Context, id string) {
	ctx = postgres.WithRunID(ctx, id)
	L := s.logger.With("run_id", id)

	rec, ok, err := s.store.Get(ctx, id)
	if err != nil || !ok {
		L.Error(ctx, err, "failed to fetch record for run")
		return
	}

	rec.Status = StatusInProgress
	if err := s.store.Put(ctx, rec); err != nil {
		L.Error(ctx, err, "failed to update status to in_progress")
		return
	}

	rep, runErr := s.runner.Run(ctx, pipeline.Config{
		RunID:        rec.ID,
		DashboardURL: rec.DashboardURL,
		Subject:      rec.Subject,
		Strategy:     rec.Strategy,
		Channel:      rec.Channel,
		ThreadTS:     rec.ThreadTS,
	})

	rec.Report = rep
	rec.Status = StatusComplete
	if runErr != nil {
		rec.Status = StatusFailed
		rec.Error = runErr.Error()
	}
	rec.CompletedAt = time.Now()

	if err := s.store.Put(ctx, rec); err != nil {
		L.Error(ctx, err, "failed to persist run result")
	}

	if s.opts.Notifier != nil && rep != nil {
		if err := s.opts.Notifier.Send(ctx, rep); err != nil {
			L.Error(ctx, err, "failed to send run summary")
		}
	}

	fields := []any{"status", rec.Status}
	if st, ok := postgres.RunStatsFromContext(ctx); ok {
		q, d, e := st.Snapshot()
		fields = append(fields, "db_queries", q, "db_duration", d.Seconds(), "db_errors", e)
	}
	L.Info(ctx, "run finished", fields...)
}
