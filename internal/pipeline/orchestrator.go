package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/panelscope/internal/dashboard"
	"github.com/linnemanlabs/panelscope/internal/notify"
	"github.com/linnemanlabs/panelscope/internal/relevance"
	"github.com/linnemanlabs/panelscope/internal/vision"
)

const tracerName = "github.com/linnemanlabs/panelscope/internal/pipeline"

// CatalogClient lists a dashboard's panels.
type CatalogClient interface {
	Panels(ctx context.Context, ref dashboard.Ref) ([]dashboard.Panel, error)
}

// Renderer downloads a panel render to local disk.
type Renderer interface {
	Render(ctx context.Context, ref dashboard.Ref, p dashboard.Panel) (*dashboard.Image, error)
}

// ImageAnalyzer summarizes a panel image. It must not fail; degraded results
// carry a sentinel text.
type ImageAnalyzer interface {
	Analyze(ctx context.Context, img *dashboard.Image) vision.Result
}

// Publisher posts an image and comment into a thread.
type Publisher interface {
	Publish(ctx context.Context, up *notify.Upload) (*notify.Ack, error)
}

// Archiver keeps a copy of a panel image beyond local cleanup.
type Archiver interface {
	Archive(ctx context.Context, runID string, img *dashboard.Image) (string, error)
}

// FilterFactory returns the relevance filter for a strategy.
type FilterFactory func(relevance.Strategy) (relevance.Filter, error)

// Deps are the collaborators of an Orchestrator. Archive, NewFilter, Logger,
// Tracer and Hooks are optional.
type Deps struct {
	Catalog   CatalogClient
	Renderer  Renderer
	Analyzer  ImageAnalyzer
	Publisher Publisher
	Archive   Archiver
	NewFilter FilterFactory
	Logger    log.Logger
	Tracer    trace.TracerProvider
	Hooks     Hooks
	// Workers bounds concurrent panel sub-pipelines; <= 1 runs them in order.
	Workers int
}

// Orchestrator runs the alert-to-analysis pipeline.
type Orchestrator struct {
	catalog   CatalogClient
	renderer  Renderer
	analyzer  ImageAnalyzer
	publisher Publisher
	archive   Archiver
	newFilter FilterFactory
	logger    log.Logger
	tracer    trace.Tracer
	hooks     Hooks
	workers   int
}

// New creates an Orchestrator. Catalog, Renderer, Analyzer and Publisher are required.
func New(d Deps) *Orchestrator {
	if d.Catalog == nil || d.Renderer == nil || d.Analyzer == nil || d.Publisher == nil {
		panic(xerrors.New("pipeline: catalog, renderer, analyzer and publisher are required"))
	}
	if d.Logger == nil {
		d.Logger = log.Nop()
	}
	if d.NewFilter == nil {
		d.NewFilter = func(s relevance.Strategy) (relevance.Filter, error) {
			return relevance.New(s, relevance.Options{Logger: d.Logger})
		}
	}
	if d.Tracer == nil {
		d.Tracer = otel.GetTracerProvider()
	}
	if d.Workers < 1 {
		d.Workers = 1
	}
	return &Orchestrator{
		catalog:   d.Catalog,
		renderer:  d.Renderer,
		analyzer:  d.Analyzer,
		publisher: d.Publisher,
		archive:   d.Archive,
		newFilter: d.NewFilter,
		logger:    d.Logger,
		tracer:    d.Tracer.Tracer(tracerName),
		hooks:     d.Hooks,
		workers:   d.Workers,
	}
}

// Run executes one invocation. An error is returned only when the run fails
// before panels are known (resolving, catalog fetch, filtering); the Report is
// returned in every case. Per-panel failures are recorded in the Report.
func (o *Orchestrator) Run(ctx context.Context, cfg Config) (*Report, error) {
	if cfg.RunID == "" {
		cfg.RunID = ulid.Make().String()
	}
	strategy := cfg.Strategy
	if cfg.Subject == "" {
		strategy = relevance.StrategyNone
	}
	if strategy == "" {
		strategy = relevance.StrategySubstring
	}

	rep := &Report{
		RunID:     cfg.RunID,
		Dashboard: cfg.DashboardURL,
		Subject:   cfg.Subject,
		Strategy:  strategy,
		Panels:    []PanelOutcome{},
		StartedAt: time.Now(),
	}

	ctx, span := o.tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("panelscope.run.id", cfg.RunID),
		attribute.String("panelscope.subject", cfg.Subject),
		attribute.String("panelscope.strategy", string(strategy)),
	))
	defer span.End()

	L := o.logger.With("run_id", cfg.RunID, "subject", cfg.Subject)

	err := o.run(ctx, L, cfg, strategy, rep)

	rep.CompletedAt = time.Now()
	rep.Duration = rep.CompletedAt.Sub(rep.StartedAt).Seconds()
	span.SetAttributes(
		attribute.Int("panelscope.panels.selected", rep.Selected),
		attribute.Int("panelscope.panels.published", rep.Published()),
	)

	if err != nil {
		rep.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "run failed", "stage", rep.Stage)
	} else {
		rep.Stage = StageDone
		L.Info(ctx, "processing complete",
			"panels_considered", rep.Considered,
			"panels_selected", rep.Selected,
			"panels_published", rep.Published(),
			"panels_failed", rep.Failed(),
			"duration", rep.Duration,
		)
	}

	if o.hooks.OnRun != nil {
		o.hooks.OnRun(rep)
	}
	return rep, err
}

func (o *Orchestrator) run(ctx context.Context, L log.Logger, cfg Config, strategy relevance.Strategy, rep *Report) error {
	// Resolving
	rep.Stage = StageResolving
	start := time.Now()
	ref, err := dashboard.ParseURL(cfg.DashboardURL)
	if err == nil {
		err = ref.RequireSlug()
	}
	o.stage(StageResolving, start)
	if err != nil {
		return err
	}
	rep.Dashboard = ref.String()

	// CatalogFetched
	rep.Stage = StageCatalogFetched
	start = time.Now()
	panels, err := o.catalog.Panels(ctx, ref)
	o.stage(StageCatalogFetched, start)
	if err != nil {
		return err
	}
	rep.Considered = len(panels)
	L.Info(ctx, "fetched dashboard panels", "dashboard_uid", ref.UID, "panels", len(panels))

	// Filtering
	rep.Stage = StageFiltering
	start = time.Now()
	filter, err := o.newFilter(strategy)
	if err != nil {
		o.stage(StageFiltering, start)
		return fmt.Errorf("build relevance filter: %w", err)
	}
	verdicts, err := filter.Evaluate(ctx, panels, cfg.Subject)
	o.stage(StageFiltering, start)
	if err != nil {
		return fmt.Errorf("evaluate relevance: %w", err)
	}
	for _, v := range verdicts {
		if v.Err != nil {
			rep.ClassificationFailures++
		}
	}
	selected := relevance.Selected(verdicts)
	rep.Selected = len(selected)
	L.Info(ctx, "selected relevant panels",
		"strategy", strategy,
		"selected", len(selected),
		"classification_failures", rep.ClassificationFailures,
	)

	// PerPanel
	outcomes := make([]PanelOutcome, len(selected))
	g := new(errgroup.Group)
	g.SetLimit(o.workers)
	for i, p := range selected {
		g.Go(func() error {
			outcomes[i] = o.processPanel(ctx, L, cfg, ref, p)
			return nil
		})
	}
	// panel goroutines never return errors
	_ = g.Wait()
	rep.Panels = outcomes

	return nil
}

// processPanel runs render, fetch, analyze and publish for one panel. The
// panel's image is always removed before it returns.
func (o *Orchestrator) processPanel(ctx context.Context, L log.Logger, cfg Config, ref dashboard.Ref, p dashboard.Panel) (out PanelOutcome) {
	out = PanelOutcome{PanelID: p.ID, Title: p.Title, Status: PanelFailed}
	started := time.Now()

	ctx, span := o.tracer.Start(ctx, "pipeline.panel", trace.WithAttributes(
		attribute.String("panelscope.panel.id", p.ID),
		attribute.String("panelscope.panel.title", p.Title),
	))
	L = L.With("panel_id", p.ID, "panel_title", p.Title)

	defer func() {
		out.Duration = time.Since(started).Seconds()
		span.SetAttributes(
			attribute.String("panelscope.panel.status", string(out.Status)),
			attribute.String("panelscope.panel.stage", string(out.Stage)),
		)
		if out.Status == PanelFailed {
			span.SetStatus(codes.Error, out.Error)
		}
		span.End()
		if o.hooks.OnPanel != nil {
			o.hooks.OnPanel(&out)
		}
	}()

	// Rendering
	out.Stage = StageRendering
	start := time.Now()
	L.Info(ctx, "generated render url", "render_url", ref.RenderURL(p.ID))
	o.stage(StageRendering, start)

	// Fetching
	out.Stage = StageFetching
	start = time.Now()
	img, err := o.renderer.Render(ctx, ref, p)
	o.stage(StageFetching, start)
	if err != nil {
		out.Error = err.Error()
		var rfe *dashboard.RenderFetchError
		if errors.As(err, &rfe) {
			out.StatusCode = rfe.StatusCode
		}
		span.RecordError(err)
		L.Error(ctx, err, "panel render failed, skipping panel", "stage", StageFetching, "status_code", out.StatusCode)
		return out
	}
	L.Info(ctx, "panel image downloaded", "file", img.Filename, "bytes", img.Size)

	// CleaningUp runs whatever happens below.
	defer func() {
		start := time.Now()
		if o.archive != nil {
			if u, err := o.archive.Archive(ctx, cfg.RunID, img); err != nil {
				L.Error(ctx, err, "panel archive failed")
			} else {
				out.ArchiveURL = u
			}
		}
		if !cfg.KeepImages {
			if err := img.Remove(); err != nil {
				L.Error(ctx, err, "failed to remove panel image", "path", img.Path)
			} else {
				L.Info(ctx, "temporary image file removed", "file", img.Filename)
			}
		}
		o.stage(StageCleaningUp, start)
	}()

	// Analyzing
	out.Stage = StageAnalyzing
	start = time.Now()
	res := o.analyzer.Analyze(ctx, img)
	o.stage(StageAnalyzing, start)
	out.Degraded = res.Degraded
	out.Analysis = res.Text

	// Publishing
	out.Stage = StagePublishing
	start = time.Now()
	ack, err := o.publisher.Publish(ctx, &notify.Upload{
		Channel:  cfg.Channel,
		ThreadTS: cfg.ThreadTS,
		Path:     img.Path,
		Filename: img.Filename,
		Comment:  notify.Comment(cfg.DashboardURL, p.Title, res.Text),
	})
	o.stage(StagePublishing, start)
	if err != nil {
		out.Error = err.Error()
		span.RecordError(err)
		L.Error(ctx, err, "panel publish failed, skipping panel", "stage", StagePublishing)
		return out
	}

	out.Status = PanelPublished
	out.Stage = StageDone
	out.Ack = ack
	L.Info(ctx, "panel published", ackFields(ack)...)
	return out
}

func (o *Orchestrator) stage(s Stage, start time.Time) {
	if o.hooks.OnStage != nil {
		o.hooks.OnStage(s, time.Since(start).Seconds())
	}
}

// ackFields renders an Ack as log key/values; nil fields log as nil.
func ackFields(a *notify.Ack) []any {
	if a == nil {
		a = &notify.Ack{}
	}
	return []any{
		"ok", a.OK,
		"file_id", a.FileID,
		"file_name", a.FileName,
		"file_url", a.FileURL,
		"timestamp", a.Timestamp,
	}
}
