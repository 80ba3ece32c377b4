package relevance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/panelscope/internal/dashboard"
	"github.com/linnemanlabs/panelscope/internal/llm"
	"github.com/linnemanlabs/panelscope/internal/textutil"
)

const (
	// DefaultConcurrency is the number of in-flight classification calls.
	DefaultConcurrency = 4

	classifyMaxTokens = 16
)

// Hooks receive classification events, typically for metrics.
type Hooks struct {
	OnClassify func(relevant bool, err error, duration float64)
}

// Model classifies each panel title with one completion call.
type Model struct {
	provider    llm.Provider
	model       string
	concurrency int
	logger      log.Logger
	hooks       Hooks
}

// NewModel creates a model-assisted filter. concurrency <= 0 uses DefaultConcurrency;
// 1 evaluates panels strictly one after another.
func NewModel(provider llm.Provider, model string, concurrency int, logger log.Logger, hooks Hooks) *Model {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Model{
		provider:    provider,
		model:       model,
		concurrency: concurrency,
		logger:      logger,
		hooks:       hooks,
	}
}

// Evaluate implements Filter. A failed call marks that panel not relevant and
// is logged; it never aborts the batch.
func (m *Model) Evaluate(ctx context.Context, panels []dashboard.Panel, subject string) ([]Verdict, error) {
	out := make([]Verdict, len(panels))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)

	for i, p := range panels {
		g.Go(func() error {
			out[i] = m.classify(gctx, p, subject)
			return nil
		})
	}
	// goroutines never return errors
	_ = g.Wait()

	return out, nil
}

func (m *Model) classify(ctx context.Context, p dashboard.Panel, subject string) Verdict {
	v := Verdict{Panel: p, Strategy: StrategyModel}

	start := time.Now()
	resp, err := m.provider.Complete(ctx, &llm.Request{
		Model:     m.model,
		MaxTokens: classifyMaxTokens,
		Messages:  []llm.Message{llm.UserText(Prompt(subject, p.Title))},
	})
	dur := time.Since(start).Seconds()

	if err != nil {
		v.Err = &ClassificationError{PanelID: p.ID, PanelTitle: p.Title, Err: err}
		v.Reason = "classification failed"
		m.logger.Error(ctx, v.Err, "panel classification failed, treating as not relevant",
			"panel_id", p.ID,
			"panel_title", p.Title,
		)
		if m.hooks.OnClassify != nil {
			m.hooks.OnClassify(false, err, dur)
		}
		return v
	}

	v.Relevant = IsAffirmative(resp.Text)
	v.Reason = fmt.Sprintf("model answered %q", textutil.Truncate(strings.TrimSpace(resp.Text), 64))
	if m.hooks.OnClassify != nil {
		m.hooks.OnClassify(v.Relevant, nil, dur)
	}
	return v
}

// Prompt is the yes/no classification question for one panel.
func Prompt(subject, title string) string {
	return fmt.Sprintf("Given the alert subject '%s', is the panel titled '%s' likely to be related? Respond with 'Yes' or 'No'.", subject, title)
}

// IsAffirmative reports whether a model answer contains "yes", case-insensitively.
// This is a plain substring test, so words like "eyes" also count.
func IsAffirmative(text string) bool {
	return strings.Contains(strings.ToLower(strings.TrimSpace(text)), "yes")
}
