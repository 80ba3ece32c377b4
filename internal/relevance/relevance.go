// Package relevance narrows a dashboard's panels to the ones pertinent to an
// alert subject.
package relevance

import (
	"context"
	"fmt"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/panelscope/internal/dashboard"
	"github.com/linnemanlabs/panelscope/internal/llm"
)

// Strategy names a relevance strategy.
type Strategy string

const (
	// StrategySubstring selects panels whose title contains the subject, case-folded.
	StrategySubstring Strategy = "substring"

	// StrategyModel asks a language model about every panel.
	StrategyModel Strategy = "model"

	// StrategyNone selects every panel; used when no subject filter is wanted.
	StrategyNone Strategy = "none"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategySubstring, StrategyModel, StrategyNone:
		return true
	}
	return false
}

// Verdict is the relevance decision for one panel.
type Verdict struct {
	Panel    dashboard.Panel
	Relevant bool
	Strategy Strategy
	Reason   string
	Err      error
}

// Filter evaluates a batch of panels against an alert subject. It returns one
// verdict per panel, in input order. Per-panel failures are recorded on the
// verdict, never returned.
type Filter interface {
	Evaluate(ctx context.Context, panels []dashboard.Panel, subject string) ([]Verdict, error)
}

// Selected returns the panels of the relevant verdicts, in order.
func Selected(verdicts []Verdict) []dashboard.Panel {
	out := make([]dashboard.Panel, 0, len(verdicts))
	for _, v := range verdicts {
		if v.Relevant {
			out = append(out, v.Panel)
		}
	}
	return out
}

// ClassificationError wraps a failed model classification call for one panel.
type ClassificationError struct {
	PanelID    string
	PanelTitle string
	Err        error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify panel %s (%q): %v", e.PanelID, e.PanelTitle, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// Options configure New.
type Options struct {
	Provider    llm.Provider
	Model       string
	Concurrency int
	Logger      log.Logger
	Hooks       Hooks
}

// New returns the Filter for the named strategy.
func New(s Strategy, opts Options) (Filter, error) {
	switch s {
	case StrategySubstring:
		return Substring{}, nil
	case StrategyNone:
		return All{}, nil
	case StrategyModel:
		if opts.Provider == nil {
			return nil, fmt.Errorf("relevance: strategy %q needs an llm provider", s)
		}
		if opts.Model == "" {
			return nil, fmt.Errorf("relevance: strategy %q needs a model name", s)
		}
		return NewModel(opts.Provider, opts.Model, opts.Concurrency, opts.Logger, opts.Hooks), nil
	default:
		return nil, fmt.Errorf("relevance: unknown strategy %q", s)
	}
}

// Substring selects a panel iff the lower-cased subject is a substring of the
// lower-cased title. No I/O.
type Substring struct{}

// Evaluate implements Filter.
func (Substring) Evaluate(_ context.Context, panels []dashboard.Panel, subject string) ([]Verdict, error) {
	needle := strings.ToLower(subject)
	out := make([]Verdict, len(panels))
	for i, p := range panels {
		ok := strings.Contains(strings.ToLower(p.Title), needle)
		reason := "title does not contain subject"
		if ok {
			reason = "title contains subject"
		}
		out[i] = Verdict{Panel: p, Relevant: ok, Strategy: StrategySubstring, Reason: reason}
	}
	return out, nil
}

// All selects every panel.
type All struct{}

// Evaluate implements Filter.
func (All) Evaluate(_ context.Context, panels []dashboard.Panel, _ string) ([]Verdict, error) {
	out := make([]Verdict, len(panels))
	for i, p := range panels {
		out[i] = Verdict{Panel: p, Relevant: true, Strategy: StrategyNone, Reason: "subject filter disabled"}
	}
	return out, nil
}
