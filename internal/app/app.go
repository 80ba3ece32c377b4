// Package app assembles a pipeline.Orchestrator from configuration. Both
// binaries share it so a CLI run and a server run behave the same way.
package app

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/panelscope/internal/archive"
	"github.com/linnemanlabs/panelscope/internal/cfg"
	"github.com/linnemanlabs/panelscope/internal/dashboard"
	"github.com/linnemanlabs/panelscope/internal/llm"
	"github.com/linnemanlabs/panelscope/internal/llm/claude"
	"github.com/linnemanlabs/panelscope/internal/llm/openai"
	"github.com/linnemanlabs/panelscope/internal/notify/slack"
	"github.com/linnemanlabs/panelscope/internal/pipeline"
	"github.com/linnemanlabs/panelscope/internal/relevance"
	"github.com/linnemanlabs/panelscope/internal/vision"
)

// Components is everything Build wires together.
type Components struct {
	Orchestrator *pipeline.Orchestrator
	// Notifier posts run summaries; nil when no webhook is configured.
	Notifier *slack.Notifier
}

// Provider returns the model backend named by c.LLMProvider.
func Provider(c *cfg.Pipeline) (llm.Provider, error) {
	switch c.LLMProvider {
	case cfg.ProviderOpenAI:
		return openai.New(c.LLMAPIKey, c.LLMBaseURL, c.LLMTimeout), nil
	case cfg.ProviderClaude:
		return claude.New(c.LLMAPIKey, c.LLMBaseURL, c.LLMTimeout), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", c.LLMProvider)
	}
}

// Build creates the orchestrator and its collaborators. m may be nil, in
// which case no metrics are recorded. The archive bucket is checked here so a
// bad archive configuration fails at startup, not on the first panel.
func Build(ctx context.Context, c *cfg.Pipeline, logger log.Logger, m *pipeline.Metrics) (*Components, error) {
	if logger == nil {
		logger = log.Nop()
	}

	provider, err := Provider(c)
	if err != nil {
		return nil, err
	}

	var (
		hooks          pipeline.Hooks
		relevanceHooks relevance.Hooks
		visionHooks    vision.Hooks
	)
	if m != nil {
		hooks = m.Hooks()
		relevanceHooks = m.RelevanceHooks()
		visionHooks = m.VisionHooks()
	}

	grafana := dashboard.NewClient(c.GrafanaAPIKey, c.WorkDir, c.GrafanaTimeout)
	classifyModel, visionModel := c.Models()

	var slackOpts []slack.PublisherOption
	if c.SlackAPIURL != "" {
		slackOpts = append(slackOpts, slack.WithAPIURL(c.SlackAPIURL))
	}
	slackOpts = append(slackOpts, slack.WithTimeout(c.SlackTimeout))

	deps := pipeline.Deps{
		Catalog:   grafana,
		Renderer:  grafana,
		Analyzer:  vision.New(provider, visionModel, logger, visionHooks),
		Publisher: slack.NewPublisher(c.SlackToken, logger, slackOpts...),
		NewFilter: func(s relevance.Strategy) (relevance.Filter, error) {
			return relevance.New(s, relevance.Options{
				Provider:    provider,
				Model:       classifyModel,
				Concurrency: c.ClassifyConcurrency,
				Logger:      logger,
				Hooks:       relevanceHooks,
			})
		},
		Logger:  logger,
		Hooks:   hooks,
		Workers: c.Workers,
	}

	if c.ArchiveEnabled() {
		store, err := archive.New(ctx, archive.Options{
			Endpoint:  c.ArchiveEndpoint,
			Region:    c.ArchiveRegion,
			Bucket:    c.ArchiveBucket,
			AccessKey: c.ArchiveAccessKey,
			SecretKey: c.ArchiveSecretKey,
			UseSSL:    c.ArchiveUseSSL,
		})
		if err != nil {
			return nil, err
		}
		deps.Archive = store
		logger.Info(ctx, "image archive enabled", "endpoint", c.ArchiveEndpoint, "bucket", c.ArchiveBucket)
	}

	comps := &Components{Orchestrator: pipeline.New(deps)}
	if c.SlackWebhookURL != "" {
		comps.Notifier = slack.NewNotifier(c.SlackWebhookURL, logger)
		logger.Info(ctx, "notifier enabled", "type", "slack")
	}

	logger.Info(ctx, "pipeline assembled",
		"llm_provider", c.LLMProvider,
		"classify_model", classifyModel,
		"vision_model", visionModel,
		"workers", c.Workers,
	)
	return comps, nil
}

// RunConfig turns configuration and one invocation into a pipeline.Config.
func RunConfig(c *cfg.Pipeline, dashboardURL, subject string) pipeline.Config {
	return pipeline.Config{
		DashboardURL: dashboardURL,
		Subject:      subject,
		Strategy:     relevance.Strategy(c.Strategy),
		Channel:      c.SlackChannel,
		ThreadTS:     c.SlackThreadTS,
		KeepImages:   c.KeepImages,
	}
}
