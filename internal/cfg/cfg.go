// Package cfg holds panelscope's flag-backed configuration. Each struct
// registers its own flags and validates itself; main joins the results.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"
)

// Supported -llm-provider values.
const (
	ProviderOpenAI = "openai"
	ProviderClaude = "claude"
)

// providerModels are the classification and vision models used when
// -classify-model or -vision-model is left empty.
var providerModels = map[string]struct{ classify, vision string }{
	ProviderOpenAI: {classify: "openai/gpt-4", vision: "openai/gpt-4o"},
	ProviderClaude: {classify: "claude-sonnet-4-20250514", vision: "claude-sonnet-4-20250514"},
}

// Relevance strategies accepted by -relevance-strategy. Kept in sync with
// relevance.Strategy.
var strategies = []string{"substring", "model", "none"}

// Pipeline configures the collaborators shared by the CLI and the server:
// Grafana, Slack, the language model and the optional image archive.
type Pipeline struct {
	GrafanaAPIKey  string
	GrafanaTimeout time.Duration
	WorkDir        string
	KeepImages     bool

	SlackToken      string
	SlackAPIURL     string
	SlackChannel    string
	SlackThreadTS   string
	SlackTimeout    time.Duration
	SlackWebhookURL string

	LLMProvider         string
	LLMAPIKey           string
	LLMBaseURL          string
	LLMTimeout          time.Duration
	ClassifyModel       string
	VisionModel         string
	Strategy            string
	ClassifyConcurrency int
	Workers             int

	ArchiveEndpoint  string
	ArchiveRegion    string
	ArchiveBucket    string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveUseSSL    bool
}

// RegisterFlags binds Pipeline fields to the given FlagSet with defaults inline
func (c *Pipeline) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.GrafanaAPIKey, "grafana-api-key", "", "Grafana service account token")
	fs.DurationVar(&c.GrafanaTimeout, "grafana-timeout", 30*time.Second, "timeout for each Grafana API and render request")
	fs.StringVar(&c.WorkDir, "work-dir", "", "directory for rendered panel images (empty = system temp dir)")
	fs.BoolVar(&c.KeepImages, "keep-images", false, "keep rendered images after publishing (debugging only)")

	fs.StringVar(&c.SlackToken, "slack-token", "", "Slack bot token used to upload panel images")
	fs.StringVar(&c.SlackAPIURL, "slack-api-url", "", "override the Slack API root (testing and proxies)")
	fs.StringVar(&c.SlackChannel, "slack-channel", "", "Slack channel ID to publish into")
	fs.StringVar(&c.SlackThreadTS, "slack-thread-ts", "", "Slack thread timestamp to reply under")
	fs.DurationVar(&c.SlackTimeout, "slack-timeout", 60*time.Second, "timeout for each Slack upload")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack incoming webhook for run summaries (empty = disabled)")

	fs.StringVar(&c.LLMProvider, "llm-provider", ProviderOpenAI, "model provider: openai (any OpenAI-compatible endpoint) or claude")
	fs.StringVar(&c.LLMAPIKey, "llm-api-key", "", "API key for the model provider")
	fs.StringVar(&c.LLMBaseURL, "llm-base-url", "", "override the model provider base URL")
	fs.DurationVar(&c.LLMTimeout, "llm-timeout", 120*time.Second, "timeout for each model call")
	fs.StringVar(&c.ClassifyModel, "classify-model", "", "model used for panel relevance classification (empty = provider default)")
	fs.StringVar(&c.VisionModel, "vision-model", "", "vision-capable model used for panel analysis (empty = provider default)")
	fs.StringVar(&c.Strategy, "relevance-strategy", "substring", "panel relevance strategy: "+strings.Join(strategies, ", "))
	fs.IntVar(&c.ClassifyConcurrency, "classify-concurrency", 4, "concurrent classification calls (1..32)")
	fs.IntVar(&c.Workers, "workers", 1, "panels processed concurrently (1..16)")

	fs.StringVar(&c.ArchiveEndpoint, "archive-endpoint", "", "S3-compatible endpoint host:port for image archiving (empty = disabled)")
	fs.StringVar(&c.ArchiveRegion, "archive-region", "", "archive bucket region")
	fs.StringVar(&c.ArchiveBucket, "archive-bucket", "panelscope", "archive bucket name")
	fs.StringVar(&c.ArchiveAccessKey, "archive-access-key", "", "archive access key")
	fs.StringVar(&c.ArchiveSecretKey, "archive-secret-key", "", "archive secret key")
	fs.BoolVar(&c.ArchiveUseSSL, "archive-use-ssl", true, "use TLS for the archive endpoint")
}

// ArchiveEnabled reports whether image archiving is configured.
func (c *Pipeline) ArchiveEnabled() bool {
	return c.ArchiveEndpoint != ""
}

// Models returns the classification and vision model names, taking the
// provider's defaults for any left empty.
func (c *Pipeline) Models() (classify, vision string) {
	d := providerModels[c.LLMProvider]
	classify, vision = c.ClassifyModel, c.VisionModel
	if classify == "" {
		classify = d.classify
	}
	if vision == "" {
		vision = d.vision
	}
	return classify, vision
}

// Validate checks all configuration fields for correctness.
func (c *Pipeline) Validate() error {
	var errs []error

	if c.GrafanaAPIKey == "" {
		errs = append(errs, errors.New("GRAFANA_API_KEY is required"))
	}
	if c.GrafanaTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid GRAFANA_TIMEOUT %s (must be positive)", c.GrafanaTimeout))
	}
	if c.SlackToken == "" {
		errs = append(errs, errors.New("SLACK_TOKEN is required"))
	}
	if c.SlackTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid SLACK_TIMEOUT %s (must be positive)", c.SlackTimeout))
	}

	switch c.LLMProvider {
	case ProviderOpenAI, ProviderClaude:
	default:
		errs = append(errs, fmt.Errorf("invalid LLM_PROVIDER %q (must be openai or claude)", c.LLMProvider))
	}
	if c.LLMAPIKey == "" {
		errs = append(errs, errors.New("LLM_API_KEY is required"))
	}
	if c.LLMTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid LLM_TIMEOUT %s (must be positive)", c.LLMTimeout))
	}
	if c.LLMProvider == ProviderClaude {
		classify, vision := c.Models()
		if !strings.HasPrefix(classify, "claude-") {
			errs = append(errs, fmt.Errorf("CLASSIFY_MODEL %q is not a Claude model name", classify))
		}
		if !strings.HasPrefix(vision, "claude-") {
			errs = append(errs, fmt.Errorf("VISION_MODEL %q is not a Claude model name", vision))
		}
	}

	if !validStrategy(c.Strategy) {
		errs = append(errs, fmt.Errorf("invalid RELEVANCE_STRATEGY %q (must be one of %s)", c.Strategy, strings.Join(strategies, ", ")))
	}
	if c.ClassifyConcurrency < 1 || c.ClassifyConcurrency > 32 {
		errs = append(errs, fmt.Errorf("invalid CLASSIFY_CONCURRENCY %d (must be 1..32)", c.ClassifyConcurrency))
	}
	if c.Workers < 1 || c.Workers > 16 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be 1..16)", c.Workers))
	}

	if c.ArchiveEnabled() {
		if c.ArchiveBucket == "" {
			errs = append(errs, errors.New("ARCHIVE_BUCKET is required when ARCHIVE_ENDPOINT is set"))
		}
		if c.ArchiveAccessKey == "" || c.ArchiveSecretKey == "" {
			errs = append(errs, errors.New("ARCHIVE_ACCESS_KEY and ARCHIVE_SECRET_KEY are required when ARCHIVE_ENDPOINT is set"))
		}
	}

	return errors.Join(errs...)
}

func validStrategy(s string) bool {
	for _, v := range strategies {
		if s == v {
			return true
		}
	}
	return false
}

// Server configures the HTTP service.
type Server struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APITokens             string
	DatabaseURL           string
	DBMaxConns            int
	SlowQuery             time.Duration
}

// RegisterFlags binds Server fields to the given FlagSet with defaults inline
func (c *Server) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APITokens, "api-token", "", "comma-separated bearer tokens accepted by the API")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 10, "maximum PostgreSQL pool connections (1..100)")
	fs.DurationVar(&c.SlowQuery, "db-slow-query", 200*time.Millisecond, "log database queries slower than this (0 = only errors)")
}

// Tokens returns the configured API tokens.
func (c *Server) Tokens() []string {
	var out []string
	for _, t := range strings.Split(c.APITokens, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Validate checks all configuration fields for correctness.
func (c *Server) Validate() error {
	var errs []error

	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}
	if len(c.Tokens()) == 0 {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}
	if c.DatabaseURL != "" && (c.DBMaxConns < 1 || c.DBMaxConns > 100) {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 1..100)", c.DBMaxConns))
	}
	if c.SlowQuery < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY %s (must not be negative)", c.SlowQuery))
	}

	return errors.Join(errs...)
}

// Run configures a single CLI invocation.
type Run struct {
	DashboardURL   string
	Subject        string
	Timeout        time.Duration
	PushgatewayURL string
	PushJob        string
}

// RegisterFlags binds Run fields to the given FlagSet with defaults inline
func (c *Run) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DashboardURL, "dashboard-url", "", "Grafana dashboard URL (https://host/d/{uid}/{slug})")
	fs.StringVar(&c.Subject, "subject", "", "alert subject used to select panels (empty = every panel; also accepted as first argument)")
	fs.DurationVar(&c.Timeout, "timeout", 10*time.Minute, "upper bound for the whole run")
	fs.StringVar(&c.PushgatewayURL, "pushgateway-url", "", "Prometheus Pushgateway to push run metrics to (empty = disabled)")
	fs.StringVar(&c.PushJob, "pushgateway-job", "panelscope", "Pushgateway job name")
}

// Validate checks all configuration fields for correctness. The thread is
// validated here because a CLI run has no other source for it.
func (c *Run) Validate(p *Pipeline) error {
	var errs []error

	if c.DashboardURL == "" {
		errs = append(errs, errors.New("DASHBOARD_URL is required"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid TIMEOUT %s (must be positive)", c.Timeout))
	}
	if p.SlackChannel == "" {
		errs = append(errs, errors.New("SLACK_CHANNEL is required"))
	}
	if p.SlackThreadTS == "" {
		errs = append(errs, errors.New("SLACK_THREAD_TS is required"))
	}
	if c.PushgatewayURL != "" && c.PushJob == "" {
		errs = append(errs, errors.New("PUSHGATEWAY_JOB is required when PUSHGATEWAY_URL is set"))
	}

	return errors.Join(errs...)
}
