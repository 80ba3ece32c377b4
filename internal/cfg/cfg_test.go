package cfg

import (
	"flag"
	"strings"
	"testing"
	"time"
)

func validPipeline() Pipeline {
	return Pipeline{
		GrafanaAPIKey:       "glsa_test",
		GrafanaTimeout:      30 * time.Second,
		SlackToken:          "xoxb-test",
		SlackTimeout:        time.Minute,
		LLMProvider:         ProviderOpenAI,
		LLMAPIKey:           "sk-test",
		LLMTimeout:          time.Minute,
		ClassifyModel:       "openai/gpt-4",
		VisionModel:         "openai/gpt-4o",
		Strategy:            "substring",
		ClassifyConcurrency: 1,
		Workers:             1,
	}
}

func validServer() Server {
	return Server{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		APITokens:             "test-token-123",
		DBMaxConns:            10,
	}
}

func TestPipeline_Models(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                     string
		c                        Pipeline
		wantClassify, wantVision string
	}{
		{"openai defaults", Pipeline{LLMProvider: ProviderOpenAI}, "openai/gpt-4", "openai/gpt-4o"},
		{"claude defaults", Pipeline{LLMProvider: ProviderClaude}, "claude-sonnet-4-20250514", "claude-sonnet-4-20250514"},
		{"explicit wins", Pipeline{LLMProvider: ProviderClaude, ClassifyModel: "claude-haiku-x", VisionModel: "claude-opus-x"}, "claude-haiku-x", "claude-opus-x"},
		{"one explicit", Pipeline{LLMProvider: ProviderOpenAI, VisionModel: "llava"}, "openai/gpt-4", "llava"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			classify, vision := tt.c.Models()
			if classify != tt.wantClassify || vision != tt.wantVision {
				t.Errorf("Models() = %q / %q, want %q / %q", classify, vision, tt.wantClassify, tt.wantVision)
			}
		})
	}
}

func TestPipeline_RegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Pipeline
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.LLMProvider != ProviderOpenAI {
		t.Errorf("LLMProvider = %q, want openai", c.LLMProvider)
	}
	if classify, vision := c.Models(); classify != "openai/gpt-4" || vision != "openai/gpt-4o" {
		t.Errorf("models = %q / %q", classify, vision)
	}
	if c.Strategy != "substring" {
		t.Errorf("Strategy = %q, want substring", c.Strategy)
	}
	if c.Workers != 1 {
		t.Errorf("Workers = %d, want 1 (sequential)", c.Workers)
	}
	if c.GrafanaTimeout != 30*time.Second {
		t.Errorf("GrafanaTimeout = %s, want 30s", c.GrafanaTimeout)
	}
	if c.KeepImages {
		t.Error("KeepImages should default to false")
	}
	if c.ArchiveEnabled() {
		t.Error("archive should be disabled by default")
	}
}

func TestPipeline_RegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Pipeline
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-llm-provider", "claude",
		"-relevance-strategy", "model",
		"-workers", "4",
		"-grafana-timeout", "5s",
		"-keep-images",
		"-archive-endpoint", "minio:9000",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.LLMProvider != ProviderClaude || c.Strategy != "model" || c.Workers != 4 {
		t.Errorf("parsed = %+v", c)
	}
	if c.GrafanaTimeout != 5*time.Second || !c.KeepImages || !c.ArchiveEnabled() {
		t.Errorf("parsed = %+v", c)
	}
}

func TestPipeline_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(c *Pipeline)
		wantErr   bool
		errSubstr []string
	}{
		{name: "valid", mutate: func(*Pipeline) {}},
		{name: "claude provider", mutate: func(c *Pipeline) { c.LLMProvider = ProviderClaude }},
		{name: "model strategy", mutate: func(c *Pipeline) { c.Strategy = "model" }},
		{name: "none strategy", mutate: func(c *Pipeline) { c.Strategy = "none" }},
		{
			name:      "missing grafana key",
			mutate:    func(c *Pipeline) { c.GrafanaAPIKey = "" },
			wantErr:   true,
			errSubstr: []string{"GRAFANA_API_KEY"},
		},
		{
			name:      "missing slack token",
			mutate:    func(c *Pipeline) { c.SlackToken = "" },
			wantErr:   true,
			errSubstr: []string{"SLACK_TOKEN"},
		},
		{
			name:      "unknown provider",
			mutate:    func(c *Pipeline) { c.LLMProvider = "bard" },
			wantErr:   true,
			errSubstr: []string{"LLM_PROVIDER"},
		},
		{
			name:      "unknown strategy",
			mutate:    func(c *Pipeline) { c.Strategy = "regex" },
			wantErr:   true,
			errSubstr: []string{"RELEVANCE_STRATEGY"},
		},
		{
			name:   "model strategy with default classify model",
			mutate: func(c *Pipeline) { c.Strategy = "model"; c.ClassifyModel = "" },
		},
		{
			name:   "claude with provider defaults",
			mutate: func(c *Pipeline) { c.LLMProvider = ProviderClaude; c.ClassifyModel = ""; c.VisionModel = "" },
		},
		{
			name:      "claude with openai model names",
			mutate:    func(c *Pipeline) { c.LLMProvider = ProviderClaude },
			wantErr:   true,
			errSubstr: []string{"CLASSIFY_MODEL", "VISION_MODEL"},
		},
		{
			name:      "workers zero",
			mutate:    func(c *Pipeline) { c.Workers = 0 },
			wantErr:   true,
			errSubstr: []string{"WORKERS"},
		},
		{
			name:      "workers above max",
			mutate:    func(c *Pipeline) { c.Workers = 17 },
			wantErr:   true,
			errSubstr: []string{"WORKERS"},
		},
		{name: "workers at max", mutate: func(c *Pipeline) { c.Workers = 16 }},
		{
			name:      "classify concurrency zero",
			mutate:    func(c *Pipeline) { c.ClassifyConcurrency = 0 },
			wantErr:   true,
			errSubstr: []string{"CLASSIFY_CONCURRENCY"},
		},
		{
			name:      "zero timeouts",
			mutate:    func(c *Pipeline) { c.GrafanaTimeout = 0; c.LLMTimeout = 0; c.SlackTimeout = 0 },
			wantErr:   true,
			errSubstr: []string{"GRAFANA_TIMEOUT", "LLM_TIMEOUT", "SLACK_TIMEOUT"},
		},
		{
			name: "archive without credentials",
			mutate: func(c *Pipeline) {
				c.ArchiveEndpoint = "minio:9000"
				c.ArchiveBucket = ""
			},
			wantErr:   true,
			errSubstr: []string{"ARCHIVE_BUCKET", "ARCHIVE_ACCESS_KEY"},
		},
		{
			name: "archive complete",
			mutate: func(c *Pipeline) {
				c.ArchiveEndpoint = "minio:9000"
				c.ArchiveBucket = "b"
				c.ArchiveAccessKey = "a"
				c.ArchiveSecretKey = "s"
			},
		},
		{
			name:      "multiple errors joined",
			mutate:    func(c *Pipeline) { c.GrafanaAPIKey = ""; c.LLMAPIKey = ""; c.SlackToken = "" },
			wantErr:   true,
			errSubstr: []string{"GRAFANA_API_KEY", "LLM_API_KEY", "SLACK_TOKEN"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := validPipeline()
			tt.mutate(&c)
			checkErr(t, c.Validate(), tt.wantErr, tt.errSubstr)
		})
	}
}

func TestServer_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(c *Server)
		wantErr   bool
		errSubstr []string
	}{
		{name: "valid", mutate: func(*Server) {}},
		{
			name:   "minimum valid values",
			mutate: func(c *Server) { c.DrainSeconds = 1; c.ShutdownBudgetSeconds = 2; c.APIPort = 1 },
		},
		{
			name:   "maximum valid values",
			mutate: func(c *Server) { c.DrainSeconds = 299; c.ShutdownBudgetSeconds = 300; c.APIPort = 65535 },
		},
		{
			name:      "drain zero",
			mutate:    func(c *Server) { c.DrainSeconds = 0 },
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			mutate:    func(c *Server) { c.DrainSeconds = 301; c.ShutdownBudgetSeconds = 302 },
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "budget not greater than drain",
			mutate:    func(c *Server) { c.DrainSeconds = 90; c.ShutdownBudgetSeconds = 90 },
			wantErr:   true,
			errSubstr: []string{"must be greater than DRAIN_SECONDS"},
		},
		{
			name:      "port zero",
			mutate:    func(c *Server) { c.APIPort = 0 },
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			mutate:    func(c *Server) { c.APIPort = 65536 },
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "no token",
			mutate:    func(c *Server) { c.APITokens = " , " },
			wantErr:   true,
			errSubstr: []string{"API_TOKEN"},
		},
		{
			name:      "db max conns invalid with database",
			mutate:    func(c *Server) { c.DatabaseURL = "postgres://x"; c.DBMaxConns = 0 },
			wantErr:   true,
			errSubstr: []string{"DB_MAX_CONNS"},
		},
		{
			name:   "db max conns ignored without database",
			mutate: func(c *Server) { c.DBMaxConns = 0 },
		},
		{
			name:      "negative slow query",
			mutate:    func(c *Server) { c.SlowQuery = -time.Second },
			wantErr:   true,
			errSubstr: []string{"DB_SLOW_QUERY"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := validServer()
			tt.mutate(&c)
			checkErr(t, c.Validate(), tt.wantErr, tt.errSubstr)
		})
	}
}

func TestServer_Tokens(t *testing.T) {
	t.Parallel()

	c := Server{APITokens: " a ,b,, c "}
	got := c.Tokens()
	if strings.Join(got, "|") != "a|b|c" {
		t.Errorf("Tokens() = %q, want [a b c]", got)
	}
}

func TestRun_Validate(t *testing.T) {
	t.Parallel()

	p := validPipeline()
	p.SlackChannel = "C1"
	p.SlackThreadTS = "1.2"

	r := Run{DashboardURL: "https://g/d/a/b", Timeout: time.Minute}
	if err := r.Validate(&p); err != nil {
		t.Fatalf("valid run: %v", err)
	}

	noThread := validPipeline()
	bad := Run{PushgatewayURL: "http://pgw:9091"}
	checkErr(t, bad.Validate(&noThread), true,
		[]string{"DASHBOARD_URL", "TIMEOUT", "SLACK_CHANNEL", "SLACK_THREAD_TS", "PUSHGATEWAY_JOB"})
}

func TestRun_RegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Run
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse([]string{"-subject", "cpu", "extra"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Subject != "cpu" || c.Timeout != 10*time.Minute || c.PushJob != "panelscope" {
		t.Errorf("parsed = %+v", c)
	}
	if fs.Arg(0) != "extra" {
		t.Errorf("positional = %q", fs.Arg(0))
	}
}

func checkErr(t *testing.T, err error, wantErr bool, substrs []string) {
	t.Helper()
	if (err != nil) != wantErr {
		t.Fatalf("Validate() error = %v, wantErr %v", err, wantErr)
	}
	for _, s := range substrs {
		if !strings.Contains(err.Error(), s) {
			t.Errorf("error %q missing substring %q", err.Error(), s)
		}
	}
}
