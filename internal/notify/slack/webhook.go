package slack

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/panelscope/internal/pipeline"
	"github.com/linnemanlabs/panelscope/internal/textutil"
)

const (
	webhookTimeout = 10 * time.Second
	// header text is capped by Slack at 150 characters
	maxHeaderLen    = 150
	maxPanelLines   = 20
	maxErrorTextLen = 500
)

// Notifier posts a run summary to an incoming webhook.
type Notifier struct {
	url    string
	hc     *http.Client
	logger log.Logger
}

// NewNotifier returns a summary notifier. Send does nothing when webhookURL
// is empty.
func NewNotifier(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		url: webhookURL,
		hc: &http.Client{
			Timeout:   webhookTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Send posts a Block Kit summary of rep.
func (n *Notifier) Send(ctx context.Context, rep *pipeline.Report) error {
	if n.url == "" {
		return nil
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.url, n.hc, summary(rep)); err != nil {
		return fmt.Errorf("slack: post summary for run %s: %w", rep.RunID, err)
	}
	n.logger.Info(ctx, "run summary posted", "run_id", rep.RunID, "stage", rep.Stage)
	return nil
}

// summary lays out header, counters, panel list and footer, split by dividers.
func summary(r *pipeline.Report) *slack.WebhookMessage {
	headline := title(r)
	return &slack.WebhookMessage{
		// fallback for notifications and clients without blocks
		Text: headline,
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			slack.NewHeaderBlock(plain(textutil.Truncate(headline, maxHeaderLen))),
			slack.NewDividerBlock(),
			countersBlock(r),
			slack.NewDividerBlock(),
			panelsBlock(r),
			slack.NewDividerBlock(),
			footerBlock(r),
		}},
	}
}

func title(r *pipeline.Report) string {
	subject := r.Subject
	if subject == "" {
		subject = "all panels"
	}
	verdict := "Panel Analysis Complete"
	if !r.Done() {
		verdict = "Panel Analysis Failed"
	}
	return statusEmoji(r) + " " + verdict + ": " + subject
}

func countersBlock(r *pipeline.Report) *slack.SectionBlock {
	field := func(name string, value any) *slack.TextBlockObject {
		return mrkdwn(fmt.Sprintf("*%s:* %v", name, value))
	}
	return slack.NewSectionBlock(nil, []*slack.TextBlockObject{
		field("Stage", r.Stage),
		field("Strategy", r.Strategy),
		field("Panels", fmt.Sprintf("%d of %d selected", r.Selected, r.Considered)),
		field("Published", r.Published()),
		field("Failed", r.Failed()),
		field("Duration", fmt.Sprintf("%.1fs", r.Duration)),
	}, nil)
}

// panelsBlock lists each panel's outcome, or the fatal error when the run
// stopped early.
func panelsBlock(r *pipeline.Report) *slack.SectionBlock {
	var sb strings.Builder
	switch {
	case r.Error != "":
		sb.WriteString("*Error*\n\n")
		sb.WriteString(textutil.Truncate(r.Error, maxErrorTextLen))
	case len(r.Panels) == 0:
		sb.WriteString("_No relevant panels._")
	default:
		sb.WriteString("*Panels*\n")
		shown := r.Panels
		if len(shown) > maxPanelLines {
			shown = shown[:maxPanelLines]
		}
		for _, p := range shown {
			sb.WriteString("\n" + panelEmoji(p) + " " + p.Title)
			switch {
			case p.Status == pipeline.PanelFailed:
				sb.WriteString(" (failed at " + string(p.Stage) + ")")
			case p.Degraded:
				sb.WriteString(" (analysis unavailable)")
			}
		}
		if extra := len(r.Panels) - len(shown); extra > 0 {
			fmt.Fprintf(&sb, "\n_...and %d more_", extra)
		}
	}
	return slack.NewSectionBlock(mrkdwn(sb.String()), nil, nil)
}

func footerBlock(r *pipeline.Report) *slack.ContextBlock {
	at := r.CompletedAt
	if at.IsZero() {
		at = r.StartedAt
	}
	text := fmt.Sprintf("panelscope • run %s • %s", r.RunID, at.UTC().Format("2006-01-02 15:04 UTC"))
	return slack.NewContextBlock("", mrkdwn(text))
}

func plain(s string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.PlainTextType, s, true, false)
}

func mrkdwn(s string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, s, false, false)
}

func statusEmoji(r *pipeline.Report) string {
	if !r.Done() {
		return "\U0001f534"
	}
	if r.Failed() > 0 {
		return "\U0001f7e1"
	}
	return "\U0001f7e2"
}

func panelEmoji(p pipeline.PanelOutcome) string {
	if p.Status == pipeline.PanelFailed {
		return ":x:"
	}
	if p.Degraded {
		return ":warning:"
	}
	return ":white_check_mark:"
}
