// Package slack publishes panel analyses into Slack threads and posts run
// summaries to incoming webhooks.
package slack

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/slack-go/slack"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/panelscope/internal/notify"
)

const uploadTimeout = 60 * time.Second

// Publisher uploads panel images into a thread with the bot token.
type Publisher struct {
	api    *slack.Client
	logger log.Logger
}

// PublisherOption configures a Publisher.
type PublisherOption func(*publisherOptions)

type publisherOptions struct {
	apiURL  string
	timeout time.Duration
}

// WithAPIURL points the client at a different Slack API base, e.g. a test server.
// The URL must end with a slash.
func WithAPIURL(u string) PublisherOption {
	return func(o *publisherOptions) { o.apiURL = u }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) PublisherOption {
	return func(o *publisherOptions) { o.timeout = d }
}

// NewPublisher creates a Publisher for the given bot token.
func NewPublisher(token string, logger log.Logger, opts ...PublisherOption) *Publisher {
	o := publisherOptions{timeout: uploadTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = log.Nop()
	}

	slackOpts := []slack.Option{
		slack.OptionHTTPClient(&http.Client{
			Timeout:   o.timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
	}
	if o.apiURL != "" {
		slackOpts = append(slackOpts, slack.OptionAPIURL(o.apiURL))
	}

	return &Publisher{
		api:    slack.New(token, slackOpts...),
		logger: logger,
	}
}

// Publish uploads the image with its comment into the thread. The returned Ack
// is built from the file's metadata; fields Slack did not report stay nil.
func (p *Publisher) Publish(ctx context.Context, up *notify.Upload) (*notify.Ack, error) {
	f, err := os.Open(up.Path)
	if err != nil {
		return nil, &notify.PublishError{Channel: up.Channel, ThreadTS: up.ThreadTS, Err: fmt.Errorf("open image: %w", err)}
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, &notify.PublishError{Channel: up.Channel, ThreadTS: up.ThreadTS, Err: fmt.Errorf("stat image: %w", err)}
	}
	if st.Size() == 0 {
		return nil, &notify.PublishError{Channel: up.Channel, ThreadTS: up.ThreadTS, Err: fmt.Errorf("image %s is empty", up.Filename)}
	}

	summary, err := p.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Reader:          f,
		FileSize:        int(st.Size()),
		Filename:        up.Filename,
		Title:           up.Filename,
		InitialComment:  up.Comment,
		Channel:         up.Channel,
		ThreadTimestamp: up.ThreadTS,
	})
	if err != nil {
		return nil, &notify.PublishError{Channel: up.Channel, ThreadTS: up.ThreadTS, Err: err}
	}

	raw := map[string]any{
		"ok":   true,
		"file": map[string]any{"id": summary.ID},
	}

	// Upload already succeeded; missing metadata only thins out the ack.
	info, _, _, err := p.api.GetFileInfoContext(ctx, summary.ID, 0, 0)
	if err != nil {
		p.logger.Warn(ctx, "file info lookup failed after upload", "file_id", summary.ID, "error", err)
	} else {
		raw["file"] = map[string]any{
			"id":          info.ID,
			"name":        info.Name,
			"url_private": info.URLPrivate,
			"timestamp":   int64(info.Timestamp),
		}
	}

	ack := notify.ExtractAck(raw)
	return &ack, nil
}
